// Copyright 2025 The Prcleaner Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/bus"
	"github.com/mikelane/prcleaner/internal/events"
	"github.com/mikelane/prcleaner/internal/metrics"
)

const (
	defaultMaxBodyBytes = 1 << 20
	healthCheckTimeout  = 5 * time.Second
	shutdownTimeout     = 10 * time.Second
	basicAuthRealm      = "prcleaner"
)

// Scheduler hands a cleanup request to the message bus.
type Scheduler interface {
	Schedule(ctx context.Context, req events.CleanupRequest) error
}

// Config configures the webhook server.
type Config struct {
	Addr string
	Port int

	// Username and Password protect /webhooks/azure with basic auth. An empty
	// Username leaves the endpoint anonymous.
	Username string
	Password string

	// GitHubSecret enables /webhooks/github when set.
	GitHubSecret string

	// RateLimit is the number of notifications per second accepted per sender.
	// Zero disables rate limiting.
	RateLimit float64
	RateBurst int

	MaxBodyBytes int64
}

// Server receives pull request webhooks and schedules cleanups
type Server struct {
	cfg         Config
	scheduler   Scheduler
	health      bus.HealthChecker
	rateLimiter *RateLimiter
	server      *http.Server
}

// NewServer creates a new webhook server. health may be nil when the
// transport cannot report its connectivity.
func NewServer(cfg Config, scheduler Scheduler, health bus.HealthChecker) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		cfg:         cfg,
		scheduler:   scheduler,
		health:      health,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/liveness", s.handleLiveness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.cfg.Username != "" {
				r.Use(middleware.BasicAuth(basicAuthRealm, map[string]string{s.cfg.Username: s.cfg.Password}))
			}
			r.Post("/azure", s.handleAzure)
		})
		if s.cfg.GitHubSecret != "" {
			r.Post("/github", s.handleGitHub)
		}
	})

	return r
}

// Start starts the webhook server and blocks until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Addr, fmt.Sprint(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errChan := make(chan error, 1)
	go func() {
		log.FromContext(ctx).Info("Starting webhook server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.FromContext(ctx).Info("Shutting down webhook server")
	return s.server.Shutdown(ctx)
}

// requestLogger scopes the context logger to the request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.FromContext(r.Context()).WithValues(
			"requestId", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
		)
		next.ServeHTTP(w, r.WithContext(log.IntoContext(r.Context(), logger)))
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type healthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth reports the transport's connectivity
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Status: "healthy"}
	code := http.StatusOK

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.health.Healthy(ctx); err != nil {
			log.FromContext(r.Context()).Error(err, "Health check failed")
			status = healthStatus{Status: "unhealthy", Error: err.Error()}
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// handleAzure handles Azure DevOps service hook notifications
func (s *Server) handleAzure(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		logger.Error(err, "Failed to read request body")
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	n, fields := decodeNotification(body)
	if fields != nil {
		logger.V(1).Info("Rejecting invalid notification", "fields", len(fields))
		metrics.WebhookNotifications.WithLabelValues(SourceAzureDevOps, metrics.OutcomeInvalid).Inc()
		writeProblem(w, fields)
		return
	}

	key := n.SubscriptionID
	if key == "" {
		key = r.RemoteAddr
	}
	if !s.rateLimiter.Allow(SourceAzureDevOps + "/" + key) {
		logger.Info("Rate limit exceeded", "subscriptionId", events.SanitizeForLog(n.SubscriptionID))
		metrics.WebhookNotifications.WithLabelValues(SourceAzureDevOps, metrics.OutcomeRateLimited).Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	decision, err := Filter(r.Context(), n)
	s.respond(w, r, SourceAzureDevOps, decision, err)
}

// respond schedules the decision and writes the response shared by all sources.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, source string, decision Decision, err error) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	if err != nil {
		logger.Error(err, "Failed to process notification")
		metrics.WebhookNotifications.WithLabelValues(source, metrics.OutcomeFailed).Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if decision.Action == Ignore {
		metrics.WebhookNotifications.WithLabelValues(source, metrics.OutcomeIgnored).Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.scheduler.Schedule(ctx, decision.Request); err != nil {
		logger.Error(err, "Failed to schedule cleanup", "pullRequestId", decision.Request.PullRequestID)
		metrics.WebhookNotifications.WithLabelValues(source, metrics.OutcomeFailed).Inc()
		http.Error(w, "Failed to schedule cleanup", http.StatusInternalServerError)
		return
	}

	metrics.WebhookNotifications.WithLabelValues(source, metrics.OutcomeScheduled).Inc()
	w.WriteHeader(http.StatusOK)
}
