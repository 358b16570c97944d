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
	"net/http"

	"github.com/google/go-github/v66/github"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/events"
	"github.com/mikelane/prcleaner/internal/metrics"
)

const githubPullRequestEvent = "pull_request"

// githubStatus maps a pull_request action onto the status vocabulary of the
// filter. Actions that cannot end a preview report false.
func githubStatus(event *github.PullRequestEvent) (string, bool) {
	switch event.GetAction() {
	case "closed":
		if event.GetPullRequest().GetMerged() {
			return "completed", true
		}
		return "abandoned", true
	case "converted_to_draft":
		return "draft", true
	default:
		return "", false
	}
}

// githubPullRequest converts the event into the resource the filter works on.
// The clone URL stands in for the remote and the HTML URL for the project.
func githubPullRequest(event *github.PullRequestEvent, status string) *events.PullRequestResource {
	repo := event.GetRepo()
	return &events.PullRequestResource{
		PullRequestID: event.GetNumber(),
		Status:        status,
		Repository: &events.Repository{
			RemoteURL: repo.GetCloneURL(),
			Project:   &events.Project{URL: repo.GetHTMLURL()},
		},
	}
}

// handleGitHub handles GitHub pull_request webhooks
func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	payload, err := github.ValidatePayload(r, []byte(s.cfg.GitHubSecret))
	if err != nil {
		logger.Info("Invalid webhook signature", "error", err.Error())
		metrics.WebhookNotifications.WithLabelValues(SourceGitHub, metrics.OutcomeUnauthorized).Inc()
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := github.WebHookType(r)
	if eventType != githubPullRequestEvent {
		logger.Info("Unsupported event type, ignoring", "eventType", events.SanitizeForLog(eventType))
		metrics.WebhookNotifications.WithLabelValues(SourceGitHub, metrics.OutcomeIgnored).Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		metrics.WebhookNotifications.WithLabelValues(SourceGitHub, metrics.OutcomeInvalid).Inc()
		writeProblem(w, map[string][]string{bodyField: {"The pull_request payload could not be read."}})
		return
	}
	event, ok := parsed.(*github.PullRequestEvent)
	if !ok {
		metrics.WebhookNotifications.WithLabelValues(SourceGitHub, metrics.OutcomeInvalid).Inc()
		writeProblem(w, map[string][]string{bodyField: {"Unexpected payload for a pull_request event."}})
		return
	}

	repo := event.GetRepo().GetFullName()
	if !s.rateLimiter.Allow(SourceGitHub + "/" + repo) {
		logger.Info("Rate limit exceeded", "repository", repo)
		metrics.WebhookNotifications.WithLabelValues(SourceGitHub, metrics.OutcomeRateLimited).Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	status, ok := githubStatus(event)
	if !ok {
		logger.V(2).Info("Pull request action does not qualify for cleanup",
			"repository", repo, "action", events.SanitizeForLog(event.GetAction()))
		metrics.WebhookNotifications.WithLabelValues(SourceGitHub, metrics.OutcomeIgnored).Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	decision, err := filterPullRequest(r.Context(), githubPullRequest(event, status))
	s.respond(w, r, SourceGitHub, decision, err)
}
