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

// Package metrics registers the Prometheus collectors of the cleanup pipeline
// on the controller-runtime registry, next to the client-go metrics it already
// carries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Webhook outcomes.
const (
	OutcomeScheduled    = "scheduled"
	OutcomeIgnored      = "ignored"
	OutcomeInvalid      = "invalid"
	OutcomeFailed       = "failed"
	OutcomeRateLimited  = "rate_limited"
	OutcomeUnauthorized = "unauthorized"
)

// Cleanup results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultPoison  = "poison"
)

var (
	// WebhookNotifications counts inbound notifications by source and outcome.
	WebhookNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prcleaner_webhook_notifications_total",
			Help: "Webhook notifications received, by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	// CleanupRuns counts executor runs by trigger (bus or cli) and result.
	CleanupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prcleaner_cleanup_runs_total",
			Help: "Cleanup executions, by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	// ResourcesDeleted counts deleted resources by kind.
	ResourcesDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prcleaner_resources_deleted_total",
			Help: "Resources deleted for closed pull requests, by kind.",
		},
		[]string{"kind"},
	)

	// ReclaimedHourlyCost sums the estimated hourly cost of the workloads
	// removed by cleanups.
	ReclaimedHourlyCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prcleaner_reclaimed_hourly_cost_total",
			Help: "Estimated hourly cost of the pods removed by cleanups, by currency.",
		},
		[]string{"currency"},
	)

	// CleanupDuration observes how long one executor run takes.
	CleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prcleaner_cleanup_duration_seconds",
			Help:    "Duration of cleanup executions.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		WebhookNotifications,
		CleanupRuns,
		ResourcesDeleted,
		ReclaimedHourlyCost,
		CleanupDuration,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{})
}
