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
	"fmt"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/events"
)

// qualifyingStatuses are the pull request statuses that end a preview.
// Upstream statuses are free text, so unknown values simply do not qualify.
var qualifyingStatuses = map[string]struct{}{
	"completed": {},
	"abandoned": {},
	"draft":     {},
}

// Qualifies reports whether a pull request status warrants cleanup.
func Qualifies(status string) bool {
	_, ok := qualifyingStatuses[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

// Filter decides whether a validated notification schedules a cleanup.
// Unsupported event kinds and non-qualifying statuses are ignored. A resource
// that cannot be decoded, or a qualifying pull request without its repository
// URLs, is an error: the sender broke its contract.
func Filter(ctx context.Context, n *events.WebhookNotification) (Decision, error) {
	logger := log.FromContext(ctx).WithValues(
		"notificationId", n.NotificationID,
		"subscriptionId", events.SanitizeForLog(n.SubscriptionID),
	)

	if !n.EventType.Supported() {
		// logr has no warning level; V(0) is always emitted
		logger.Info("Unsupported event type, ignoring", "eventType", events.SanitizeForLog(string(n.EventType)))
		return Decision{Action: Ignore}, nil
	}

	pr, err := n.DecodePullRequest()
	if err != nil {
		return Decision{}, err
	}
	return filterPullRequest(ctx, pr)
}

// filterPullRequest applies the status and linkage rules shared by every source.
func filterPullRequest(ctx context.Context, pr *events.PullRequestResource) (Decision, error) {
	logger := log.FromContext(ctx).WithValues("pullRequestId", pr.PullRequestID)

	if !Qualifies(pr.Status) {
		logger.V(2).Info("Pull request status does not qualify for cleanup", "status", events.SanitizeForLog(pr.Status))
		return Decision{Action: Ignore}, nil
	}

	req := events.CleanupRequest{
		PullRequestID: pr.PullRequestID,
		RemoteURL:     pr.RemoteURL(),
		RawProjectURL: pr.ProjectURL(),
	}
	if req.RawProjectURL == "" {
		return Decision{}, fmt.Errorf("pull request %d: %w", pr.PullRequestID, events.ErrMissingProjectURL)
	}
	if req.RemoteURL == "" {
		return Decision{}, fmt.Errorf("pull request %d: %w", pr.PullRequestID, events.ErrMissingRemoteURL)
	}

	return Decision{Action: Schedule, Request: req}, nil
}
