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

// Package webhook receives pull request notifications and schedules the
// cleanup of their preview resources.
//
// Routes:
//   - POST /webhooks/azure: Azure DevOps service hooks, behind basic auth
//   - POST /webhooks/github: GitHub pull_request webhooks, mounted when a
//     secret is configured and verified with X-Hub-Signature-256
//   - GET /health, /liveness and /metrics, always anonymous
//
// Filtering:
//
// Only git.pullrequest.updated notifications are considered. Other kinds are
// acknowledged with 200 and logged, so new kinds never break delivery. The pull
// request status is compared case-insensitively against completed, abandoned
// and draft. GitHub actions are mapped onto those statuses first: a merged
// close is completed, any other close is abandoned and converted_to_draft is
// draft.
//
// Responses:
//
// A body that does not match the notification schema gets 422 with an
// application/problem+json body listing the errors per field. A qualifying pull
// request without its repository URLs, or a failed publish, gets 500 so the
// sender redelivers. Senders over their rate limit get 429.
//
// Example usage:
//
//	server := webhook.NewServer(webhook.Config{
//		Port:     8080,
//		Username: "hooks",
//		Password: password,
//	}, scheduler, transport)
//	if err := server.Start(ctx); err != nil {
//		return err
//	}
package webhook
