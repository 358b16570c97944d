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

import "github.com/mikelane/prcleaner/internal/events"

// Action is what the filter decided to do with a notification.
type Action int

const (
	// Ignore acknowledges the notification without scheduling anything.
	Ignore Action = iota
	// Schedule publishes the decision's request for delayed cleanup.
	Schedule
)

func (a Action) String() string {
	switch a {
	case Schedule:
		return "schedule"
	default:
		return "ignore"
	}
}

// Decision is the result of filtering a notification. Request is set only
// when Action is Schedule.
type Decision struct {
	Request events.CleanupRequest
	Action  Action
}

// ValidationProblem is the application/problem+json body returned when a
// notification does not match its schema.
type ValidationProblem struct {
	Errors map[string][]string `json:"errors"`
	Type   string              `json:"type"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
}

// Sources label webhook metrics.
const (
	SourceAzureDevOps = "azuredevops"
	SourceGitHub      = "github"
)
