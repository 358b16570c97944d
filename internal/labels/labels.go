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

// Package labels defines the labels that tie provisioned resources to the pull
// request they were created for.
package labels

import (
	"strconv"

	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	// PullRequest holds the pull request id.
	PullRequest = "prcleaner.io/pull-request"
	// Project holds the project key (see project.Ref.Key).
	Project = "prcleaner.io/project"
)

// ForPullRequest returns the label set a resource must carry to be cleaned up
// for pull request prID of the project identified by projectKey.
func ForPullRequest(prID int, projectKey string) map[string]string {
	return map[string]string{
		PullRequest: strconv.Itoa(prID),
		Project:     projectKey,
	}
}

// Selector returns a list option matching ForPullRequest.
func Selector(prID int, projectKey string) client.MatchingLabels {
	return client.MatchingLabels(ForPullRequest(prID, projectKey))
}
