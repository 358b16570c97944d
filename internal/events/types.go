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

// Package events defines the values that flow through the cleanup pipeline:
// inbound webhook notifications, the pull request resource they carry, and the
// cleanup request scheduled on the message bus.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies the kind of service hook notification.
type EventType string

const (
	// EventTypePullRequestUpdated is the only kind that can trigger a cleanup.
	EventTypePullRequestUpdated EventType = "git.pullrequest.updated"
	// EventTypePullRequestCreated is raised when a pull request is opened.
	EventTypePullRequestCreated EventType = "git.pullrequest.created"
	// EventTypePullRequestMerged is raised when a merge attempt is made.
	EventTypePullRequestMerged EventType = "git.pullrequest.merged"
	// EventTypePush is raised when code is pushed to a repository.
	EventTypePush EventType = "git.push"
	// EventTypeBuildComplete is raised when a build finishes.
	EventTypeBuildComplete EventType = "build.complete"
)

// Supported reports whether notifications of this kind are acted upon.
func (t EventType) Supported() bool {
	return t == EventTypePullRequestUpdated
}

// CleanupRequestType is the envelope type of a scheduled CleanupRequest.
const CleanupRequestType = "cleanup.request"

var (
	// ErrMissingProjectURL is returned when a qualifying pull request has no repository.project.url.
	ErrMissingProjectURL = errors.New("project URL should not be empty")
	// ErrMissingRemoteURL is returned when a qualifying pull request has no repository.remoteUrl.
	ErrMissingRemoteURL = errors.New("remote URL should not be empty")
)

// WebhookNotification is the payload posted by the source control service.
type WebhookNotification struct {
	EventType      EventType       `json:"eventType" validate:"required"`
	SubscriptionID string          `json:"subscriptionId"`
	Resource       json.RawMessage `json:"resource" validate:"required"`
	NotificationID int64           `json:"notificationId" validate:"gte=0"`
}

// PullRequestResource is the resource of a git.pullrequest.* notification.
type PullRequestResource struct {
	Repository    *Repository `json:"repository,omitempty"`
	Status        string      `json:"status"`
	PullRequestID int         `json:"pullRequestId"`
}

// Repository identifies the repository a pull request belongs to.
type Repository struct {
	Project   *Project `json:"project,omitempty"`
	RemoteURL string   `json:"remoteUrl"`
}

// Project identifies the project owning a repository.
type Project struct {
	URL string `json:"url"`
}

// DecodePullRequest decodes the notification resource as a pull request.
func (n *WebhookNotification) DecodePullRequest() (*PullRequestResource, error) {
	var pr PullRequestResource
	if err := json.Unmarshal(n.Resource, &pr); err != nil {
		return nil, fmt.Errorf("failed to decode pull request resource: %w", err)
	}
	return &pr, nil
}

// ProjectURL returns repository.project.url or an empty string.
func (r *PullRequestResource) ProjectURL() string {
	if r.Repository == nil || r.Repository.Project == nil {
		return ""
	}
	return r.Repository.Project.URL
}

// RemoteURL returns repository.remoteUrl or an empty string.
func (r *PullRequestResource) RemoteURL() string {
	if r.Repository == nil {
		return ""
	}
	return r.Repository.RemoteURL
}

// CleanupRequest is the message scheduled on the bus for a qualifying event.
type CleanupRequest struct {
	RemoteURL     string `json:"remoteUrl"`
	RawProjectURL string `json:"rawProjectUrl"`
	PullRequestID int    `json:"pullRequestId"`
}

// Validate checks that every field of the request is present.
func (r CleanupRequest) Validate() error {
	if r.PullRequestID <= 0 {
		return fmt.Errorf("pull request id must be positive, got %d", r.PullRequestID)
	}
	if strings.TrimSpace(r.RawProjectURL) == "" {
		return ErrMissingProjectURL
	}
	if strings.TrimSpace(r.RemoteURL) == "" {
		return ErrMissingRemoteURL
	}
	return nil
}

// Invocation converts the request into the executor's parameter set.
func (r CleanupRequest) Invocation() CleanupInvocation {
	return CleanupInvocation{
		PullRequestID: r.PullRequestID,
		RemoteURL:     r.RemoteURL,
		RawProjectURL: r.RawProjectURL,
	}
}

// CleanupInvocation is what the executor needs to remove a pull request's resources.
// RawProjectURL, when set, takes precedence over RemoteURL for resolving the project.
type CleanupInvocation struct {
	RemoteURL     string
	RawProjectURL string
	PullRequestID int
}

// Validate checks the invocation can be resolved to a project.
func (i CleanupInvocation) Validate() error {
	if i.PullRequestID <= 0 {
		return fmt.Errorf("pull request id must be positive, got %d", i.PullRequestID)
	}
	if strings.TrimSpace(i.RemoteURL) == "" && strings.TrimSpace(i.RawProjectURL) == "" {
		return errors.New("a remote URL or a project URL is required")
	}
	return nil
}

// SanitizeForLog strips line breaks from untrusted text before it is logged.
func SanitizeForLog(s string) string {
	return strings.NewReplacer("\r\n", "", "\n", "", "\r", "").Replace(s)
}
