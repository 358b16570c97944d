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

package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"
)

// apiVersion is the Azure DevOps REST API version requested.
const apiVersion = "7.1"

// RetryConfig defines the retry behavior for API calls
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the retry policy used by NewAzureDevOpsClient.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("azure devops returned %d", e.StatusCode)
	}
	return fmt.Sprintf("azure devops returned %d: %s", e.StatusCode, e.Message)
}

// Lookup resolves an Azure DevOps project API URL.
type Lookup interface {
	LookupProject(ctx context.Context, apiURL string) (Ref, error)
}

// AzureDevOpsClient fetches projects from the Azure DevOps REST API.
type AzureDevOpsClient struct {
	httpClient  *http.Client
	token       string
	retryConfig RetryConfig
}

// NewAzureDevOpsClient creates a client authenticating with a personal access
// token. An empty token sends anonymous requests.
func NewAzureDevOpsClient(token string, httpClient *http.Client) *AzureDevOpsClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &AzureDevOpsClient{
		httpClient:  httpClient,
		token:       token,
		retryConfig: DefaultRetryConfig(),
	}
}

type projectResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// LookupProject fetches apiURL (…/_apis/projects/{id}) and returns the project
// it names.
func (c *AzureDevOpsClient) LookupProject(ctx context.Context, apiURL string) (Ref, error) {
	org, ok := projectAPIOrganization(apiURL)
	if !ok {
		return Ref{}, fmt.Errorf("%w: not a project api url: %s", ErrUnresolvable, apiURL)
	}

	u, err := url.Parse(apiURL)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	q := u.Query()
	if q.Get("api-version") == "" {
		q.Set("api-version", apiVersion)
	}
	u.RawQuery = q.Encode()

	var proj projectResponse
	err = c.executeWithRetry(ctx, func() error {
		return c.getJSON(ctx, u.String(), &proj)
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return Ref{}, fmt.Errorf("%w: project not found: %v", ErrUnresolvable, err)
		}
		return Ref{}, fmt.Errorf("failed to get project: %w", err)
	}
	if proj.Name == "" {
		return Ref{}, fmt.Errorf("%w: project response has no name", ErrUnresolvable)
	}

	return Ref{Host: hostAzureDevOps, Organization: org, Project: proj.Name}, nil
}

func (c *AzureDevOpsClient) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.SetBasicAuth("", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// executeWithRetry executes an operation with exponential backoff retry
func (c *AzureDevOpsClient) executeWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
		if attempt == c.retryConfig.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.calculateBackoff(attempt)):
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", c.retryConfig.MaxRetries, lastErr)
}

// isRetryableError reports whether err is a throttling or gateway failure.
// Transport errors are left to the message bus redelivery.
func isRetryableError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// calculateBackoff calculates the backoff duration for a retry attempt
func (c *AzureDevOpsClient) calculateBackoff(attempt int) time.Duration {
	multiplier := 1 << uint(attempt)
	base := float64(c.retryConfig.InitialBackoff) * float64(multiplier)

	// jitter of ±20%
	jitter := (rand.Float64() * 0.4) - 0.2
	backoff := time.Duration(base * (1 + jitter))

	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}
	return backoff
}
