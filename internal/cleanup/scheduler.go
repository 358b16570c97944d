/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/bus"
	"github.com/mikelane/prcleaner/internal/events"
)

// DefaultDelay is how long a cleanup waits on the bus before it runs. Resources
// created just before a pull request closes may still be propagating.
const DefaultDelay = time.Minute

// Scheduler publishes cleanup requests to the message bus with a fixed delay.
type Scheduler struct {
	publisher bus.Publisher
	delay     time.Duration
}

// NewScheduler creates a scheduler publishing through publisher. A negative
// delay is treated as zero.
func NewScheduler(publisher bus.Publisher, delay time.Duration) *Scheduler {
	if delay < 0 {
		delay = 0
	}
	return &Scheduler{
		publisher: publisher,
		delay:     delay,
	}
}

// Schedule publishes req and returns once the transport accepted it. Nothing
// is retried here; a publish failure is the caller's to report.
func (s *Scheduler) Schedule(ctx context.Context, req events.CleanupRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid cleanup request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode cleanup request: %w", err)
	}

	env := bus.NewEnvelope(events.CleanupRequestType, body)
	if err := s.publisher.Publish(ctx, env, s.delay); err != nil {
		return fmt.Errorf("failed to publish cleanup request: %w", err)
	}

	log.FromContext(ctx).Info("Scheduled cleanup",
		"pullRequestId", req.PullRequestID,
		"messageId", env.ID,
		"delay", s.delay.String())
	return nil
}

// Delay returns the publish delay.
func (s *Scheduler) Delay() time.Duration {
	return s.delay
}
