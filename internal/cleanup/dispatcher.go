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

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/bus"
	"github.com/mikelane/prcleaner/internal/events"
	"github.com/mikelane/prcleaner/internal/metrics"
)

// Dispatcher turns delivered cleanup requests into executor calls.
type Dispatcher struct {
	executor Executor
}

// NewDispatcher creates a dispatcher invoking executor.
func NewDispatcher(executor Executor) *Dispatcher {
	return &Dispatcher{executor: executor}
}

// Handle is the bus.Handler for cleanup requests. Executor errors are returned
// unchanged so the transport retries the message. Envelopes that can never
// succeed are marked permanent.
func (d *Dispatcher) Handle(ctx context.Context, env *bus.Envelope) error {
	logger := log.FromContext(ctx).WithValues("messageId", env.ID, "deliveries", env.DeliveryCount)

	if env.Type != events.CleanupRequestType {
		metrics.CleanupRuns.WithLabelValues(TriggerBus, metrics.ResultPoison).Inc()
		return bus.Permanent(fmt.Errorf("unexpected message type %q", env.Type))
	}

	var req events.CleanupRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		metrics.CleanupRuns.WithLabelValues(TriggerBus, metrics.ResultPoison).Inc()
		return bus.Permanent(fmt.Errorf("failed to decode cleanup request: %w", err))
	}
	if err := req.Validate(); err != nil {
		metrics.CleanupRuns.WithLabelValues(TriggerBus, metrics.ResultPoison).Inc()
		return bus.Permanent(fmt.Errorf("invalid cleanup request: %w", err))
	}

	logger.V(1).Info("Dispatching cleanup", "pullRequestId", req.PullRequestID)
	err := d.executor.Cleanup(ctx, req.Invocation())
	recordRun(TriggerBus, err)
	return err
}
