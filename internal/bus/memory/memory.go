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

// Package memory implements an in-process bus.Transport. Messages live only in
// memory and are lost on shutdown, which makes it suitable for development and
// single-replica deployments.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/bus"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("in-memory transport is closed")

const queueSize = 1024

// Transport delivers envelopes through a buffered channel. Delayed and retried
// messages wait on timers before entering the channel.
type Transport struct {
	opts   bus.Options
	queue  chan *bus.Envelope
	done   chan struct{}
	timers map[*time.Timer]struct{}
	dead   []*bus.Envelope
	mu     sync.Mutex
	once   sync.Once
}

var _ bus.Transport = (*Transport)(nil)

// New creates an in-memory transport with the given delivery policy.
func New(opts bus.Options) *Transport {
	return &Transport{
		opts:   opts.WithDefaults(),
		queue:  make(chan *bus.Envelope, queueSize),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Publish schedules env for delivery after delay.
func (t *Transport) Publish(ctx context.Context, env *bus.Envelope, delay time.Duration) error {
	if t.isClosed() {
		return ErrClosed
	}

	msg := *env
	msg.DeliveryCount = 0

	if delay <= 0 {
		select {
		case t.queue <- &msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		}
	}

	t.after(delay, &msg)
	return nil
}

// Run delivers messages to handler using the configured number of workers
// until ctx is canceled or the transport is closed.
func (t *Transport) Run(ctx context.Context, handler bus.Handler) error {
	logger := log.FromContext(ctx).WithName("memory-bus")
	logger.Info("Starting in-memory transport", "concurrency", t.opts.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < t.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.done:
					return
				case env := <-t.queue:
					t.deliver(ctx, handler, env)
				}
			}
		}()
	}

	wg.Wait()
	return nil
}

// Close stops pending timers and rejects further publishes.
func (t *Transport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.mu.Lock()
		defer t.mu.Unlock()
		for timer := range t.timers {
			timer.Stop()
		}
		t.timers = map[*time.Timer]struct{}{}
	})
	return nil
}

// Healthy reports an error once the transport is closed.
func (t *Transport) Healthy(context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	return nil
}

// DeadLetters returns the envelopes that exhausted their deliveries.
func (t *Transport) DeadLetters() []*bus.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*bus.Envelope, len(t.dead))
	copy(out, t.dead)
	return out
}

func (t *Transport) deliver(ctx context.Context, handler bus.Handler, env *bus.Envelope) {
	logger := log.FromContext(ctx).WithValues("messageId", env.ID, "type", env.Type)

	env.DeliveryCount++
	err := handler(ctx, env)
	if err == nil {
		return
	}

	if ctx.Err() != nil {
		logger.Info("Delivery interrupted by shutdown, message dropped", "error", err.Error())
		return
	}

	if bus.IsPermanent(err) || env.DeliveryCount >= t.opts.MaxDeliveries {
		logger.Error(err, "Message dead-lettered", "deliveries", env.DeliveryCount)
		t.mu.Lock()
		t.dead = append(t.dead, env)
		t.mu.Unlock()
		return
	}

	logger.Info("Message handling failed, scheduling redelivery",
		"deliveries", env.DeliveryCount, "retryDelay", t.opts.RetryDelay.String(), "error", err.Error())
	t.after(t.opts.RetryDelay, env)
}

// after enqueues env once delay has elapsed.
func (t *Transport) after(delay time.Duration, env *bus.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isClosed() {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, timer)
		t.mu.Unlock()

		select {
		case t.queue <- env:
		case <-t.done:
		}
	})
	t.timers[timer] = struct{}{}
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
