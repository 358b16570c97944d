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

// Package bus defines the message bus contract shared by the cleanup scheduler,
// the cleanup dispatcher and the transport implementations.
//
// A transport accepts envelopes with an optional visibility delay and delivers
// them to a single registered handler. Delivery is at-least-once: a handler
// error leaves the message to the transport's retry policy, and messages that
// exhaust MaxDeliveries are dead-lettered. Handlers signal poison messages with
// Permanent so they are dead-lettered without further attempts.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind selects a transport implementation.
type Kind string

const (
	// KindInMemory delivers messages inside the process.
	KindInMemory Kind = "inmemory"
	// KindServiceBus uses an Azure Service Bus queue.
	KindServiceBus Kind = "servicebus"
	// KindQueueStorage uses an Azure Storage queue.
	KindQueueStorage Kind = "queuestorage"
	// KindNATS uses a NATS JetStream stream.
	KindNATS Kind = "nats"
	// KindSQL uses a database table.
	KindSQL Kind = "sql"
)

// ParseKind returns the transport kind for s, ignoring case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindInMemory, KindServiceBus, KindQueueStorage, KindNATS, KindSQL:
		return k, nil
	default:
		return "", fmt.Errorf("unknown event bus transport %q", s)
	}
}

// Envelope is the transport-neutral form of a message.
type Envelope struct {
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Body          []byte    `json:"body"`
	DeliveryCount int       `json:"-"`
}

// NewEnvelope wraps body in an envelope with a fresh id.
func NewEnvelope(msgType string, body []byte) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		Type:       msgType,
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env *Envelope) error

// Publisher accepts messages for delayed delivery.
type Publisher interface {
	// Publish returns once the transport has accepted the message. The message
	// becomes visible to consumers after delay.
	Publish(ctx context.Context, env *Envelope, delay time.Duration) error
}

// Transport is a publisher that also drives the consumer side.
type Transport interface {
	Publisher

	// Run delivers messages to handler until ctx is done.
	Run(ctx context.Context, handler Handler) error

	// Close releases the transport's connections.
	Close() error
}

// HealthChecker is implemented by transports that can report connectivity.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Options holds the delivery policy shared by all transports.
type Options struct {
	// MaxDeliveries is the number of attempts before a message is dead-lettered.
	MaxDeliveries int
	// RetryDelay is the wait before a failed message is redelivered.
	RetryDelay time.Duration
	// Concurrency is the number of messages handled at once.
	Concurrency int
}

// DefaultOptions returns the delivery policy used when none is configured.
func DefaultOptions() Options {
	return Options{
		MaxDeliveries: 5,
		RetryDelay:    30 * time.Second,
		Concurrency:   4,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = d.MaxDeliveries
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	return o
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
