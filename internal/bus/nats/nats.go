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

// Package nats implements bus.Transport on a NATS JetStream stream.
//
// JetStream has no scheduled publish, so a delayed message carries a
// not-before header and the consumer naks it with the remaining delay on its
// first delivery. That delivery is added to MaxDeliver so it does not consume
// a retry.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/bus"
)

const (
	// NotBeforeHeader holds the RFC 3339 time before which a message is not handled.
	NotBeforeHeader = "Prcleaner-Not-Before"
	// TypeHeader holds the envelope type.
	TypeHeader = "Prcleaner-Type"
	// EnqueuedAtHeader holds the RFC 3339 publish time.
	EnqueuedAtHeader = "Prcleaner-Enqueued-At"
)

// Config holds the JetStream connection settings.
type Config struct {
	URL     string
	Stream  string
	Subject string
	Durable string
}

// Transport implements bus.Transport using NATS JetStream.
type Transport struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	cfg  Config
	opts bus.Options
}

var _ bus.Transport = (*Transport)(nil)

// Connect establishes a connection to NATS and ensures the stream exists.
func Connect(ctx context.Context, cfg Config, opts bus.Options) (*Transport, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("prcleaner"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.FromContext(ctx).Info("NATS connected", "url", cfg.URL, "stream", cfg.Stream)
	return &Transport{nc: nc, js: js, cfg: cfg, opts: opts.WithDefaults()}, nil
}

// Publish stores env on the stream. The message id doubles as the JetStream
// deduplication id.
func (t *Transport) Publish(ctx context.Context, env *bus.Envelope, delay time.Duration) error {
	msg := nats.NewMsg(t.cfg.Subject)
	msg.Data = env.Body
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	msg.Header.Set(TypeHeader, env.Type)
	msg.Header.Set(EnqueuedAtHeader, env.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	if delay > 0 {
		msg.Header.Set(NotBeforeHeader, time.Now().Add(delay).UTC().Format(time.RFC3339Nano))
	}

	if _, err := t.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", t.cfg.Subject, err)
	}
	return nil
}

// Run consumes the stream through a durable consumer until ctx is done.
func (t *Transport) Run(ctx context.Context, handler bus.Handler) error {
	logger := log.FromContext(ctx).WithName("nats-bus")

	consumer, err := t.js.CreateOrUpdateConsumer(ctx, t.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       t.cfg.Durable,
		FilterSubject: t.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    -1,
		MaxAckPending: t.opts.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("nats consumer create: %w", err)
	}

	sem := make(chan struct{}, t.opts.Concurrency)
	var wg sync.WaitGroup

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			<-sem
			return
		}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			t.handle(ctx, handler, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("nats consume: %w", err)
	}

	logger.Info("Consuming", "stream", t.cfg.Stream, "subject", t.cfg.Subject, "durable", t.cfg.Durable)
	<-ctx.Done()
	cons.Stop()
	<-cons.Closed()
	wg.Wait()
	return nil
}

func (t *Transport) handle(ctx context.Context, handler bus.Handler, msg jetstream.Msg) {
	logger := log.FromContext(ctx).WithName("nats-bus")

	if wait := remainingDelay(msg.Headers().Get(NotBeforeHeader), time.Now()); wait > 0 {
		if err := msg.NakWithDelay(wait); err != nil {
			logger.Error(err, "nats nak failed")
		}
		return
	}

	env := envelopeFromMsg(msg)
	logger = logger.WithValues("messageId", env.ID, "deliveries", env.DeliveryCount)

	err := handler(ctx, env)
	switch disposition(err, env.DeliveryCount, t.opts.MaxDeliveries, ctx.Err()) {
	case ack:
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Error(ackErr, "nats ack failed")
		}
	case release:
		logger.Info("Delivery interrupted by shutdown, releasing message", "error", err.Error())
		if nakErr := msg.Nak(); nakErr != nil {
			logger.Error(nakErr, "nats nak failed")
		}
	case term:
		logger.Error(err, "Message dead-lettered")
		if termErr := msg.Term(); termErr != nil {
			logger.Error(termErr, "nats term failed")
		}
	case retry:
		logger.Info("Message handling failed, scheduling redelivery", "error", err.Error())
		if nakErr := msg.NakWithDelay(t.opts.RetryDelay); nakErr != nil {
			logger.Error(nakErr, "nats nak failed")
		}
	}
}

type outcome int

const (
	ack outcome = iota
	release
	term
	retry
)

// disposition decides what happens to a delivery once the handler returns.
// The consumer has no server-side delivery limit, so a message released on
// shutdown is always redelivered and only term ends its life.
func disposition(err error, deliveries, maxDeliveries int, ctxErr error) outcome {
	switch {
	case err == nil:
		return ack
	case ctxErr != nil:
		return release
	case bus.IsPermanent(err) || deliveries >= maxDeliveries:
		return term
	default:
		return retry
	}
}

// Healthy reports whether the connection is up.
func (t *Transport) Healthy(context.Context) error {
	if !t.nc.IsConnected() {
		return errors.New("nats is not connected")
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (t *Transport) Close() error {
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

func envelopeFromMsg(msg jetstream.Msg) *bus.Envelope {
	h := msg.Headers()
	env := &bus.Envelope{
		ID:   h.Get(nats.MsgIdHdr),
		Type: h.Get(TypeHeader),
		Body: msg.Data(),
	}
	if ts, err := time.Parse(time.RFC3339Nano, h.Get(EnqueuedAtHeader)); err == nil {
		env.EnqueuedAt = ts
	}
	if md, err := msg.Metadata(); err == nil {
		env.DeliveryCount = int(md.NumDelivered)
		if h.Get(NotBeforeHeader) != "" && env.DeliveryCount > 1 {
			// the first delivery was spent waiting out the delay
			env.DeliveryCount--
		}
	}
	return env
}

// remainingDelay returns how long until notBefore, or zero when it is unset,
// unparsable or already past.
func remainingDelay(notBefore string, now time.Time) time.Duration {
	if notBefore == "" {
		return 0
	}
	ts, err := time.Parse(time.RFC3339Nano, notBefore)
	if err != nil {
		return 0
	}
	if d := ts.Sub(now); d > 0 {
		return d
	}
	return 0
}
