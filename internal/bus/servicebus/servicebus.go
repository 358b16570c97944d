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

// Package servicebus implements bus.Transport on an Azure Service Bus queue.
//
// Delays use scheduled messages. Abandoning a message would redeliver it at
// once, so a failed message is instead completed and rescheduled RetryDelay
// later, carrying its attempt count in an application property. Each
// rescheduled copy gets its own message id so queues with duplicate detection
// accept it; the envelope id travels in EnvelopeIDProperty. Messages that
// exhaust their attempts go to the queue's native dead-letter sub-queue.
//
// The message lock is renewed every LockRenewInterval while the handler runs,
// so the queue's lock duration must be longer than that interval.
package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/bus"
)

const (
	// AttemptsProperty carries the number of failed deliveries of a rescheduled message.
	AttemptsProperty = "prcleaner-attempts"
	// EnqueuedAtProperty carries the original publish time.
	EnqueuedAtProperty = "prcleaner-enqueued-at"
	// EnvelopeIDProperty carries the envelope id across rescheduled copies.
	EnvelopeIDProperty = "prcleaner-envelope-id"

	// LockRenewInterval is how often the lock of a message in flight is renewed.
	LockRenewInterval = 20 * time.Second

	contentType = "application/json"
)

// Config holds the Service Bus settings. ConnectionString wins over Namespace;
// with only Namespace set the default Azure credential chain is used.
type Config struct {
	ConnectionString string
	// Namespace is the fully qualified namespace, e.g. "myns.servicebus.windows.net".
	Namespace string
	Queue     string
}

type sender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

type receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	RenewMessageLock(ctx context.Context, msg *azservicebus.ReceivedMessage, options *azservicebus.RenewMessageLockOptions) error
	Close(ctx context.Context) error
}

// Transport implements bus.Transport using Azure Service Bus.
type Transport struct {
	client   *azservicebus.Client
	sender   sender
	receiver receiver
	opts     bus.Options
	now      func() time.Time
	renew    time.Duration
}

var _ bus.Transport = (*Transport)(nil)

// Connect creates the Service Bus client, sender and receiver for cfg.Queue.
func Connect(ctx context.Context, cfg Config, opts bus.Options) (*Transport, error) {
	if cfg.Queue == "" {
		return nil, errors.New("servicebus: queue name is required")
	}

	var (
		client *azservicebus.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.Namespace != "":
		var cred azcore.TokenCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("servicebus: azure credential: %w", err)
		}
		client, err = azservicebus.NewClient(cfg.Namespace, cred, nil)
	default:
		return nil, errors.New("servicebus: connection string or namespace is required")
	}
	if err != nil {
		return nil, fmt.Errorf("servicebus: create client: %w", err)
	}

	s, err := client.NewSender(cfg.Queue, nil)
	if err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("servicebus: create sender: %w", err)
	}
	r, err := client.NewReceiverForQueue(cfg.Queue, nil)
	if err != nil {
		_ = s.Close(ctx)
		_ = client.Close(ctx)
		return nil, fmt.Errorf("servicebus: create receiver: %w", err)
	}

	log.FromContext(ctx).Info("Service Bus connected", "namespace", cfg.Namespace, "queue", cfg.Queue)
	t := newTransport(s, r, opts)
	t.client = client
	return t, nil
}

func newTransport(s sender, r receiver, opts bus.Options) *Transport {
	return &Transport{sender: s, receiver: r, opts: opts.WithDefaults(), now: time.Now, renew: LockRenewInterval}
}

// Publish sends env, scheduled for delivery after delay.
func (t *Transport) Publish(ctx context.Context, env *bus.Envelope, delay time.Duration) error {
	if err := t.sender.SendMessage(ctx, t.message(env.ID, env, 0, delay), nil); err != nil {
		return fmt.Errorf("servicebus: send %s: %w", env.ID, err)
	}
	return nil
}

func (t *Transport) message(id string, env *bus.Envelope, attempts int, delay time.Duration) *azservicebus.Message {
	subject := env.Type
	ct := contentType
	msg := &azservicebus.Message{
		Body:        env.Body,
		MessageID:   &id,
		Subject:     &subject,
		ContentType: &ct,
		ApplicationProperties: map[string]any{
			EnvelopeIDProperty: env.ID,
			EnqueuedAtProperty: env.EnqueuedAt.UTC().Format(time.RFC3339Nano),
			AttemptsProperty:   int64(attempts),
		},
	}
	if delay > 0 {
		at := t.now().Add(delay).UTC()
		msg.ScheduledEnqueueTime = &at
	}
	return msg
}

// Run receives batches of up to Concurrency messages and handles each batch
// concurrently until ctx is done.
func (t *Transport) Run(ctx context.Context, handler bus.Handler) error {
	logger := log.FromContext(ctx).WithName("servicebus-bus")
	logger.Info("Receiving messages", "concurrency", t.opts.Concurrency)

	for {
		msgs, err := t.receiver.ReceiveMessages(ctx, t.opts.Concurrency, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("servicebus: receive: %w", err)
		}

		var wg sync.WaitGroup
		for _, msg := range msgs {
			wg.Add(1)
			go func(msg *azservicebus.ReceivedMessage) {
				defer wg.Done()
				t.handle(ctx, handler, msg)
			}(msg)
		}
		wg.Wait()

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (t *Transport) handle(ctx context.Context, handler bus.Handler, msg *azservicebus.ReceivedMessage) {
	env := envelopeFromMessage(msg)
	logger := log.FromContext(ctx).WithName("servicebus-bus").WithValues("messageId", env.ID, "deliveries", env.DeliveryCount)

	stop := t.keepLocked(ctx, msg)
	herr := handler(ctx, env)
	stop()

	// settlement must survive shutdown of the delivery context
	sctx := context.WithoutCancel(ctx)
	var err error
	switch {
	case herr == nil:
		err = t.receiver.CompleteMessage(sctx, msg, nil)
	case ctx.Err() != nil:
		logger.Info("Delivery interrupted by shutdown, abandoning message")
		err = t.receiver.AbandonMessage(sctx, msg, nil)
	case bus.IsPermanent(herr) || env.DeliveryCount >= t.opts.MaxDeliveries:
		logger.Error(herr, "Message dead-lettered")
		reason := "MaxDeliveriesExceeded"
		if bus.IsPermanent(herr) {
			reason = "PermanentFailure"
		}
		desc := herr.Error()
		err = t.receiver.DeadLetterMessage(sctx, msg, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &desc,
		})
	default:
		logger.Info("Message handling failed, scheduling redelivery",
			"retryDelay", t.opts.RetryDelay.String(), "error", herr.Error())
		err = t.reschedule(sctx, msg, env)
	}
	if err != nil {
		logger.Error(err, "failed to settle message")
	}
}

// keepLocked renews the lock on msg until the returned stop function is called.
func (t *Transport) keepLocked(ctx context.Context, msg *azservicebus.ReceivedMessage) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.renew)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.receiver.RenewMessageLock(ctx, msg, nil); err != nil && ctx.Err() == nil {
					log.FromContext(ctx).WithName("servicebus-bus").Error(err, "failed to renew message lock", "messageId", msg.MessageID)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// reschedule sends a delayed copy before completing the original, so a crash in
// between yields a duplicate rather than a lost message. The copy's message id
// is derived from the attempt, which keeps it distinct from the original while
// a repeated reschedule of the same attempt is still deduplicated.
func (t *Transport) reschedule(ctx context.Context, msg *azservicebus.ReceivedMessage, env *bus.Envelope) error {
	id := fmt.Sprintf("%s-retry-%d", env.ID, env.DeliveryCount)
	if err := t.sender.SendMessage(ctx, t.message(id, env, env.DeliveryCount, t.opts.RetryDelay), nil); err != nil {
		if abandonErr := t.receiver.AbandonMessage(ctx, msg, nil); abandonErr != nil {
			return errors.Join(err, abandonErr)
		}
		return fmt.Errorf("servicebus: reschedule %s: %w", env.ID, err)
	}
	return t.receiver.CompleteMessage(ctx, msg, nil)
}

// Close closes the receiver, the sender and the client.
func (t *Transport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := []error{t.receiver.Close(ctx), t.sender.Close(ctx)}
	if t.client != nil {
		errs = append(errs, t.client.Close(ctx))
	}
	return errors.Join(errs...)
}

// envelopeFromMessage rebuilds the envelope. DeliveryCount combines earlier
// rescheduled attempts with the broker's count for this copy.
func envelopeFromMessage(msg *azservicebus.ReceivedMessage) *bus.Envelope {
	env := &bus.Envelope{
		ID:            msg.MessageID,
		Body:          msg.Body,
		DeliveryCount: int(msg.DeliveryCount),
	}
	if msg.Subject != nil {
		env.Type = *msg.Subject
	}
	if msg.EnqueuedTime != nil {
		env.EnqueuedAt = *msg.EnqueuedTime
	}

	props := msg.ApplicationProperties
	if id, ok := props[EnvelopeIDProperty].(string); ok && id != "" {
		env.ID = id
	}
	if s, ok := props[EnqueuedAtProperty].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			env.EnqueuedAt = ts
		}
	}
	env.DeliveryCount += intProperty(props[AttemptsProperty])
	return env
}

func intProperty(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
