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

// Package queuestorage implements bus.Transport on an Azure Storage queue.
//
// The publish delay is the initial visibility timeout. A received message stays
// invisible for the lease; failures push its visibility out by RetryDelay. Storage
// queues have no dead-letter facility, so exhausted messages are moved to a
// sibling "<queue>-poison" queue.
package queuestorage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/bus"
)

const (
	// maxVisibility is the longest visibility timeout the service accepts.
	maxVisibility = 7*24*time.Hour - time.Second
	// maxBatch is the most messages one dequeue call may return.
	maxBatch = 32
	// PoisonSuffix is appended to the queue name to form the dead-letter queue.
	PoisonSuffix = "-poison"
)

// Config holds the Storage queue settings. ConnectionString wins over
// ServiceURL; with only ServiceURL set the default Azure credential chain is used.
type Config struct {
	ConnectionString string
	// ServiceURL is the queue service endpoint, e.g. "https://acct.queue.core.windows.net/".
	ServiceURL   string
	Queue        string
	PollInterval time.Duration
	Lease        time.Duration
}

type queueAPI interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
	UpdateMessage(ctx context.Context, messageID string, popReceipt string, content string, o *azqueue.UpdateMessageOptions) (azqueue.UpdateMessageResponse, error)
}

// Transport implements bus.Transport using Azure Queue Storage.
type Transport struct {
	queue  queueAPI
	poison queueAPI
	cfg    Config
	opts   bus.Options
}

var _ bus.Transport = (*Transport)(nil)

// Connect creates clients for the work and poison queues, creating both if needed.
func Connect(ctx context.Context, cfg Config, opts bus.Options) (*Transport, error) {
	if cfg.Queue == "" {
		return nil, errors.New("queuestorage: queue name is required")
	}

	var queue, poison *azqueue.QueueClient
	switch {
	case cfg.ConnectionString != "":
		svc, err := azqueue.NewServiceClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("queuestorage: create client: %w", err)
		}
		queue = svc.NewQueueClient(cfg.Queue)
		poison = svc.NewQueueClient(cfg.Queue + PoisonSuffix)
	case cfg.ServiceURL != "":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("queuestorage: azure credential: %w", err)
		}
		svc, err := azqueue.NewServiceClient(cfg.ServiceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("queuestorage: create client: %w", err)
		}
		queue = svc.NewQueueClient(cfg.Queue)
		poison = svc.NewQueueClient(cfg.Queue + PoisonSuffix)
	default:
		return nil, errors.New("queuestorage: connection string or service url is required")
	}

	t := newTransport(queue, poison, cfg, opts)
	for _, q := range []queueAPI{t.queue, t.poison} {
		if err := ensureQueue(ctx, q); err != nil {
			return nil, err
		}
	}

	log.FromContext(ctx).Info("Queue Storage connected", "queue", cfg.Queue)
	return t, nil
}

func newTransport(queue, poison queueAPI, cfg Config, opts bus.Options) *Transport {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Transport{queue: queue, poison: poison, cfg: cfg, opts: opts.WithDefaults()}
}

func ensureQueue(ctx context.Context, q queueAPI) error {
	if _, err := q.Create(ctx, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return fmt.Errorf("queuestorage: create queue: %w", err)
	}
	return nil
}

// Publish enqueues env, invisible until delay has elapsed.
func (t *Transport) Publish(ctx context.Context, env *bus.Envelope, delay time.Duration) error {
	content, err := encode(env)
	if err != nil {
		return err
	}
	if _, err := t.queue.EnqueueMessage(ctx, content, &azqueue.EnqueueMessageOptions{
		VisibilityTimeout: seconds(delay),
	}); err != nil {
		return fmt.Errorf("queuestorage: enqueue %s: %w", env.ID, err)
	}
	return nil
}

// Run dequeues batches and handles them concurrently until ctx is done,
// sleeping PollInterval whenever the queue is empty.
func (t *Transport) Run(ctx context.Context, handler bus.Handler) error {
	logger := log.FromContext(ctx).WithName("queuestorage-bus")
	logger.Info("Polling queue", "interval", t.cfg.PollInterval.String())

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := t.poll(ctx, handler)
		if err != nil && ctx.Err() == nil {
			logger.Error(err, "poll failed")
		}
		if n > 0 && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *Transport) poll(ctx context.Context, handler bus.Handler) (int, error) {
	batch := int32(min(t.opts.Concurrency, maxBatch))
	resp, err := t.queue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &batch,
		VisibilityTimeout: seconds(t.cfg.Lease),
	})
	if err != nil {
		return 0, fmt.Errorf("queuestorage: dequeue: %w", err)
	}

	var wg sync.WaitGroup
	for _, msg := range resp.Messages {
		wg.Add(1)
		go func(msg *azqueue.DequeuedMessage) {
			defer wg.Done()
			t.handle(ctx, handler, msg)
		}(msg)
	}
	wg.Wait()

	return len(resp.Messages), nil
}

func (t *Transport) handle(ctx context.Context, handler bus.Handler, msg *azqueue.DequeuedMessage) {
	logger := log.FromContext(ctx).WithName("queuestorage-bus")
	if msg.MessageID == nil || msg.PopReceipt == nil {
		logger.Info("Skipping message without id or pop receipt")
		return
	}
	id, receipt := *msg.MessageID, *msg.PopReceipt

	sctx := context.WithoutCancel(ctx)

	env, derr := decode(msg)
	if derr != nil {
		logger.Error(derr, "Undecodable message moved to poison queue", "messageId", id)
		if err := t.deadLetter(sctx, id, receipt, msg.MessageText); err != nil {
			logger.Error(err, "failed to dead-letter message", "messageId", id)
		}
		return
	}
	logger = logger.WithValues("messageId", env.ID, "deliveries", env.DeliveryCount)

	herr := handler(ctx, env)

	var err error
	switch {
	case herr == nil:
		_, err = t.queue.DeleteMessage(sctx, id, receipt, nil)
	case ctx.Err() != nil:
		logger.Info("Delivery interrupted by shutdown, releasing message")
		_, err = t.queue.UpdateMessage(sctx, id, receipt, *msg.MessageText, &azqueue.UpdateMessageOptions{
			VisibilityTimeout: seconds(0),
		})
	case bus.IsPermanent(herr) || env.DeliveryCount >= t.opts.MaxDeliveries:
		logger.Error(herr, "Message dead-lettered")
		err = t.deadLetter(sctx, id, receipt, msg.MessageText)
	default:
		logger.Info("Message handling failed, scheduling redelivery",
			"retryDelay", t.opts.RetryDelay.String(), "error", herr.Error())
		_, err = t.queue.UpdateMessage(sctx, id, receipt, *msg.MessageText, &azqueue.UpdateMessageOptions{
			VisibilityTimeout: seconds(t.opts.RetryDelay),
		})
	}
	if err != nil {
		logger.Error(err, "failed to settle message")
	}
}

// deadLetter copies the message to the poison queue and removes the original.
func (t *Transport) deadLetter(ctx context.Context, id, receipt string, text *string) error {
	content := ""
	if text != nil {
		content = *text
	}
	if _, err := t.poison.EnqueueMessage(ctx, content, nil); err != nil {
		return fmt.Errorf("queuestorage: enqueue poison %s: %w", id, err)
	}
	if _, err := t.queue.DeleteMessage(ctx, id, receipt, nil); err != nil {
		return fmt.Errorf("queuestorage: delete %s: %w", id, err)
	}
	return nil
}

// Healthy fetches the queue properties.
func (t *Transport) Healthy(ctx context.Context) error {
	if _, err := t.queue.GetProperties(ctx, nil); err != nil {
		return fmt.Errorf("queuestorage: get properties: %w", err)
	}
	return nil
}

// Close is a no-op; the queue clients hold no connections of their own.
func (t *Transport) Close() error {
	return nil
}

func encode(env *bus.Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("queuestorage: encode %s: %w", env.ID, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decode(msg *azqueue.DequeuedMessage) (*bus.Envelope, error) {
	if msg.MessageText == nil {
		return nil, errors.New("queuestorage: empty message")
	}
	raw, err := base64.StdEncoding.DecodeString(*msg.MessageText)
	if err != nil {
		return nil, fmt.Errorf("queuestorage: decode base64: %w", err)
	}
	var env bus.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("queuestorage: decode envelope: %w", err)
	}
	if msg.DequeueCount != nil {
		env.DeliveryCount = int(*msg.DequeueCount)
	}
	return &env, nil
}

// seconds converts d to the whole-second visibility timeout the service expects.
func seconds(d time.Duration) *int32 {
	if d < 0 {
		d = 0
	}
	if d > maxVisibility {
		d = maxVisibility
	}
	s := int32((d + time.Second - 1) / time.Second)
	return &s
}
