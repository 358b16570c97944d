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

package sqlqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikelane/prcleaner/internal/bus"
)

var dbCounter atomic.Int64

func newTestTransport(t *testing.T, opts bus.Options) *Transport {
	t.Helper()

	dsn := fmt.Sprintf("file:prcleaner_sqlqueue_%d?mode=memory&cache=shared", dbCounter.Add(1))
	tr, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: dsn, PollInterval: 10 * time.Millisecond}, opts)
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func countRows(t *testing.T, tr *Transport) int {
	t.Helper()
	n, err := tr.db.NewSelect().Model((*messageRecord)(nil)).Count(context.Background())
	if err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, bus.Options{})
	if err == nil {
		t.Fatal("Open() with unsupported driver should fail")
	}
}

func TestTransport_DeliversAndDeletes(t *testing.T) {
	tr := newTestTransport(t, bus.Options{})
	ctx := context.Background()

	env := bus.NewEnvelope("cleanup.request", []byte(`{"pullRequestId":42}`))
	if err := tr.Publish(ctx, env, 0); err != nil {
		t.Fatalf("Publish() returned error: %v", err)
	}

	var got *bus.Envelope
	n, err := tr.poll(ctx, func(_ context.Context, e *bus.Envelope) error {
		got = e
		return nil
	})
	if err != nil {
		t.Fatalf("poll() returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("poll() claimed %d messages, expected 1", n)
	}
	if got.ID != env.ID || got.Type != env.Type {
		t.Errorf("delivered %q/%q, expected %q/%q", got.ID, got.Type, env.ID, env.Type)
	}
	if string(got.Body) != `{"pullRequestId":42}` {
		t.Errorf("delivered body %q", got.Body)
	}
	if got.DeliveryCount != 1 {
		t.Errorf("DeliveryCount is %d, expected 1", got.DeliveryCount)
	}
	if rows := countRows(t, tr); rows != 0 {
		t.Errorf("table has %d rows after ack, expected 0", rows)
	}
}

func TestTransport_DelayedMessageIsNotClaimed(t *testing.T) {
	tr := newTestTransport(t, bus.Options{})
	ctx := context.Background()

	if err := tr.Publish(ctx, bus.NewEnvelope("t", nil), time.Hour); err != nil {
		t.Fatalf("Publish() returned error: %v", err)
	}

	n, err := tr.poll(ctx, func(context.Context, *bus.Envelope) error {
		t.Error("delayed message must not be delivered")
		return nil
	})
	if err != nil {
		t.Fatalf("poll() returned error: %v", err)
	}
	if n != 0 {
		t.Errorf("poll() claimed %d messages, expected 0", n)
	}
}

func TestTransport_FailureReschedules(t *testing.T) {
	tr := newTestTransport(t, bus.Options{MaxDeliveries: 3, RetryDelay: time.Hour})
	ctx := context.Background()

	env := bus.NewEnvelope("t", nil)
	if err := tr.Publish(ctx, env, 0); err != nil {
		t.Fatalf("Publish() returned error: %v", err)
	}

	if _, err := tr.poll(ctx, func(context.Context, *bus.Envelope) error {
		return errors.New("transient")
	}); err != nil {
		t.Fatalf("poll() returned error: %v", err)
	}

	var record messageRecord
	if err := tr.db.NewSelect().Model(&record).Where("id = ?", env.ID).Scan(ctx); err != nil {
		t.Fatalf("select record: %v", err)
	}
	if record.Status != statusPending {
		t.Errorf("status is %q, expected %q", record.Status, statusPending)
	}
	if record.Attempts != 1 {
		t.Errorf("attempts is %d, expected 1", record.Attempts)
	}
	if record.LastError != "transient" {
		t.Errorf("last_error is %q, expected %q", record.LastError, "transient")
	}
	if !record.VisibleAt.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("visible_at %v should be pushed out by the retry delay", record.VisibleAt)
	}
}

func TestTransport_DeadLettersAfterMaxDeliveries(t *testing.T) {
	tr := newTestTransport(t, bus.Options{MaxDeliveries: 2, RetryDelay: time.Nanosecond})
	ctx := context.Background()

	env := bus.NewEnvelope("t", nil)
	if err := tr.Publish(ctx, env, 0); err != nil {
		t.Fatalf("Publish() returned error: %v", err)
	}

	var attempts atomic.Int32
	handler := func(context.Context, *bus.Envelope) error {
		attempts.Add(1)
		return errors.New("always fails")
	}
	for i := 0; i < 4; i++ {
		time.Sleep(2 * time.Millisecond)
		if _, err := tr.poll(ctx, handler); err != nil {
			t.Fatalf("poll() returned error: %v", err)
		}
	}

	if got := attempts.Load(); got != 2 {
		t.Errorf("handler called %d times, expected 2", got)
	}
	dead, err := tr.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters() returned error: %v", err)
	}
	if len(dead) != 1 || dead[0] != env.ID {
		t.Errorf("DeadLetters() = %v, expected [%s]", dead, env.ID)
	}
}

func TestTransport_PermanentErrorDeadLettersImmediately(t *testing.T) {
	tr := newTestTransport(t, bus.Options{MaxDeliveries: 5})
	ctx := context.Background()

	env := bus.NewEnvelope("t", []byte("not json"))
	if err := tr.Publish(ctx, env, 0); err != nil {
		t.Fatalf("Publish() returned error: %v", err)
	}

	if _, err := tr.poll(ctx, func(context.Context, *bus.Envelope) error {
		return bus.Permanent(errors.New("malformed"))
	}); err != nil {
		t.Fatalf("poll() returned error: %v", err)
	}

	dead, err := tr.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters() returned error: %v", err)
	}
	if len(dead) != 1 {
		t.Errorf("DeadLetters() = %v, expected one entry", dead)
	}
}

func TestTransport_ExpiredLeaseIsReclaimed(t *testing.T) {
	tr := newTestTransport(t, bus.Options{})
	tr.cfg.Lease = time.Millisecond
	ctx := context.Background()

	env := bus.NewEnvelope("t", nil)
	if err := tr.Publish(ctx, env, 0); err != nil {
		t.Fatalf("Publish() returned error: %v", err)
	}

	// simulate a worker that claimed the message and died
	claimed, err := tr.claim(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim() = %d records, %v", len(claimed), err)
	}
	time.Sleep(5 * time.Millisecond)

	var got *bus.Envelope
	if _, err := tr.poll(ctx, func(_ context.Context, e *bus.Envelope) error {
		got = e
		return nil
	}); err != nil {
		t.Fatalf("poll() returned error: %v", err)
	}
	if got == nil {
		t.Fatal("message with expired lease was not redelivered")
	}
	if got.DeliveryCount != 2 {
		t.Errorf("DeliveryCount is %d, expected 2", got.DeliveryCount)
	}
}

func TestTransport_RunStopsOnCancel(t *testing.T) {
	tr := newTestTransport(t, bus.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.Run(ctx, func(context.Context, *bus.Envelope) error { return nil })
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Run() did not return after context cancellation")
	}
	if err := tr.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy() returned error: %v", err)
	}
}
