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

package nats

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mikelane/prcleaner/internal/bus"
)

func TestRemainingDelay(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		notBefore string
		want      time.Duration
	}{
		{"unset", "", 0},
		{"garbage", "tomorrow", 0},
		{"past", now.Add(-time.Minute).Format(time.RFC3339Nano), 0},
		{"future", now.Add(time.Minute).Format(time.RFC3339Nano), time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := remainingDelay(tt.notBefore, now); got != tt.want {
				t.Errorf("remainingDelay(%q) = %v, expected %v", tt.notBefore, got, tt.want)
			}
		})
	}
}

func TestDisposition(t *testing.T) {
	failure := errors.New("boom")

	tests := []struct {
		name       string
		err        error
		deliveries int
		ctxErr     error
		want       outcome
	}{
		{"success", nil, 1, nil, ack},
		{"success after shutdown", nil, 3, context.Canceled, ack},
		{"transient failure", failure, 1, nil, retry},
		{"last delivery", failure, 3, nil, term},
		{"permanent failure", bus.Permanent(failure), 1, nil, term},
		{"shutdown on last delivery", failure, 3, context.Canceled, release},
		{"shutdown with permanent failure", bus.Permanent(failure), 1, context.Canceled, release},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := disposition(tt.err, tt.deliveries, 3, tt.ctxErr); got != tt.want {
				t.Errorf("disposition() = %d, expected %d", got, tt.want)
			}
		})
	}
}

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Transport {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	tr, err := Connect(context.Background(), Config{
		URL:     url,
		Stream:  "PRCLEANER_TEST_" + name,
		Subject: "prcleaner.test." + name,
		Durable: "prcleaner-test-" + name,
	}, bus.Options{MaxDeliveries: 2, RetryDelay: 10 * time.Millisecond, Concurrency: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := tr.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return tr
}

func TestTransport_PublishRun(t *testing.T) {
	tr := testConnect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *bus.Envelope, 1)
	go func() {
		_ = tr.Run(ctx, func(_ context.Context, env *bus.Envelope) error {
			received <- env
			return nil
		})
	}()

	env := bus.NewEnvelope("cleanup.request", []byte(`{"pullRequestId":7}`))
	if err := tr.Publish(ctx, env, 200*time.Millisecond); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != env.ID {
			t.Errorf("received id %q, expected %q", got.ID, env.ID)
		}
		if string(got.Body) != `{"pullRequestId":7}` {
			t.Errorf("received body %q", got.Body)
		}
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
}
