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

package main

import (
	"context"
	"fmt"

	"github.com/mikelane/prcleaner/internal/bus"
	"github.com/mikelane/prcleaner/internal/bus/memory"
	"github.com/mikelane/prcleaner/internal/bus/nats"
	"github.com/mikelane/prcleaner/internal/bus/queuestorage"
	"github.com/mikelane/prcleaner/internal/bus/servicebus"
	"github.com/mikelane/prcleaner/internal/bus/sqlqueue"
	"github.com/mikelane/prcleaner/internal/config"
)

type transportFactory func(ctx context.Context, cfg config.EventBusConfig) (bus.Transport, error)

// newTransport connects the transport selected by cfg.Transport.
func newTransport(ctx context.Context, cfg config.EventBusConfig) (bus.Transport, error) {
	switch cfg.Transport {
	case bus.KindInMemory:
		return memory.New(cfg.Options), nil
	case bus.KindServiceBus:
		return connected(servicebus.Connect(ctx, cfg.ServiceBus, cfg.Options))
	case bus.KindQueueStorage:
		return connected(queuestorage.Connect(ctx, cfg.QueueStorage, cfg.Options))
	case bus.KindNATS:
		return connected(nats.Connect(ctx, cfg.NATS, cfg.Options))
	case bus.KindSQL:
		return connected(sqlqueue.Open(ctx, cfg.SQL, cfg.Options))
	default:
		return nil, fmt.Errorf("unknown event bus transport %q", cfg.Transport)
	}
}

// connected keeps a failed connect from returning a non-nil interface
// holding a nil transport.
func connected[T bus.Transport](t T, err error) (bus.Transport, error) {
	if err != nil {
		return nil, err
	}
	return t, nil
}
