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

// Package sqlqueue implements bus.Transport on a database table using bun.
//
// Each message is a row whose visible_at column gates delivery. Workers claim
// due rows in a single UPDATE ... RETURNING statement and hold them under a
// lease; a row whose lease expires (the worker died) becomes claimable again.
// Rows that exhaust their deliveries stay in the table with status "dead".
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/bus"
)

const (
	statusPending    = "pending"
	statusProcessing = "processing"
	statusDead       = "dead"
)

// Config holds the database settings.
type Config struct {
	// Driver is "postgres" or "sqlite3".
	Driver string
	DSN    string
	// PollInterval is the wait between claims when the queue is idle.
	PollInterval time.Duration
	// Lease is how long a claimed message stays invisible to other workers.
	Lease time.Duration
}

type messageRecord struct {
	bun.BaseModel `bun:"table:prcleaner_messages,alias:m"`

	VisibleAt  time.Time `bun:"visible_at,notnull"`
	EnqueuedAt time.Time `bun:"enqueued_at,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
	ID         string    `bun:"id,pk"`
	Type       string    `bun:"type,notnull"`
	Status     string    `bun:"status,notnull"`
	LastError  string    `bun:"last_error,nullzero"`
	Body       []byte    `bun:"body"`
	Attempts   int       `bun:"attempts,notnull"`
}

// Transport implements bus.Transport on a bun database.
type Transport struct {
	db   *bun.DB
	cfg  Config
	opts bus.Options
}

var _ bus.Transport = (*Transport)(nil)

// Open connects to the database and creates the message table if needed.
func Open(ctx context.Context, cfg Config, opts bus.Options) (*Transport, error) {
	var db *bun.DB
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		sqlDB, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlqueue: open postgres: %w", err)
		}
		db = bun.NewDB(sqlDB, pgdialect.New())
	case "sqlite3", "sqlite":
		sqlDB, err := sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlqueue: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	default:
		return nil, fmt.Errorf("sqlqueue: unsupported driver %q", cfg.Driver)
	}

	t, err := New(ctx, db, cfg, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

// New wraps an existing bun database and creates the message table if needed.
func New(ctx context.Context, db *bun.DB, cfg Config, opts bus.Options) (*Transport, error) {
	if db == nil {
		return nil, errors.New("sqlqueue: bun db is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}

	if _, err := db.NewCreateTable().Model((*messageRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("sqlqueue: create table: %w", err)
	}
	if _, err := db.NewCreateIndex().
		Model((*messageRecord)(nil)).
		Index("prcleaner_messages_due_idx").
		IfNotExists().
		Column("status", "visible_at").
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("sqlqueue: create index: %w", err)
	}

	return &Transport{db: db, cfg: cfg, opts: opts.WithDefaults()}, nil
}

// Publish inserts env as a pending row visible after delay.
func (t *Transport) Publish(ctx context.Context, env *bus.Envelope, delay time.Duration) error {
	now := time.Now().UTC()
	if delay < 0 {
		delay = 0
	}
	record := &messageRecord{
		ID:         env.ID,
		Type:       env.Type,
		Body:       env.Body,
		Status:     statusPending,
		VisibleAt:  now.Add(delay),
		EnqueuedAt: env.EnqueuedAt.UTC(),
		UpdatedAt:  now,
	}
	if record.EnqueuedAt.IsZero() {
		record.EnqueuedAt = now
	}

	if _, err := t.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return fmt.Errorf("sqlqueue: insert message %s: %w", env.ID, err)
	}
	return nil
}

// Run claims and handles due messages until ctx is canceled.
func (t *Transport) Run(ctx context.Context, handler bus.Handler) error {
	logger := log.FromContext(ctx).WithName("sql-bus")
	logger.Info("Polling message table", "interval", t.cfg.PollInterval.String())

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := t.poll(ctx, handler)
		if err != nil && ctx.Err() == nil {
			logger.Error(err, "poll failed")
		}
		if n > 0 {
			// drain a backlog without waiting for the next tick
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// poll claims one batch and handles it, returning the number of messages claimed.
func (t *Transport) poll(ctx context.Context, handler bus.Handler) (int, error) {
	records, err := t.claim(ctx, t.opts.Concurrency)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for i := range records {
		wg.Add(1)
		go func(record messageRecord) {
			defer wg.Done()
			t.handle(ctx, handler, record)
		}(records[i])
	}
	wg.Wait()

	return len(records), nil
}

func (t *Transport) claim(ctx context.Context, limit int) ([]messageRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	now := time.Now().UTC()
	var records []messageRecord
	err := t.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM prcleaner_messages
	WHERE status IN (?, ?)
	  AND visible_at <= ?
	ORDER BY visible_at ASC
	LIMIT ?
)
UPDATE prcleaner_messages
SET status = ?, attempts = attempts + 1, visible_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status IN (?, ?)
RETURNING
	id,
	type,
	body,
	status,
	attempts,
	visible_at,
	last_error,
	enqueued_at,
	updated_at
`
		return tx.NewRaw(
			query,
			statusPending,
			statusProcessing,
			now,
			limit,
			statusProcessing,
			now.Add(t.cfg.Lease),
			now,
			statusPending,
			statusProcessing,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: claim: %w", err)
	}
	return records, nil
}

func (t *Transport) handle(ctx context.Context, handler bus.Handler, record messageRecord) {
	logger := log.FromContext(ctx).WithName("sql-bus").WithValues("messageId", record.ID, "deliveries", record.Attempts)

	env := &bus.Envelope{
		ID:            record.ID,
		Type:          record.Type,
		Body:          record.Body,
		EnqueuedAt:    record.EnqueuedAt,
		DeliveryCount: record.Attempts,
	}

	herr := handler(ctx, env)

	// bookkeeping must survive shutdown of the delivery context
	bctx := context.WithoutCancel(ctx)
	var err error
	switch {
	case herr == nil:
		_, err = t.db.NewDelete().Model((*messageRecord)(nil)).Where("id = ?", record.ID).Exec(bctx)
	case ctx.Err() != nil:
		logger.Info("Delivery interrupted by shutdown, releasing message")
		_, err = t.db.NewUpdate().
			Model((*messageRecord)(nil)).
			Set("status = ?", statusPending).
			Set("attempts = attempts - 1").
			Set("visible_at = ?", time.Now().UTC()).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", record.ID).
			Exec(bctx)
	case bus.IsPermanent(herr) || record.Attempts >= t.opts.MaxDeliveries:
		logger.Error(herr, "Message dead-lettered")
		_, err = t.db.NewUpdate().
			Model((*messageRecord)(nil)).
			Set("status = ?", statusDead).
			Set("last_error = ?", herr.Error()).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", record.ID).
			Exec(bctx)
	default:
		logger.Info("Message handling failed, scheduling redelivery", "error", herr.Error())
		now := time.Now().UTC()
		_, err = t.db.NewUpdate().
			Model((*messageRecord)(nil)).
			Set("status = ?", statusPending).
			Set("last_error = ?", herr.Error()).
			Set("visible_at = ?", now.Add(t.opts.RetryDelay)).
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Exec(bctx)
	}
	if err != nil {
		logger.Error(err, "failed to record delivery outcome")
	}
}

// DeadLetters returns the ids of dead-lettered messages, oldest first.
func (t *Transport) DeadLetters(ctx context.Context) ([]string, error) {
	var ids []string
	err := t.db.NewSelect().
		Model((*messageRecord)(nil)).
		Column("id").
		Where("status = ?", statusDead).
		Order("enqueued_at ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: list dead letters: %w", err)
	}
	return ids, nil
}

// Healthy pings the database.
func (t *Transport) Healthy(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

// Close closes the database.
func (t *Transport) Close() error {
	return t.db.Close()
}
