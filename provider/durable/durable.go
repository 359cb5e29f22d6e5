// Package durable implements the transactional tier on sqlite. Items live in
// a single schema-versioned collection keyed by channel, with secondary
// indexes on write timestamp and ttl for expiry sweeps.
//
// The connection is opened lazily exactly once: concurrent first callers all
// resolve from the single initialization attempt. Batch writes run 50 members
// per shared transaction; batch reads select 20 channels per statement.
package durable

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/unkn0wn-root/tierkv/provider"
)

const (
	writeChunk = 50
	readChunk  = 20
)

type Config struct {
	// Path is the database file; ":memory:" keeps it in-process (tests).
	Path string
	// BusyTimeout: 0 => 5s.
	BusyTimeout time.Duration
	// DisableWAL turns write-ahead logging off (on by default).
	DisableWAL bool
}

type Tier struct {
	cfg Config

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	ok     atomic.Bool
	closed atomic.Bool
}

var _ provider.Provider = (*Tier)(nil)

// New validates the config; the database is not touched until first use.
func New(cfg Config) (*Tier, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("durable: path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	t := &Tier{cfg: cfg}
	t.ok.Store(true) // optimistic until the first init attempt settles
	return t, nil
}

func (t *Tier) init(ctx context.Context) error {
	t.initOnce.Do(func() {
		t.initErr = t.open(ctx)
		t.ok.Store(t.initErr == nil)
	})
	return t.initErr
}

func (t *Tier) open(ctx context.Context) error {
	db, err := sql.Open("sqlite", t.cfg.Path)
	if err != nil {
		return fmt.Errorf("durable: open: %w", err)
	}
	// One writer at a time keeps sqlite's locking out of the picture.
	db.SetMaxOpenConns(1)

	if !t.cfg.DisableWAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return fmt.Errorf("durable: enable wal: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("PRAGMA busy_timeout=%d;", t.cfg.BusyTimeout.Milliseconds())); err != nil {
		db.Close()
		return fmt.Errorf("durable: busy timeout: %w", err)
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return fmt.Errorf("durable: create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, insertSchemaVersion, SchemaVersion, time.Now().UnixMilli()); err != nil {
		db.Close()
		return fmt.Errorf("durable: record schema version: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, getSchemaVersion).Scan(&version); err != nil {
		db.Close()
		return fmt.Errorf("durable: read schema version: %w", err)
	}
	if version != SchemaVersion {
		db.Close()
		return fmt.Errorf("durable: schema version mismatch: have %d, want %d", version, SchemaVersion)
	}

	t.db = db
	return nil
}

func (t *Tier) Type() provider.Type { return provider.Durable }

// Available reports last-known health without touching the database.
func (t *Tier) Available() bool {
	return !t.closed.Load() && t.ok.Load()
}

func (t *Tier) Get(ctx context.Context, channel string) (*provider.Item, error) {
	if err := t.guard(ctx); err != nil {
		return nil, err
	}
	ch := provider.Normalize(channel)

	it, err := t.scanOne(ctx, ch)
	if err != nil || it == nil {
		return it, err
	}
	if it.Expired(time.Now()) {
		_, _ = t.db.ExecContext(ctx, `DELETE FROM items WHERE channel = ?`, ch)
		return nil, nil
	}
	return it, nil
}

func (t *Tier) scanOne(ctx context.Context, ch string) (*provider.Item, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT data, timestamp, ttl, compressed, size FROM items WHERE channel = ?`, ch)

	var (
		data       []byte
		ts, ttl    int64
		compressed int
		size       int64
	)
	switch err := row.Scan(&data, &ts, &ttl, &compressed, &size); err {
	case nil:
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}

	return &provider.Item{
		Data: data,
		Meta: provider.Metadata{
			Timestamp:  ts,
			TTL:        ttl,
			Compressed: compressed != 0,
			Size:       size,
			Channel:    ch,
		},
	}, nil
}

func (t *Tier) Set(ctx context.Context, channel string, item *provider.Item) error {
	if err := t.guard(ctx); err != nil {
		return err
	}
	ch := provider.Normalize(channel)
	compressed := 0
	if item.Meta.Compressed {
		compressed = 1
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO items (channel, data, timestamp, ttl, compressed, size)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ch, item.Data, item.Meta.Timestamp, item.Meta.TTL, compressed, int64(len(item.Data)))
	return err
}

func (t *Tier) Remove(ctx context.Context, channel string) error {
	if err := t.guard(ctx); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx,
		`DELETE FROM items WHERE channel = ?`, provider.Normalize(channel))
	return err
}

func (t *Tier) GetMany(ctx context.Context, channels []string) (map[string]*provider.Item, error) {
	if err := t.guard(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]*provider.Item, len(channels))
	now := time.Now()

	normalized := make([]string, len(channels))
	for i, ch := range channels {
		normalized[i] = provider.Normalize(ch)
		out[normalized[i]] = nil
	}

	for _, chunk := range chunked(normalized, readChunk) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, ch := range chunk {
			args[i] = ch
		}
		rows, err := t.db.QueryContext(ctx,
			`SELECT channel, data, timestamp, ttl, compressed, size FROM items WHERE channel IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return nil, err
		}
		var expired []string
		for rows.Next() {
			var (
				ch         string
				data       []byte
				ts, ttl    int64
				compressed int
				size       int64
			)
			if err := rows.Scan(&ch, &data, &ts, &ttl, &compressed, &size); err != nil {
				rows.Close()
				return nil, err
			}
			it := &provider.Item{
				Data: data,
				Meta: provider.Metadata{
					Timestamp:  ts,
					TTL:        ttl,
					Compressed: compressed != 0,
					Size:       size,
					Channel:    ch,
				},
			}
			if it.Expired(now) {
				expired = append(expired, ch)
				continue
			}
			out[ch] = it
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		for _, ch := range expired {
			_, _ = t.db.ExecContext(ctx, `DELETE FROM items WHERE channel = ?`, ch)
		}
	}
	return out, nil
}

// SetMany writes 50 members per shared transaction: chunk-level atomicity,
// and one fsync per chunk instead of per member.
func (t *Tier) SetMany(ctx context.Context, items map[string]*provider.Item) error {
	if err := t.guard(ctx); err != nil {
		return err
	}
	channels := make([]string, 0, len(items))
	for ch := range items {
		channels = append(channels, ch)
	}

	for _, chunk := range chunked(channels, writeChunk) {
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, ch := range chunk {
			it := items[ch]
			norm := provider.Normalize(ch)
			compressed := 0
			if it.Meta.Compressed {
				compressed = 1
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO items (channel, data, timestamp, ttl, compressed, size)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				norm, it.Data, it.Meta.Timestamp, it.Meta.TTL, compressed, int64(len(it.Data))); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tier) RemoveMany(ctx context.Context, channels []string) error {
	if err := t.guard(ctx); err != nil {
		return err
	}
	for _, chunk := range chunked(channels, writeChunk) {
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, ch := range chunk {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM items WHERE channel = ?`, provider.Normalize(ch)); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tier) Keys(ctx context.Context) ([]string, error) {
	if err := t.guard(ctx); err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, `SELECT channel FROM items`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (t *Tier) Clear(ctx context.Context) error {
	if err := t.guard(ctx); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx, `DELETE FROM items`)
	return err
}

// Size scans the whole collection; O(n). Callers polling it should cache the
// result.
func (t *Tier) Size(ctx context.Context) (int64, error) {
	if err := t.guard(ctx); err != nil {
		return 0, err
	}
	var total int64
	err := t.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM items`).Scan(&total)
	return total, err
}

func (t *Tier) Has(ctx context.Context, channel string) (bool, error) {
	it, err := t.Get(ctx, channel)
	if err != nil {
		return false, err
	}
	return it != nil, nil
}

// Sweep removes every expired item using the ttl/timestamp indexes and
// returns how many rows went away.
func (t *Tier) Sweep(ctx context.Context) (int64, error) {
	if err := t.guard(ctx); err != nil {
		return 0, err
	}
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM items WHERE ttl > 0 AND timestamp + ttl < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *Tier) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}

func (t *Tier) guard(ctx context.Context) error {
	if t.closed.Load() {
		return provider.ErrClosed
	}
	return t.init(ctx)
}

func chunked(in []string, n int) [][]string {
	if len(in) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(in)+n-1)/n)
	for n < len(in) {
		out = append(out, in[:n])
		in = in[n:]
	}
	return append(out, in)
}
