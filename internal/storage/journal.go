package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"originlock/internal/obs"
)

const (
	defaultJournalBuffer = 1024
	maxBatch             = 128
)

// Entry is one journaled lock lifecycle event.
type Entry struct {
	Seq     int64
	Kind    string
	Origin  string // Origin.String(): opaque origins keep their token
	Opaque  bool
	LockID  int64
	Mode    string
	Scopes  []string
	LeaseID string
	OwnerID string
	At      time.Time
}

// Journal appends entries from its own goroutine. Append never blocks the
// caller: the entry is handed over on a buffered channel and dropped when
// the buffer is full.
type Journal struct {
	db      *DB
	ch      chan Entry
	logger  *obs.Logger
	metrics *obs.Metrics

	mu     sync.Mutex
	closed bool
}

func NewJournal(db *DB, buffer int, logger *obs.Logger, metrics *obs.Metrics) *Journal {
	if buffer <= 0 {
		buffer = defaultJournalBuffer
	}
	return &Journal{
		db:      db,
		ch:      make(chan Entry, buffer),
		logger:  logger,
		metrics: metrics,
	}
}

// Append queues e for writing and reports whether it was accepted.
func (j *Journal) Append(e Entry) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	select {
	case j.ch <- e:
		return true
	default:
		if j.metrics != nil {
			j.metrics.JournalDroppedTotal.Inc()
		}
		return false
	}
}

// Run writes queued entries until ctx is cancelled, then flushes what is
// left and stops accepting new entries.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			j.mu.Lock()
			j.closed = true
			close(j.ch)
			j.mu.Unlock()
			var rest []Entry
			for e := range j.ch {
				rest = append(rest, e)
			}
			// ctx is already done; the final flush gets its own deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			j.writeBatch(flushCtx, rest)
			cancel()
			return
		case e := <-j.ch:
			batch := []Entry{e}
		fill:
			for len(batch) < maxBatch {
				select {
				case more := <-j.ch:
					batch = append(batch, more)
				default:
					break fill
				}
			}
			j.writeBatch(ctx, batch)
		}
	}
}

func (j *Journal) writeBatch(ctx context.Context, batch []Entry) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	err := j.db.insertEntries(ctx, batch)
	if j.logger == nil {
		return
	}
	if err != nil {
		j.logger.Error(map[string]interface{}{
			"op":      "journal_write",
			"entries": len(batch),
			"error":   err.Error(),
		})
		return
	}
	if time.Since(start) > 250*time.Millisecond {
		j.logger.Info(map[string]interface{}{
			"op":         "journal_write",
			"entries":    len(batch),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (d *DB) insertEntries(ctx context.Context, batch []Entry) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO lock_events(kind, origin, opaque, lock_id, mode, scopes, lease_id, owner_id, at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx,
			e.Kind, e.Origin, e.Opaque, e.LockID, e.Mode, encodeScopes(e.Scopes),
			nullable(e.LeaseID), nullable(e.OwnerID), e.At.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert event lock_id=%d: %w", e.LockID, err)
		}
	}
	return tx.Commit()
}

// History returns the newest entries for origin first. limit <= 0 means 100.
func (d *DB) History(ctx context.Context, origin string, limit int) ([]Entry, error) {
	if origin == "" {
		return nil, fmt.Errorf("origin required")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.QueryContext(ctx, `
SELECT seq, kind, origin, opaque, lock_id, mode, scopes, COALESCE(lease_id, ''), COALESCE(owner_id, ''), at_ns
FROM lock_events
WHERE origin = ?
ORDER BY seq DESC
LIMIT ?;
`, origin, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			scopes string
			atNs   int64
		)
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Origin, &e.Opaque, &e.LockID, &e.Mode, &scopes, &e.LeaseID, &e.OwnerID, &atNs); err != nil {
			return nil, err
		}
		e.Scopes = decodeScopes(scopes)
		e.At = time.Unix(0, atNs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeScopes(s []string) string {
	if s == nil {
		s = []string{}
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func decodeScopes(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
