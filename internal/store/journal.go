package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"grimm.is/vmlink/internal/events"
)

// Entry is a journal row.
type Entry struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	VMID      string          `json:"vm_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Query filters journal reads. Zero fields match everything.
type Query struct {
	VMID  string
	Type  string
	Since time.Time
	Limit int
}

// WriteEvents inserts a batch of hub events in one transaction.
// It implements events.Writer.
func (s *Store) WriteEvents(ctx context.Context, batch []events.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO journal (ts, vm_id, type, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		var data any
		if e.Data != nil {
			b, err := json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("encode %s event: %w", e.Type, err)
			}
			data = string(b)
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = s.clock.Now()
		}
		if _, err := stmt.ExecContext(ctx, ts.UnixNano(), e.VMID, string(e.Type), data); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit()
}

// Events returns journal entries newest first.
func (s *Store) Events(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.VMID != "" {
		where = append(where, "vm_id = ?")
		args = append(args, q.VMID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `SELECT id, ts, vm_id, type, data FROM journal`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			ts   int64
			data *string
		)
		if err := rows.Scan(&e.ID, &ts, &e.VMID, &e.Type, &data); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		if data != nil {
			e.Data = json.RawMessage(*data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes journal entries older than retention and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

var _ events.Writer = (*Store)(nil)
