package store

import (
	"context"
	"fmt"
	"time"
)

// ThrottleRecord is one admitted source save. Records are appended and
// counted, never updated.
type ThrottleRecord struct {
	ID         int64
	SourceType string
	SourceID   string
	Label      string
	CreatedAt  time.Time
}

// AppendThrottle records an admitted save. A zero CreatedAt is stamped with
// the store clock.
func (s *Store) AppendThrottle(ctx context.Context, rec ThrottleRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO throttle_log (source_type, source_id, label, created_at)
		VALUES (?, ?, ?, ?)
	`, rec.SourceType, rec.SourceID, rec.Label, toNanos(created))
	if err != nil {
		return classify("append throttle", err)
	}
	return nil
}

// CountThrottle counts records with label created strictly after since.
func (s *Store) CountThrottle(ctx context.Context, label string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM throttle_log WHERE label = ? AND created_at > ?
	`, label, toNanos(since)).Scan(&n)
	if err != nil {
		return 0, classify("count throttle", err)
	}
	return n, nil
}

// ListThrottles returns up to limit records, newest first. An empty label
// lists every label.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListThrottles(ctx context.Context, label string, limit int) ([]ThrottleRecord, error) {
	query := `SELECT id, source_type, source_id, label, created_at FROM throttle_log`
	args := []any{}
	if label != "" {
		query += ` WHERE label = ?`
		args = append(args, label)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list throttles", err)
	}
	defer rows.Close()

	out := []ThrottleRecord{}
	for rows.Next() {
		var (
			r       ThrottleRecord
			created int64
		)
		if err := rows.Scan(&r.ID, &r.SourceType, &r.SourceID, &r.Label, &created); err != nil {
			return nil, fmt.Errorf("scan throttle: %w", err)
		}
		r.CreatedAt = fromNanos(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate throttles: %w", err)
	}
	return out, nil
}

// PruneThrottles deletes records created at or before cutoff and returns how
// many were removed. Counting never looks further back than the longest
// throttle window, so older rows are dead weight.
func (s *Store) PruneThrottles(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM throttle_log WHERE created_at <= ?`, toNanos(cutoff))
	if err != nil {
		return 0, classify("prune throttles", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune throttles: %w", err)
	}
	return n, nil
}
