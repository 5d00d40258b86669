package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/denorm/internal/ir"
)

// Filter selects records of one type by a top-level field.
//
// A zero Filter matches every record. With Contains set, Field must hold an
// array and matches when any element equals Value; otherwise the field
// itself must equal Value. A Null Value matches absent or null fields.
type Filter struct {
	Field    string
	Value    ir.Value
	Contains bool
}

// Page is one page of a keyset-paginated query.
type Page struct {
	Records []*ir.Record

	// Next is the cursor for the following page, empty when this page
	// was short and nothing remains.
	Next string
}

// Load retrieves one record. Returns ErrNotFound if it does not exist.
func (s *Store) Load(ctx context.Context, typ, id string) (*ir.Record, error) {
	var fieldsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT fields FROM records WHERE type = ? AND id = ?
	`, typ, id).Scan(&fieldsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s %s: %w", typ, id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("load record", err)
	}

	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", typ, id, err)
	}
	return ir.NewRecord(typ, id, fields), nil
}

// Put inserts or replaces a record. Writes are last-value overwrites, so
// repeating a Put is idempotent.
func (s *Store) Put(ctx context.Context, rec *ir.Record) error {
	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("put %s %s: %w", rec.Type, rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (type, id, fields, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(type, id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at
	`, rec.Type, rec.ID, fieldsJSON, toNanos(s.clock.Now()))
	if err != nil {
		return classify("put record", err)
	}
	return nil
}

// PutBatch writes many records in one transaction.
func (s *Store) PutBatch(ctx context.Context, recs []*ir.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("put batch: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (type, id, fields, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(type, id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return classify("put batch: prepare", err)
	}
	defer stmt.Close()

	now := toNanos(s.clock.Now())
	for _, rec := range recs {
		fieldsJSON, err := marshalFields(rec.Fields)
		if err != nil {
			return fmt.Errorf("put batch %s %s: %w", rec.Type, rec.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.Type, rec.ID, fieldsJSON, now); err != nil {
			return classify("put batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("put batch: commit", err)
	}
	return nil
}

// Query returns up to limit records of typ matching f with ID greater than
// cursor, ordered by ID.
//
// Results are ordered deterministically: ORDER BY id COLLATE BINARY.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Query(ctx context.Context, typ string, f Filter, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, fmt.Errorf("query %s: limit must be positive", typ)
	}

	var (
		where strings.Builder
		args  = []any{typ, cursor}
	)
	where.WriteString("type = ? AND id > ?")

	if f.Field != "" {
		switch {
		case f.Contains:
			arg, err := filterArg(f.Value)
			if err != nil {
				return Page{}, fmt.Errorf("query %s: %w", typ, err)
			}
			where.WriteString(` AND EXISTS (
				SELECT 1 FROM json_each(records.fields, ?) AS e WHERE e.value = ?
			)`)
			args = append(args, jsonPath(f.Field), arg)
		case ir.IsNull(f.Value):
			where.WriteString(" AND json_extract(fields, ?) IS NULL")
			args = append(args, jsonPath(f.Field))
		default:
			arg, err := filterArg(f.Value)
			if err != nil {
				return Page{}, fmt.Errorf("query %s: %w", typ, err)
			}
			where.WriteString(" AND json_extract(fields, ?) = ?")
			args = append(args, jsonPath(f.Field), arg)
		}
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fields FROM records
		WHERE `+where.String()+`
		ORDER BY id COLLATE BINARY ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return Page{}, classify("query records", err)
	}
	defer rows.Close()

	page := Page{Records: []*ir.Record{}}
	for rows.Next() {
		var id, fieldsJSON string
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return Page{}, fmt.Errorf("scan record: %w", err)
		}
		fields, err := unmarshalFields(fieldsJSON)
		if err != nil {
			return Page{}, fmt.Errorf("query %s %s: %w", typ, id, err)
		}
		page.Records = append(page.Records, ir.NewRecord(typ, id, fields))
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate records: %w", err)
	}

	if len(page.Records) == limit {
		page.Next = page.Records[len(page.Records)-1].ID
	}
	return page, nil
}

// Count returns the number of stored records of typ.
func (s *Store) Count(ctx context.Context, typ string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE type = ?`, typ).Scan(&n); err != nil {
		return 0, classify("count records", err)
	}
	return n, nil
}
