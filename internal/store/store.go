// Package store persists remote tables, their columns and rows in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/csvsync/internal/core"
)

// Store errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrIncompatible rejects a type change that stored values do not survive.
	ErrIncompatible = errors.New("incompatible stored value")
)

// Store is the Postgres backed table store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on pool. Call Migrate first.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func parseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return u, nil
}

// CreateTable stores a new table with its columns and returns its id.
func (s *Store) CreateTable(ctx context.Context, parent, title, key string, cols []core.Column) (string, error) {
	if _, err := core.NewSchema(cols); err != nil {
		return "", fmt.Errorf("invalid schema: %w", err)
	}
	id := uuid.New()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var got uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO sync_tables (id, parent, title, request_id) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (request_id) WHERE request_id IS NOT NULL
		 DO UPDATE SET request_id = EXCLUDED.request_id
		 RETURNING id`,
		id, parent, title, nullKey(key)).Scan(&got)
	if err != nil {
		return "", fmt.Errorf("insert table: %w", err)
	}
	if got != id {
		return got.String(), nil
	}
	for i, c := range cols {
		if err := insertColumn(ctx, tx, id, i, c); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id.String(), nil
}

func insertColumn(ctx context.Context, tx pgx.Tx, tableID uuid.UUID, pos int, c core.Column) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO sync_columns (table_id, id, position, name, type, options, relation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tableID, c.ID, pos, c.Name, string(c.Type), nonNil(c.Options), c.Relation)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("column %q: %w", c.Name, ErrConflict)
		}
		return fmt.Errorf("insert column %q: %w", c.Name, err)
	}
	return nil
}

// nullKey stores an absent request key as NULL so it never conflicts.
func nullKey(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Schema loads the columns of a table.
func (s *Store) Schema(ctx context.Context, tableID string) (*core.Schema, error) {
	id, err := parseID(tableID)
	if err != nil {
		return nil, err
	}
	return schema(ctx, s.pool, id)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func schema(ctx context.Context, q querier, tableID uuid.UUID) (*core.Schema, error) {
	rows, err := q.Query(ctx,
		`SELECT id, name, type, options, relation FROM sync_columns
		 WHERE table_id = $1 ORDER BY position`, tableID)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.Column, error) {
		var (
			c   core.Column
			typ string
		)
		err := row.Scan(&c.ID, &c.Name, &typ, &c.Options, &c.Relation)
		c.Type = core.ColumnType(typ)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: %w", tableID, ErrNotFound)
	}
	return core.NewSchema(cols)
}

// UpdateColumns appends new columns and updates the type and options of
// existing ones. Columns are never renamed or removed; select options are
// only ever added. Stored values of a column that changes type are converted
// in the same transaction, and the whole patch fails if one does not convert.
func (s *Store) UpdateColumns(ctx context.Context, tableID string, cols []core.Column) (*core.Schema, error) {
	id, err := parseID(tableID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize schema changes per table.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM sync_tables WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, fmt.Errorf("lock table: %w", err)
	}
	current, err := schema(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	next := current.Len()
	var retyped []core.TypeChange
	for _, c := range cols {
		old, ok := current.Column(c.ID)
		if !ok {
			if err := insertColumn(ctx, tx, id, next, c); err != nil {
				return nil, err
			}
			next++
			continue
		}
		if old.Type == core.TypeTitle && c.Type != core.TypeTitle {
			return nil, fmt.Errorf("column %q is the title column: %w", old.Name, ErrConflict)
		}
		if c.Type != old.Type {
			retyped = append(retyped, core.TypeChange{Column: old, To: c.Type})
		}
		options := slices.Clone(old.Options)
		for _, o := range c.Options {
			if !slices.Contains(options, o) {
				options = append(options, o)
			}
		}
		_, err := tx.Exec(ctx,
			`UPDATE sync_columns SET type = $3, options = $4 WHERE table_id = $1 AND id = $2`,
			id, c.ID, string(c.Type), nonNil(options))
		if err != nil {
			return nil, fmt.Errorf("update column %q: %w", old.Name, err)
		}
	}
	if len(retyped) > 0 {
		if err := retypeRows(ctx, tx, id, retyped); err != nil {
			return nil, err
		}
	}

	updated, err := schema(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// retypeRows rewrites the stored values of retyped columns.
func retypeRows(ctx context.Context, tx pgx.Tx, tableID uuid.UUID, changes []core.TypeChange) error {
	rows, err := tx.Query(ctx, `SELECT id, data FROM sync_rows WHERE table_id = $1 ORDER BY seq FOR UPDATE`, tableID)
	if err != nil {
		return fmt.Errorf("query rows: %w", err)
	}
	type stored struct {
		id   uuid.UUID
		data []byte
	}
	all, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (stored, error) {
		var r stored
		err := row.Scan(&r.id, &r.data)
		return r, err
	})
	if err != nil {
		return fmt.Errorf("scan rows: %w", err)
	}

	for _, r := range all {
		var values map[string]json.RawMessage
		if err := json.Unmarshal(r.data, &values); err != nil {
			return fmt.Errorf("row %s: %w", r.id, err)
		}
		changed, err := core.RetypeValues(values, changes)
		if err != nil {
			return fmt.Errorf("row %s: %v: %w", r.id, err, ErrIncompatible)
		}
		if !changed {
			continue
		}
		data, err := json.Marshal(values)
		if err != nil {
			return fmt.Errorf("encode row %s: %w", r.id, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE sync_rows SET data = $2 WHERE id = $1`, r.id, data); err != nil {
			return fmt.Errorf("update row %s: %w", r.id, err)
		}
	}
	return nil
}

// Rows returns every row of a table in creation order.
func (s *Store) Rows(ctx context.Context, tableID string) ([]core.RowPayload, error) {
	id, err := parseID(tableID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, data, icon, cover, image FROM sync_rows
		 WHERE table_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.RowPayload, error) {
		var (
			p     core.RowPayload
			rowID uuid.UUID
			data  []byte
			image []byte
		)
		if err := row.Scan(&rowID, &data, &p.Icon, &p.Cover, &image); err != nil {
			return p, err
		}
		p.ID = rowID.String()
		if err := json.Unmarshal(data, &p.Values); err != nil {
			return p, fmt.Errorf("row %s: %w", p.ID, err)
		}
		if image != nil {
			p.Image = new(core.ImageBlock)
			if err := json.Unmarshal(image, p.Image); err != nil {
				return p, fmt.Errorf("row %s image: %w", p.ID, err)
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	return out, nil
}

// InsertRow stores a new row and returns its id.
func (s *Store) InsertRow(ctx context.Context, tableID, key string, row core.RowPayload) (string, error) {
	tid, err := parseID(tableID)
	if err != nil {
		return "", err
	}
	data, image, err := encodeRow(row)
	if err != nil {
		return "", err
	}
	var id uuid.UUID
	err = s.pool.QueryRow(ctx,
		`INSERT INTO sync_rows (id, table_id, data, icon, cover, image, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (table_id, request_id) WHERE request_id IS NOT NULL
		 DO UPDATE SET request_id = EXCLUDED.request_id
		 RETURNING id`,
		uuid.New(), tid, data, row.Icon, row.Cover, image, nullKey(key)).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return "", fmt.Errorf("table %s: %w", tableID, ErrNotFound)
		}
		return "", fmt.Errorf("insert row: %w", err)
	}
	return id.String(), nil
}

// PatchRow merges values into a row. Empty media fields keep their value.
func (s *Store) PatchRow(ctx context.Context, rowID string, row core.RowPayload) error {
	id, err := parseID(rowID)
	if err != nil {
		return err
	}
	data, image, err := encodeRow(row)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_rows SET
		   data = data || $2::jsonb,
		   icon = COALESCE(NULLIF($3, ''), icon),
		   cover = COALESCE(NULLIF($4, ''), cover),
		   image = COALESCE($5::jsonb, image),
		   updated_at = now()
		 WHERE id = $1`,
		id, data, row.Icon, row.Cover, image)
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("row %s: %w", rowID, ErrNotFound)
	}
	return nil
}

// RowTable returns the id of the table a row belongs to.
func (s *Store) RowTable(ctx context.Context, rowID string) (string, error) {
	id, err := parseID(rowID)
	if err != nil {
		return "", err
	}
	var tableID uuid.UUID
	err = s.pool.QueryRow(ctx, `SELECT table_id FROM sync_rows WHERE id = $1`, id).Scan(&tableID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("row %s: %w", rowID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query row: %w", err)
	}
	return tableID.String(), nil
}

func encodeRow(row core.RowPayload) (data, image []byte, err error) {
	values := row.Values
	if values == nil {
		values = map[string]json.RawMessage{}
	}
	if data, err = json.Marshal(values); err != nil {
		return nil, nil, fmt.Errorf("encode values: %w", err)
	}
	if row.Image != nil {
		if image, err = json.Marshal(row.Image); err != nil {
			return nil, nil, fmt.Errorf("encode image: %w", err)
		}
	}
	return data, image, nil
}
