// Package sqlite implements store.Store on a single SQLite table of JSON documents.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mklimuk/atelier-pilot/pkg/store"
)

// Store keeps every collection in the documents table.
type Store struct {
	db  *sql.DB
	hub *store.Hub
}

// Open creates a SQLite-backed store at path. ":memory:" is accepted.
func Open(path string, hub *store.Hub) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes transactions and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if hub == nil {
		hub = store.NewHub("")
	}
	s := &Store{db: db, hub: hub}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		UNIQUE(collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Create(ctx context.Context, collection string, rec store.Record) (string, error) {
	change, err := create(ctx, s.db, collection, rec)
	if err != nil {
		return "", err
	}
	s.hub.Publish(change)
	return change.ID, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Record, error) {
	return get(ctx, s.db, collection, id)
}

func (s *Store) Update(ctx context.Context, collection, id string, patch store.Patch) error {
	var change store.Change
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		change, err = update(ctx, tx, collection, id, patch, nil)
		return err
	})
	if err != nil {
		return err
	}
	s.hub.Publish(change)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	var change store.Change
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		change, err = remove(ctx, tx, collection, id)
		return err
	})
	if err != nil {
		return err
	}
	s.hub.Publish(change)
	return nil
}

func (s *Store) BatchUpdate(ctx context.Context, writes []store.Write) error {
	if len(writes) == 0 {
		return nil
	}
	changes := make([]store.Change, 0, len(writes))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, w := range writes {
			var (
				change store.Change
				err    error
			)
			switch w.Kind {
			case store.WriteCreate:
				change, err = create(ctx, tx, w.Collection, w.Record)
			case store.WriteUpdate:
				change, err = update(ctx, tx, w.Collection, w.ID, w.Patch, w.Match)
			case store.WriteDelete:
				change, err = remove(ctx, tx, w.Collection, w.ID)
			default:
				err = fmt.Errorf("unknown write kind %d", w.Kind)
			}
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range changes {
		s.hub.Publish(c)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, preds ...store.Predicate) ([]store.Record, error) {
	query, args := buildQuery(collection, preds)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", collection, err)
	}
	return out, nil
}

func (s *Store) Subscribe(collection string, preds []store.Predicate, fn func(store.Change)) func() {
	return s.hub.Subscribe(collection, preds, fn)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func create(ctx context.Context, db execer, collection string, rec store.Record) (store.Change, error) {
	rec = store.NormalizeRecord(rec)
	id := store.AssignID(rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return store.Change{}, fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)`,
		collection, id, string(data))
	if err != nil {
		return store.Change{}, fmt.Errorf("failed to insert %s/%s: %w", collection, id, err)
	}
	return store.Change{Kind: store.ChangeAdded, Collection: collection, ID: id, Record: rec}, nil
}

func get(ctx context.Context, db execer, collection, id string) (store.Record, error) {
	var data string
	err := db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return decode(data)
}

func update(ctx context.Context, db execer, collection, id string, patch store.Patch, match []store.Predicate) (store.Change, error) {
	current, err := get(ctx, db, collection, id)
	if err != nil {
		return store.Change{}, err
	}
	if !store.Matches(current, match) {
		return store.Change{}, fmt.Errorf("%s/%s: %w", collection, id, store.ErrConflict)
	}
	merged := store.Merge(current, patch)
	data, err := json.Marshal(merged)
	if err != nil {
		return store.Change{}, fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}
	_, err = db.ExecContext(ctx,
		`UPDATE documents SET data = ? WHERE collection = ? AND id = ?`,
		string(data), collection, id)
	if err != nil {
		return store.Change{}, fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	return store.Change{Kind: store.ChangeModified, Collection: collection, ID: id, Record: merged}, nil
}

func remove(ctx context.Context, db execer, collection, id string) (store.Change, error) {
	current, err := get(ctx, db, collection, id)
	if err != nil {
		return store.Change{}, err
	}
	_, err = db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id)
	if err != nil {
		return store.Change{}, fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return store.Change{Kind: store.ChangeRemoved, Collection: collection, ID: id, Record: current}, nil
}

func decode(data string) (store.Record, error) {
	var rec store.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return rec, nil
}

// buildQuery compiles predicates to json_extract comparisons.
func buildQuery(collection string, preds []store.Predicate) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT data FROM documents WHERE collection = ?`)
	args := []any{collection}

	for _, p := range preds {
		path := "$." + p.Field
		switch {
		case p.Op == store.OpExists:
			sb.WriteString(` AND json_extract(data, ?) IS NOT NULL`)
			args = append(args, path)
		case p.Op == store.OpMissing, p.Op == store.OpEq && p.Value == nil:
			sb.WriteString(` AND json_extract(data, ?) IS NULL`)
			args = append(args, path)
		case p.Op == store.OpEq:
			sb.WriteString(` AND json_extract(data, ?) = ?`)
			args = append(args, path, sqlValue(p.Value))
		case p.Op == store.OpNe && p.Value == nil:
			sb.WriteString(` AND json_extract(data, ?) IS NOT NULL`)
			args = append(args, path)
		case p.Op == store.OpNe:
			sb.WriteString(` AND (json_extract(data, ?) IS NULL OR json_extract(data, ?) != ?)`)
			args = append(args, path, path, sqlValue(p.Value))
		}
	}
	sb.WriteString(` ORDER BY seq`)
	return sb.String(), args
}

// sqlValue maps a normalized value to what json_extract returns for it.
func sqlValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case map[string]any, []any:
		data, _ := json.Marshal(x)
		return string(data)
	}
	return v
}
