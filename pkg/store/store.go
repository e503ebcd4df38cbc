// Package store defines the document store contract used by the engine and
// the helpers shared by its backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a conditional write finds the document no
// longer matching its predicates. The batch holding it is not applied.
var ErrConflict = errors.New("write precondition failed")

// Record is a document as stored, with JSON-compatible values.
type Record map[string]any

// Patch is a partial update. A nil value removes the field.
type Patch map[string]any

// Op is a predicate operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpExists
	OpMissing
)

// Predicate filters records on one field.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Eq matches records whose field equals v.
func Eq(field string, v any) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: Normalize(v)}
}

// Ne matches records whose field differs from v, including records without the field.
func Ne(field string, v any) Predicate {
	return Predicate{Field: field, Op: OpNe, Value: Normalize(v)}
}

// Exists matches records carrying a non-null field.
func Exists(field string) Predicate {
	return Predicate{Field: field, Op: OpExists}
}

// Missing matches records without the field or with a null value.
func Missing(field string) Predicate {
	return Predicate{Field: field, Op: OpMissing}
}

type WriteKind int

const (
	WriteCreate WriteKind = iota
	WriteUpdate
	WriteDelete
)

// Write is one element of an atomic batch.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Record     Record
	Patch      Patch
	// Match, on updates, must hold for the stored document or the whole
	// batch fails with ErrConflict.
	Match []Predicate
}

func CreateWrite(collection string, rec Record) Write {
	return Write{Kind: WriteCreate, Collection: collection, Record: rec}
}

func UpdateWrite(collection, id string, patch Patch) Write {
	return Write{Kind: WriteUpdate, Collection: collection, ID: id, Patch: patch}
}

// UpdateIfWrite is an update applied only while the document matches preds.
func UpdateIfWrite(collection, id string, patch Patch, preds ...Predicate) Write {
	return Write{Kind: WriteUpdate, Collection: collection, ID: id, Patch: patch, Match: preds}
}

func DeleteWrite(collection, id string) Write {
	return Write{Kind: WriteDelete, Collection: collection, ID: id}
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change describes a committed write. Record is the document after the write,
// or before it for removals.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Record     Record     `json:"record"`
	Origin     string     `json:"origin"`
}

// Store is the persistence contract of the engine.
type Store interface {
	Create(ctx context.Context, collection string, rec Record) (string, error)
	Get(ctx context.Context, collection, id string) (Record, error)
	Update(ctx context.Context, collection, id string, patch Patch) error
	Delete(ctx context.Context, collection, id string) error
	// BatchUpdate applies every write or none of them.
	BatchUpdate(ctx context.Context, writes []Write) error
	Query(ctx context.Context, collection string, preds ...Predicate) ([]Record, error)
	// Subscribe calls fn after each committed change in collection matching
	// preds, until the returned function is called.
	Subscribe(collection string, preds []Predicate, fn func(Change)) func()
}

// AssignID returns the record id, generating one when missing.
func AssignID(rec Record) string {
	if id, ok := rec["id"].(string); ok && id != "" {
		return id
	}
	id := uuid.NewString()
	rec["id"] = id
	return id
}

// Normalize converts v to the JSON value model the backends store:
// strings, float64 numbers, bools, nil, []any and map[string]any.
func Normalize(v any) any {
	switch v.(type) {
	case nil, string, float64, bool:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// NormalizeRecord normalizes every value of rec in a new map.
func NormalizeRecord(rec map[string]any) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = Normalize(v)
	}
	return out
}

// Merge applies patch to a copy of rec. The id field is never changed.
func Merge(rec Record, patch Patch) Record {
	out := make(Record, len(rec)+len(patch))
	for k, v := range rec {
		out[k] = v
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = Normalize(v)
	}
	return out
}

// Matches reports whether rec satisfies every predicate.
func Matches(rec Record, preds []Predicate) bool {
	for _, p := range preds {
		v, ok := rec[p.Field]
		present := ok && v != nil
		switch p.Op {
		case OpEq:
			if p.Value == nil {
				if present {
					return false
				}
				continue
			}
			if !present || !reflect.DeepEqual(Normalize(v), p.Value) {
				return false
			}
		case OpNe:
			if present && reflect.DeepEqual(Normalize(v), p.Value) {
				return false
			}
			if !present && p.Value == nil {
				return false
			}
		case OpExists:
			if !present {
				return false
			}
		case OpMissing:
			if present {
				return false
			}
		}
	}
	return true
}

// Encode converts a typed document to a Record.
func Encode(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return rec, nil
}

// Decode fills out from rec.
func Decode(rec Record, out any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

// GetAs loads one document into a T.
func GetAs[T any](ctx context.Context, s Store, collection, id string) (*T, error) {
	rec, err := s.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	var out T
	if err := Decode(rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryAs runs a query and decodes every result into a T.
func QueryAs[T any](ctx context.Context, s Store, collection string, preds ...Predicate) ([]T, error) {
	recs, err := s.Query(ctx, collection, preds...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := Decode(rec, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
