package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrClosed        = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process; Path, when set, enables the on-disk journal
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the document API used by the engine.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// Put writes doc under id, replacing any existing document.
	Put(ctx context.Context, collection, id string, doc any) error
	// Add stores doc under a fresh id and returns it.
	Add(ctx context.Context, collection string, doc any) (string, error)
	// Create stores doc under id only if id is free; otherwise ErrAlreadyExists.
	Create(ctx context.Context, collection, id string, doc any) error
	// Delete removes id; ErrNotFound if it was absent.
	Delete(ctx context.Context, collection, id string) error
	Close() error
}

// Document is one stored JSON object.
type Document struct {
	ID   string
	Data json.RawMessage
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode document %q: %w", d.ID, err)
	}
	return nil
}

// Op is a filter comparison.
type Op string

const (
	OpEq Op = "=="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Filter compares a top-level (or dotted) JSON field against Value.
// Value must be a string, bool or integer/float number.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is shorthand for a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query selects documents matching every filter. OrderBy sorts on a field
// (ties broken by id); Limit <= 0 means no limit.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

func encode(doc any) (json.RawMessage, error) {
	switch v := doc.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON document")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON document")
		}
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return b, nil
}

func validOp(op Op) bool {
	switch op {
	case OpEq, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}
