// Package kv is the key-value storage layer behind the matchmaking server's
// accounts, login cookies, chat channels and game logs.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/doc"
)

// PutMode selects the write semantics of Put.
type PutMode int

const (
	// Set creates the key or overwrites its current value.
	Set PutMode = iota
	// Add creates the key and fails with ErrExists if it is already present.
	Add
	// Replace overwrites the value of a key that must already exist.
	Replace
	// Append adds the value to the end of the list stored at the key,
	// creating a one element list if the key is absent.
	Append
)

func (m PutMode) String() string {
	switch m {
	case Set:
		return "SET"
	case Add:
		return "ADD"
	case Replace:
		return "REPLACE"
	case Append:
		return "APPEND"
	}
	return fmt.Sprintf("PutMode(%d)", int(m))
}

var (
	ErrExists   = errors.New("key already exists")
	ErrNotFound = errors.New("key not found")
	ErrNotList  = errors.New("value stored at key is not a list")
)

// Store is a namespaced key-value store holding JSON document values. Every
// Put is atomic with respect to other calls on the same key.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, namespace, key string) (doc.Value, error)
	// Put writes value to key with the semantics of mode.
	Put(ctx context.Context, namespace, key string, value doc.Value, mode PutMode) error
	// Delete removes key. Removing a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error
	// Close releases the resources held by the store.
	Close() error
}

// Open returns the Store selected by the database section of the config.
func Open(cfg *core.Config) (Store, error) {
	switch cfg.Database.Engine {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.Database.Filename, cfg.Debugging.DatabaseLoggingEnabled)
	case "postgres":
		return OpenPostgres(cfg.DatabaseURL(), cfg.Debugging.DatabaseLoggingEnabled)
	}
	return nil, fmt.Errorf("unknown database engine %q", cfg.Database.Engine)
}

func encode(v doc.Value) (string, error) {
	b, err := doc.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(s string) (doc.Value, error) {
	var v doc.Value
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// appendValue returns existing with value appended. existing must be a list
// or absent (nil with present == false).
func appendValue(existing doc.Value, present bool, value doc.Value) (doc.List, error) {
	if !present {
		return doc.List{value}, nil
	}
	l, ok := existing.(doc.List)
	if !ok {
		return nil, ErrNotList
	}
	out := make(doc.List, len(l), len(l)+1)
	copy(out, l)
	return append(out, value), nil
}
