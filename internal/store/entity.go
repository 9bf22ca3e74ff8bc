package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Keys of the persisted entities.
const (
	KeyCart          = "cart"
	KeyPaymentMethod = "payment_method"
	KeyTicketCache   = "ticket_cache"
	KeySession       = "session"
)

// ErrSchemaTooNew is returned for an envelope written by a newer build.
var ErrSchemaTooNew = errors.New("store: schema version newer than supported")

// Envelope wraps every persisted entity.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Data          json.RawMessage `json:"data"`
}

// Migration upgrades data stored at version From to version From+1.
type Migration struct {
	From    int
	Upgrade func(json.RawMessage) (json.RawMessage, error)
}

// Entity is an explicit save/load pair for one kind of persisted state.
// Saves are last-writer-wins on the whole value.
type Entity[T any] struct {
	kv         KV
	key        string
	version    int
	migrations map[int]Migration
	now        func() time.Time
}

func NewEntity[T any](kv KV, key string, version int, migrations ...Migration) *Entity[T] {
	e := &Entity[T]{
		kv:         kv,
		key:        key,
		version:    version,
		migrations: make(map[int]Migration, len(migrations)),
		now:        time.Now,
	}
	for _, m := range migrations {
		e.migrations[m.From] = m
	}
	return e
}

func (e *Entity[T]) Key() string { return e.key }

// Save writes v. A positive ttl lets the backend drop the entry on its own.
func (e *Entity[T]) Save(ctx context.Context, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.key, err)
	}
	raw, err := json.Marshal(Envelope{
		SchemaVersion: e.version,
		SavedAt:       e.now(),
		Data:          data,
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", e.key, err)
	}
	if err := e.kv.Put(ctx, e.key, raw, ttl); err != nil {
		return fmt.Errorf("save %s: %w", e.key, err)
	}
	return nil
}

// Load returns the stored value. ok is false when nothing is stored.
func (e *Entity[T]) Load(ctx context.Context) (v T, ok bool, err error) {
	raw, err := e.kv.Get(ctx, e.key)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("load %s: %w", e.key, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return v, false, fmt.Errorf("decode %s envelope: %w", e.key, err)
	}
	if env.SchemaVersion > e.version {
		return v, false, fmt.Errorf("%w: %s v%d > v%d", ErrSchemaTooNew, e.key, env.SchemaVersion, e.version)
	}

	data := env.Data
	for ver := env.SchemaVersion; ver < e.version; ver++ {
		m, found := e.migrations[ver]
		if !found {
			return v, false, fmt.Errorf("no migration for %s from v%d", e.key, ver)
		}
		if data, err = m.Upgrade(data); err != nil {
			return v, false, fmt.Errorf("migrate %s from v%d: %w", e.key, ver, err)
		}
	}

	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", e.key, err)
	}
	return v, true, nil
}

func (e *Entity[T]) Clear(ctx context.Context) error {
	return e.kv.Delete(ctx, e.key)
}
