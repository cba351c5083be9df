// Package repository holds the row store the runtime persists plugins, users,
// chats, authorization records and configuration in.
//
// Rows in soft-delete tables are never physically removed: Delete stamps
// DeletedAt and every read excludes such rows unless WithTrashed is passed.
package repository

import (
	"errors"
	"sync"
	"time"

	"telenode/internal/clock"
)

var (
	// ErrNotFound is returned when no live row matches
	ErrNotFound = errors.New("repository: row not found")

	// ErrDuplicate is returned by Insert when the key is taken, including by a
	// soft-deleted row
	ErrDuplicate = errors.New("repository: duplicate key")
)

// Meta carries the bookkeeping columns shared by every entity
type Meta struct {
	CreatedAt time.Time  `yaml:"created_at"`
	UpdatedAt time.Time  `yaml:"updated_at"`
	DeletedAt *time.Time `yaml:"deleted_at,omitempty"`
}

// Trashed reports whether the row is soft-deleted
func (m Meta) Trashed() bool {
	return m.DeletedAt != nil
}

type queryConfig struct {
	withTrashed bool
	onlyTrashed bool
}

// QueryOption adjusts which rows a read considers
type QueryOption func(*queryConfig)

// WithTrashed includes soft-deleted rows in the result
func WithTrashed() QueryOption {
	return func(c *queryConfig) { c.withTrashed = true }
}

// OnlyTrashed restricts the result to soft-deleted rows
func OnlyTrashed() QueryOption {
	return func(c *queryConfig) { c.withTrashed, c.onlyTrashed = true, true }
}

// Table is the narrow row-store contract for one entity type
type Table[K comparable, T any] interface {
	Select(opts ...QueryOption) ([]T, error)
	Where(pred func(T) bool, opts ...QueryOption) ([]T, error)
	First(pred func(T) bool, opts ...QueryOption) (T, error)
	Get(key K, opts ...QueryOption) (T, error)
	Insert(row T) (T, error)
	Update(key K, mutate func(*T)) (T, error)
	Delete(key K) error
	Restore(key K) (T, error)

	// GetOrCreate returns the live row keyed like defaults, inserting defaults
	// when absent. A soft-deleted row is restored with its fields kept.
	// created is true only for a fresh insert.
	GetOrCreate(defaults T) (row T, created bool, err error)
}

// memTable is an in-memory Table preserving insertion order
type memTable[K comparable, T any] struct {
	mu         sync.RWMutex
	rows       map[K]*T
	order      []K
	keyOf      func(T) K
	metaOf     func(*T) *Meta
	softDelete bool
	clock      clock.Clock
}

func newMemTable[K comparable, T any](c clock.Clock, softDelete bool, keyOf func(T) K, metaOf func(*T) *Meta) *memTable[K, T] {
	return &memTable[K, T]{
		rows:       make(map[K]*T),
		keyOf:      keyOf,
		metaOf:     metaOf,
		softDelete: softDelete,
		clock:      c,
	}
}

func buildQuery(opts []QueryOption) queryConfig {
	var q queryConfig
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

func (t *memTable[K, T]) visible(row *T, q queryConfig) bool {
	trashed := t.metaOf(row).Trashed()
	if q.onlyTrashed {
		return trashed
	}
	return !trashed || q.withTrashed
}

func (t *memTable[K, T]) Select(opts ...QueryOption) ([]T, error) {
	return t.Where(nil, opts...)
}

func (t *memTable[K, T]) Where(pred func(T) bool, opts ...QueryOption) ([]T, error) {
	q := buildQuery(opts)

	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]T, 0, len(t.order))
	for _, k := range t.order {
		row := t.rows[k]
		if !t.visible(row, q) {
			continue
		}
		if pred == nil || pred(*row) {
			result = append(result, *row)
		}
	}
	return result, nil
}

func (t *memTable[K, T]) First(pred func(T) bool, opts ...QueryOption) (T, error) {
	q := buildQuery(opts)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, k := range t.order {
		row := t.rows[k]
		if t.visible(row, q) && (pred == nil || pred(*row)) {
			return *row, nil
		}
	}
	var zero T
	return zero, ErrNotFound
}

func (t *memTable[K, T]) Get(key K, opts ...QueryOption) (T, error) {
	q := buildQuery(opts)

	t.mu.RLock()
	defer t.mu.RUnlock()

	row, ok := t.rows[key]
	if !ok || !t.visible(row, q) {
		var zero T
		return zero, ErrNotFound
	}
	return *row, nil
}

func (t *memTable[K, T]) Insert(row T) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(row)
}

func (t *memTable[K, T]) insertLocked(row T) (T, error) {
	key := t.keyOf(row)
	if _, exists := t.rows[key]; exists {
		var zero T
		return zero, ErrDuplicate
	}

	now := t.clock.Now()
	m := t.metaOf(&row)
	m.CreatedAt, m.UpdatedAt, m.DeletedAt = now, now, nil

	stored := row
	t.rows[key] = &stored
	t.order = append(t.order, key)
	return row, nil
}

func (t *memTable[K, T]) Update(key K, mutate func(*T)) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	row, ok := t.rows[key]
	if !ok || t.metaOf(row).Trashed() {
		return zero, ErrNotFound
	}

	updated := *row
	mutate(&updated)
	if t.keyOf(updated) != key {
		return zero, errors.New("repository: update must not change the row key")
	}

	// Bookkeeping columns are owned by the table
	m := t.metaOf(&updated)
	*m = *t.metaOf(row)
	m.UpdatedAt = t.clock.Now()

	*row = updated
	return updated, nil
}

func (t *memTable[K, T]) Delete(key K) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[key]
	if !ok || t.metaOf(row).Trashed() {
		return ErrNotFound
	}

	if !t.softDelete {
		delete(t.rows, key)
		for i, k := range t.order {
			if k == key {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
		return nil
	}

	now := t.clock.Now()
	m := t.metaOf(row)
	m.DeletedAt = &now
	m.UpdatedAt = now
	return nil
}

func (t *memTable[K, T]) Restore(key K) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restoreLocked(key)
}

func (t *memTable[K, T]) restoreLocked(key K) (T, error) {
	row, ok := t.rows[key]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}

	m := t.metaOf(row)
	if m.Trashed() {
		m.DeletedAt = nil
		m.UpdatedAt = t.clock.Now()
	}
	return *row, nil
}

func (t *memTable[K, T]) GetOrCreate(defaults T) (T, bool, error) {
	key := t.keyOf(defaults)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.rows[key]; exists {
		row, err := t.restoreLocked(key)
		return row, false, err
	}

	row, err := t.insertLocked(defaults)
	return row, err == nil, err
}

// all returns every row, trashed included, for snapshots
func (t *memTable[K, T]) all() []T {
	rows, _ := t.Select(WithTrashed())
	return rows
}

// load replaces the table content with rows verbatim, keeping their metadata
func (t *memTable[K, T]) load(rows []T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rows = make(map[K]*T, len(rows))
	t.order = t.order[:0]
	for _, r := range rows {
		row := r
		key := t.keyOf(row)
		if _, dup := t.rows[key]; !dup {
			t.order = append(t.order, key)
		}
		t.rows[key] = &row
	}
}
