// Package resultstore defines where pool outcomes go once a sample ends.
//
// A [Store] persists one [pool.Outcome] at a time. The sub-packages provide a
// JSON-lines file, a PostgreSQL table and a Redis stream; [Multi] fans every
// outcome out to several of them. Stores are caller-side sinks: nothing in
// the pipeline depends on them.
package resultstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/colloquy/internal/pool"
)

// Store persists outcomes. Implementations must be safe for concurrent use.
type Store interface {
	// Save persists o. Saving the same sample ID twice overwrites or appends,
	// depending on the backend.
	Save(ctx context.Context, o pool.Outcome) error

	// Close flushes pending data and releases the backend.
	Close() error
}

// Checker is implemented by stores that can report their reachability to
// the readiness probe.
type Checker interface {
	Check(ctx context.Context) error
}

// Named pairs a store with the label used in logs and health checks.
type Named struct {
	Name  string
	Store Store
}

// Multi saves every outcome to each of its stores in order. A failing store
// does not prevent the others from receiving the outcome.
type Multi struct {
	stores []Named
}

// Compile-time interface assertion.
var _ Store = (*Multi)(nil)

// NewMulti combines stores.
func NewMulti(stores ...Named) *Multi {
	return &Multi{stores: append([]Named(nil), stores...)}
}

// Len returns the number of stores.
func (m *Multi) Len() int { return len(m.stores) }

// Stores returns the combined stores.
func (m *Multi) Stores() []Named { return append([]Named(nil), m.stores...) }

// Save implements [Store]. The returned error joins every store's failure.
func (m *Multi) Save(ctx context.Context, o pool.Outcome) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Store.Save(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("resultstore: %s: save %s: %w", s.Name, o.SampleID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements [Store], closing every store even when some fail.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("resultstore: %s: close: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
