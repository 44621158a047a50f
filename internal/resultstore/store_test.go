package resultstore_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/colloquy/internal/pool"
	"github.com/MrWong99/colloquy/internal/resultstore"
)

// memStore records saved sample IDs.
type memStore struct {
	mu      sync.Mutex
	saved   []string
	saveErr error
	closed  bool
}

func (s *memStore) Save(_ context.Context, o pool.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, o.SampleID)
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestMulti_FansOut(t *testing.T) {
	t.Parallel()
	a, b := &memStore{}, &memStore{}
	m := resultstore.NewMulti(resultstore.Named{Name: "a", Store: a}, resultstore.Named{Name: "b", Store: b})

	for _, id := range []string{"s1", "s2"} {
		if err := m.Save(context.Background(), pool.Outcome{SampleID: id}); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}
	if len(a.saved) != 2 || len(b.saved) != 2 {
		t.Errorf("saved a=%v b=%v, want two each", a.saved, b.saved)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestMulti_FailingStoreDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk full")
	bad, good := &memStore{saveErr: boom}, &memStore{}
	m := resultstore.NewMulti(resultstore.Named{Name: "jsonl", Store: bad}, resultstore.Named{Name: "redis", Store: good})

	err := m.Save(context.Background(), pool.Outcome{SampleID: "s1"})
	if !errors.Is(err, boom) {
		t.Fatalf("Save err = %v, want %v", err, boom)
	}
	if !strings.Contains(err.Error(), "jsonl") {
		t.Errorf("error should name the failing store, got: %v", err)
	}
	if len(good.saved) != 1 {
		t.Errorf("good store saved %v, want [s1]", good.saved)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bad.closed || !good.closed {
		t.Error("Close did not reach every store")
	}
}

func TestMulti_Empty(t *testing.T) {
	t.Parallel()
	m := resultstore.NewMulti()
	if err := m.Save(context.Background(), pool.Outcome{SampleID: "s1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
