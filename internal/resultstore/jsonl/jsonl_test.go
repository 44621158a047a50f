package jsonl_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/colloquy/internal/assess"
	"github.com/MrWong99/colloquy/internal/pool"
	"github.com/MrWong99/colloquy/internal/resultstore/jsonl"
)

func outcome(id string, score float64) pool.Outcome {
	return pool.Outcome{
		SampleID:   id,
		Model:      "gpt-4o-mini",
		Status:     pool.StatusCompleted,
		Defects:    map[assess.Severity][]string{assess.SeverityError: {"Rudeness"}},
		Counts:     map[assess.Severity]int{assess.SeverityError: 1},
		FinalScore: &score,
		Latency:    1500 * time.Millisecond,
		StartedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"results.jsonl", "results.jsonl.zst"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), name)

			s, err := jsonl.Open(path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			for i, id := range []string{"s1", "s2", "s3"} {
				if err := s.Save(context.Background(), outcome(id, float64(i+6))); err != nil {
					t.Fatalf("Save(%s): %v", id, err)
				}
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			got, err := jsonl.ReadAll(path)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("ReadAll returned %d outcomes, want 3", len(got))
			}
			if got[1].SampleID != "s2" || *got[1].FinalScore != 7 {
				t.Errorf("got[1] = %s/%v, want s2/7", got[1].SampleID, *got[1].FinalScore)
			}
			if got[0].Latency != 1500*time.Millisecond {
				t.Errorf("latency = %v, want 1.5s", got[0].Latency)
			}
			if got[0].Defects[assess.SeverityError][0] != "Rudeness" {
				t.Errorf("defects = %v", got[0].Defects)
			}
		})
	}
}

func TestStore_PlainFileIsLineDelimited(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "results.jsonl")
	s, err := jsonl.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Save(context.Background(), outcome("s1", 5))
	_ = s.Save(context.Background(), outcome("s2", 5))
	_ = s.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("file has %d lines, want 2:\n%s", len(lines), raw)
	}
	if !strings.Contains(lines[0], `"sample_id":"s1"`) {
		t.Errorf("line 1 = %s", lines[0])
	}
}

func TestStore_AppendsAcrossOpens(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "results.jsonl.zst")
	for _, id := range []string{"first", "second"} {
		s, err := jsonl.Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := s.Save(context.Background(), outcome(id, 5)); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	got, err := jsonl.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 2 || got[0].SampleID != "first" || got[1].SampleID != "second" {
		t.Errorf("ReadAll = %+v, want first then second", got)
	}
}

func TestStore_ConcurrentSaves(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "results.jsonl")
	s, err := jsonl.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Save(context.Background(), outcome(string(rune('a'+i)), 5))
		}()
	}
	wg.Wait()
	_ = s.Close()

	got, err := jsonl.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 20 {
		t.Errorf("ReadAll returned %d outcomes, want 20", len(got))
	}
}

func TestStore_SaveAfterClose(t *testing.T) {
	t.Parallel()
	s, err := jsonl.Open(filepath.Join(t.TempDir(), "results.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Save(context.Background(), outcome("late", 5)); !errors.Is(err, jsonl.ErrClosed) {
		t.Errorf("Save after Close = %v, want ErrClosed", err)
	}
	if err := s.Check(context.Background()); !errors.Is(err, jsonl.ErrClosed) {
		t.Errorf("Check after Close = %v, want ErrClosed", err)
	}
}

func TestOpen_BadPath(t *testing.T) {
	t.Parallel()
	if _, err := jsonl.Open(filepath.Join(t.TempDir(), "missing", "results.jsonl")); err == nil {
		t.Fatal("Open in a missing directory succeeded")
	}
}
