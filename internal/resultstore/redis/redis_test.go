package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/colloquy/internal/pool"
	"github.com/MrWong99/colloquy/internal/resultstore/redis"
)

// mockClient records XADD calls.
type mockClient struct {
	mu      sync.Mutex
	adds    []*goredis.XAddArgs
	addErr  error
	pingErr error
	closed  bool
}

func (m *mockClient) XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := goredis.NewStringCmd(ctx, "xadd", a.Stream)
	if m.addErr != nil {
		cmd.SetErr(m.addErr)
		return cmd
	}
	m.adds = append(m.adds, a)
	cmd.SetVal("1-0")
	return cmd
}

func (m *mockClient) Ping(ctx context.Context) *goredis.StatusCmd {
	cmd := goredis.NewStatusCmd(ctx, "ping")
	if m.pingErr != nil {
		cmd.SetErr(m.pingErr)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

func (m *mockClient) Close() error {
	m.closed = true
	return nil
}

func TestStore_Save(t *testing.T) {
	t.Parallel()
	c := &mockClient{}
	s := redis.NewWithClient(c, "colloquy:outcomes", 1000)

	score := 6.25
	err := s.Save(context.Background(), pool.Outcome{
		SampleID:   "s1",
		Model:      "gpt-4o-mini",
		Status:     pool.StatusCompleted,
		FinalScore: &score,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(c.adds) != 1 {
		t.Fatalf("XAdd calls = %d, want 1", len(c.adds))
	}
	a := c.adds[0]
	if a.Stream != "colloquy:outcomes" || a.MaxLen != 1000 || !a.Approx {
		t.Errorf("args = %+v, want stream colloquy:outcomes with approx maxlen 1000", a)
	}
	values := a.Values.(map[string]any)
	if values["status"] != "completed" || values["final_score"] != "6.25" {
		t.Errorf("values = %v", values)
	}
	var back pool.Outcome
	if err := json.Unmarshal([]byte(values["outcome"].(string)), &back); err != nil {
		t.Fatalf("outcome field is not JSON: %v", err)
	}
	if back.SampleID != "s1" {
		t.Errorf("outcome.sample_id = %q, want s1", back.SampleID)
	}
}

func TestStore_SaveUnscoredOmitsScore(t *testing.T) {
	t.Parallel()
	c := &mockClient{}
	s := redis.NewWithClient(c, "runs", 0)

	if err := s.Save(context.Background(), pool.Outcome{SampleID: "s2", Status: pool.StatusAborted}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	a := c.adds[0]
	if a.MaxLen != 0 || a.Approx {
		t.Errorf("uncapped stream got MaxLen=%d Approx=%v", a.MaxLen, a.Approx)
	}
	if v := a.Values.(map[string]any)["final_score"]; v != "" {
		t.Errorf("final_score = %v, want empty", v)
	}
}

func TestStore_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("READONLY")
	c := &mockClient{addErr: boom, pingErr: boom}
	s := redis.NewWithClient(c, "runs", 0)

	if err := s.Save(context.Background(), pool.Outcome{SampleID: "s3"}); !errors.Is(err, boom) {
		t.Errorf("Save = %v, want %v", err, boom)
	}
	if err := s.Check(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Check = %v, want %v", err, boom)
	}
	if err := s.Close(); err != nil || !c.closed {
		t.Errorf("Close = %v closed=%v", err, c.closed)
	}
}
