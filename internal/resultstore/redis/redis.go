// Package redis appends outcomes to a Redis stream with XADD so that
// dashboards and other consumers can follow a run while it progresses.
//
// Each entry carries the scalar outcome fields plus an "outcome" field with
// the full JSON record.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/colloquy/internal/pool"
	"github.com/MrWong99/colloquy/internal/resultstore"
)

// Client is the subset of the go-redis client the store uses.
type Client interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Options configure [New].
type Options struct {
	Addr     string
	Password string
	DB       int

	// Stream is the stream key.
	Stream string

	// MaxLen approximately caps the stream length. Zero keeps every entry.
	MaxLen int64
}

// Store is the Redis stream outcome sink. It is safe for concurrent use.
type Store struct {
	client Client
	stream string
	maxLen int64
}

// Compile-time interface assertions.
var (
	_ resultstore.Store   = (*Store)(nil)
	_ resultstore.Checker = (*Store)(nil)
)

// New connects to Redis and pings it.
func New(ctx context.Context, opts Options) (*Store, error) {
	c := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", opts.Addr, err)
	}
	return NewWithClient(c, opts.Stream, opts.MaxLen), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(c Client, stream string, maxLen int64) *Store {
	return &Store{client: c, stream: stream, maxLen: maxLen}
}

// Save implements [resultstore.Store].
func (s *Store) Save(ctx context.Context, o pool.Outcome) error {
	record, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("redis store: marshal %s: %w", o.SampleID, err)
	}
	score := ""
	if o.FinalScore != nil {
		score = strconv.FormatFloat(*o.FinalScore, 'f', -1, 64)
	}
	args := &goredis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"sample_id":   o.SampleID,
			"model":       o.Model,
			"status":      string(o.Status),
			"final_score": score,
			"outcome":     string(record),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis store: xadd %s: %w", o.SampleID, err)
	}
	return nil
}

// Check pings Redis.
func (s *Store) Check(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
