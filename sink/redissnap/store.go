// Package redissnap keeps the latest compositor stills in Redis.
//
// Key layout (prefix "compositor" by default):
//
//	<prefix>:latest          JPEG of the most recent still
//	<prefix>:latest:meta     hash: id, seq, width, height, timestamp_ms
//	<prefix>:still:<id>      JPEG of a still in the history
//	<prefix>:history         sorted set of ids, score = capture time (ms)
//
// Every key carries the configured TTL; the history is trimmed to the most
// recent History entries.
package redissnap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/sink/stills"
)

// ErrNotFound is returned when a still is absent or expired.
var ErrNotFound = errors.New("redissnap: still not found")

// Config contains configuration for the Redis store
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string        // default: "compositor"
	TTL       time.Duration // default: 10m
	History   int           // stills kept in the history; default: 20
}

// Meta describes a stored still
type Meta struct {
	ID        string
	Seq       uint64
	Width     int
	Height    int
	Timestamp time.Time
}

// Stats contains store statistics
type Stats struct {
	Saved  uint64
	Errors uint64
}

// Store is a Redis-backed still store.
type Store struct {
	client *redis.Client
	cfg    Config

	mu     sync.Mutex
	bus    *stills.Bus
	subID  string
	wg     sync.WaitGroup
	saved  atomic.Uint64
	errors atomic.Uint64
}

// NewStore connects and pings Redis.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redissnap: addr is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "compositor"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.History <= 0 {
		cfg.History = 20
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redissnap: redis connection failed: %w", err)
	}

	slog.Info("redissnap: connected", "addr", cfg.Addr, "prefix", cfg.KeyPrefix, "ttl", cfg.TTL)
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) latestKey() string         { return s.cfg.KeyPrefix + ":latest" }
func (s *Store) latestMetaKey() string     { return s.cfg.KeyPrefix + ":latest:meta" }
func (s *Store) historyKey() string        { return s.cfg.KeyPrefix + ":history" }
func (s *Store) stillKey(id string) string { return s.cfg.KeyPrefix + ":still:" + id }

// Save writes still as the latest and appends it to the history in one
// pipeline.
func (s *Store) Save(ctx context.Context, still stills.Still) error {
	ts := still.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.latestKey(), still.JPEG, s.cfg.TTL)
	pipe.HSet(ctx, s.latestMetaKey(), metaFields(still, ts))
	pipe.Expire(ctx, s.latestMetaKey(), s.cfg.TTL)
	pipe.Set(ctx, s.stillKey(still.ID), still.JPEG, s.cfg.TTL)
	pipe.ZAdd(ctx, s.historyKey(), redis.Z{
		Score:  float64(ts.UnixMilli()),
		Member: still.ID,
	})
	// Keep only the most recent History ids.
	pipe.ZRemRangeByRank(ctx, s.historyKey(), 0, int64(-s.cfg.History-1))
	pipe.Expire(ctx, s.historyKey(), s.cfg.TTL)

	if _, err := pipe.Exec(ctx); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redissnap: failed to save still %s: %w", still.ID, err)
	}
	s.saved.Add(1)
	return nil
}

// Latest returns the most recent JPEG and its metadata.
func (s *Store) Latest(ctx context.Context) ([]byte, Meta, error) {
	data, err := s.client.Get(ctx, s.latestKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, Meta{}, ErrNotFound
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("redissnap: failed to read latest: %w", err)
	}

	fields, err := s.client.HGetAll(ctx, s.latestMetaKey()).Result()
	if err != nil {
		return nil, Meta{}, fmt.Errorf("redissnap: failed to read latest meta: %w", err)
	}
	return data, parseMeta(fields), nil
}

// Get returns a still from the history by id.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.stillKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redissnap: failed to read still %s: %w", id, err)
	}
	return data, nil
}

// History returns up to n ids, newest first.
func (s *Store) History(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRevRange(ctx, s.historyKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redissnap: failed to read history: %w", err)
	}
	return ids, nil
}

// Attach subscribes to bus (latest-only) and saves every still on a
// worker goroutine until Detach or Close.
func (s *Store) Attach(bus *stills.Bus, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bus != nil {
		return fmt.Errorf("redissnap: already attached as %q", s.subID)
	}
	slot, err := bus.SubscribeLatest(id)
	if err != nil {
		return fmt.Errorf("redissnap: subscribe: %w", err)
	}
	s.bus, s.subID = bus, id

	s.wg.Add(1)
	go s.run(slot)
	return nil
}

// Detach stops the worker. Idempotent.
func (s *Store) Detach() {
	s.mu.Lock()
	bus, id := s.bus, s.subID
	s.bus, s.subID = nil, ""
	s.mu.Unlock()

	if bus != nil {
		bus.Unsubscribe(id)
	}
	s.wg.Wait()
}

// Close detaches and closes the Redis connection.
func (s *Store) Close() error {
	s.Detach()
	return s.client.Close()
}

// Stats returns store statistics
func (s *Store) Stats() Stats {
	return Stats{Saved: s.saved.Load(), Errors: s.errors.Load()}
}

func (s *Store) run(slot *stills.Slot) {
	defer s.wg.Done()

	for {
		still, ok := slot.Receive()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.Save(ctx, still)
		cancel()
		if err != nil {
			slog.Warn("redissnap: save failed", "error", err)
			continue
		}
		slog.Debug("redissnap: still saved", "id", still.ID, "bytes", len(still.JPEG))
	}
}

func metaFields(still stills.Still, ts time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":           still.ID,
		"seq":          still.Seq,
		"width":        still.Width,
		"height":       still.Height,
		"timestamp_ms": ts.UnixMilli(),
	}
}

func parseMeta(fields map[string]string) Meta {
	m := Meta{ID: fields["id"]}
	m.Seq, _ = strconv.ParseUint(fields["seq"], 10, 64)
	m.Width, _ = strconv.Atoi(fields["width"])
	m.Height, _ = strconv.Atoi(fields["height"])
	if ms, err := strconv.ParseInt(fields["timestamp_ms"], 10, 64); err == nil {
		m.Timestamp = time.UnixMilli(ms)
	}
	return m
}
