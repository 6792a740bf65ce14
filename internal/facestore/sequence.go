package facestore

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Sequencer hands out per-identity sample numbers. Next returns a number
// strictly greater than floor and greater than every number it returned
// before for the same identity.
type Sequencer interface {
	Next(ctx context.Context, identity string, floor int64) (int64, error)
}

// LocalSequencer keeps counters in process memory. It serializes writers in
// a single instance only.
type LocalSequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewLocalSequencer constructs an empty in-process sequencer.
func NewLocalSequencer() *LocalSequencer {
	return &LocalSequencer{counters: make(map[string]int64)}
}

// Next implements Sequencer.
func (s *LocalSequencer) Next(_ context.Context, identity string, floor int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.counters[identity]
	if current < floor {
		current = floor
	}
	current++
	s.counters[identity] = current
	return current, nil
}

// The counter is raised to the on-disk floor before incrementing so that a
// flushed or stale key never hands out a number already in use.
var nextSequenceScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if current < floor then
  current = floor
end
current = current + 1
redis.call("SET", KEYS[1], current)
return current
`)

// RedisSequencer keeps durable counters in Redis, shared by every instance
// writing to the same database root.
type RedisSequencer struct {
	client redis.Scripter
	prefix string
}

// NewRedisSequencer constructs a sequencer storing counters under prefix.
func NewRedisSequencer(client redis.Scripter, prefix string) *RedisSequencer {
	if prefix == "" {
		prefix = "faces:seq:"
	}
	return &RedisSequencer{client: client, prefix: prefix}
}

// Next implements Sequencer.
func (s *RedisSequencer) Next(ctx context.Context, identity string, floor int64) (int64, error) {
	return nextSequenceScript.Run(ctx, s.client, []string{s.prefix + identity}, floor).Int64()
}
