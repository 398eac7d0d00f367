// Package redis implements jobstore.Store on Redis. Each job is a Hash, its
// execution log a List, and two Sorted Sets scored by creation time index all
// jobs and unfinished jobs. Every state transition that must be atomic (create,
// claim, append, release) is a Lua script.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/jobflow/internal/jobstore"
)

var _ jobstore.Store = (*Store)(nil)

const defaultPrefix = "jobflow:"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix namespaces every key. Defaults to "jobflow:".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements jobstore.Store backed by Redis. It owns the client and
// closes it on Close.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
	prefix string
}

// New creates a Redis-backed store.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

// ── keys ──

// jobKey is the Hash of a job: {prefix}job:{id}
func (s *Store) jobKey(id string) string { return s.prefix + "job:" + id }

// logKey is the List holding a job's log entries: {prefix}job:{id}:log
func (s *Store) logKey(id string) string { return s.prefix + "job:" + id + ":log" }

// allKey is the Sorted Set of every job id scored by creation time.
func (s *Store) allKey() string { return s.prefix + "jobs" }

// openKey is the Sorted Set of jobs that are neither completed nor errored.
func (s *Store) openKey() string { return s.prefix + "jobs:open" }
