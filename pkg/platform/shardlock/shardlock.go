// Package shardlock provides a fixed table of mutexes selected by key hash.
//
// Instead of a single global lock, critical sections for different keys are spread
// across N shards, so unrelated keys rarely contend while the same key always maps to
// the same mutex.
package shardlock

import (
	"context"
	"sync"
	"time"

	dErrors "halalledger/pkg/domain-errors"
)

// DefaultShards matches the shard count used by the ledger processor.
const DefaultShards = 128

// DefaultTimeout bounds a critical section when the caller set no deadline.
const DefaultTimeout = 5 * time.Second

// Table is a sharded mutex table. The zero value is not usable; call New.
type Table struct {
	shards  []sync.Mutex
	timeout time.Duration
}

// New creates a table with n shards. n <= 0 selects DefaultShards.
func New(n int, timeout time.Duration) *Table {
	if n <= 0 {
		n = DefaultShards
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{shards: make([]sync.Mutex, n), timeout: timeout}
}

// Run executes fn while holding the shard for key.
// Cancellation is checked before and after acquiring the lock; fn receives a context
// bounded by the table timeout when the caller did not set one.
func (t *Table) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "aborted: context cancelled")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	mu := &t.shards[t.Index(key)]
	mu.Lock()
	defer mu.Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "aborted: context cancelled")
	}

	return fn(ctx)
}

// Index returns the shard for key.
func (t *Table) Index(key string) int {
	return int(Hash(key) % uint32(len(t.shards)))
}

// Hash is 32-bit FNV-1a.
func Hash(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
