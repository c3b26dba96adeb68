// Package cache implements the three storage tiers used by the offline data
// layer and the Manager that routes every key through them.
//
// Tier-1 is a process-lifetime memory store, Tier-2 is a small durable key
// store and Tier-3 is a larger structured object store with population-bound
// eviction. Every entry carries its own TTL; an expired entry is never
// returned from a read path.
package cache

import (
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by storage backends when a key does not exist.
// Manager never surfaces it: a miss and a failed read look the same to callers.
var ErrNotFound = errors.New("cache: key not found")

// Tier identifies the storage layer that owns a key's data class.
type Tier uint8

const (
	// TierMemory keeps the value for the lifetime of the process only.
	TierMemory Tier = iota
	// TierKey is the durable store for small values such as flags and timestamps.
	TierKey
	// TierObject is the durable structured store for bulk data and snapshots.
	TierObject
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierKey:
		return "key"
	case TierObject:
		return "object"
	default:
		return "unknown"
	}
}

// Entry is a cached value together with its storage metadata.
type Entry[T any] struct {
	Data     T             `json:"data"`
	StoredAt time.Time     `json:"storedAt"`
	TTL      time.Duration `json:"ttl"`
	Type     string        `json:"type"`
}

// Live reports whether the entry is still within its TTL at now.
func (e Entry[T]) Live(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// ExpiresAt returns the first instant at which the entry is no longer live.
func (e Entry[T]) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Record is the serialized form of an entry held by a durable tier.
type Record struct {
	Key          string
	Type         string
	Data         []byte
	StoredAt     time.Time
	TTL          time.Duration
	LastAccessed time.Time
}

// Live reports whether the record is still within its TTL at now.
func (r Record) Live(now time.Time) bool {
	return now.Sub(r.StoredAt) < r.TTL
}
