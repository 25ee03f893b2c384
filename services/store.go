package services

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get and Store.TTL when the key does not exist.
var ErrNotFound = errors.New("key not found")

// ScoredMember is one sorted set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// TouchOp writes a presence record and its online set score together, drops
// the set members scored at or below PruneMax and counts what is left.
type TouchOp struct {
	RecordKey string
	Record    string
	TTL       time.Duration

	SetKey   string
	Member   string
	Score    float64
	PruneMax string

	// RegistryKey, when set, also scores RegistryMember with Score.
	RegistryKey    string
	RegistryMember string
}

// Store is the key-value contract the presence engine runs on: string blobs
// with expiry plus sorted sets scored by unix milliseconds. Every call is a
// remote round trip and may fail.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) (int64, error)
	// TTL returns the remaining lifetime of key, or a negative duration if
	// the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key, member string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	// ZRemRangeByScore takes Redis score bounds ("-inf", "(123", "456").
	ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)

	// Touch applies op in a single transaction and returns the set size.
	Touch(ctx context.Context, op TouchOp) (int64, error)

	// Scan returns every key matching pattern, without duplicates.
	Scan(ctx context.Context, pattern string) ([]string, error)
	Publish(ctx context.Context, channel, message string) error

	// Info returns the raw INFO text for section.
	Info(ctx context.Context, section string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}
