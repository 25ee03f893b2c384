package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chorus/script-presence/config"
	"chorus/script-presence/utils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	mr    *miniredis.Miniredis
	store *RedisStore
	clock *fakeClock
	svc   *PresenceService
}

func testConfig() *config.Config {
	return &config.Config{
		StoreDriver:       config.StoreDriverRedis,
		LivenessWindow:    90 * time.Second,
		ActiveThreshold:   30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		StoreTimeout:      5 * time.Second,
		FleetDiscovery:    config.FleetDiscoveryRegistry,
	}
}

func newMiniredisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := NewRedisStore(client)
	t.Cleanup(func() { _ = store.Close() })

	return mr, store
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	mr, store := newMiniredisStore(t)
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}

	svc := NewPresenceService(store, cfg, utils.NewNopLogger())
	svc.SetClock(clock.Now)

	return &fixture{
		t:     t,
		ctx:   context.Background(),
		mr:    mr,
		store: store,
		clock: clock,
		svc:   svc,
	}
}

// advance moves the service clock and the store's expiry clock together.
func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.mr.FastForward(d)
}

func (f *fixture) members(scriptID string) []string {
	f.t.Helper()

	members, err := f.mr.ZMembers("script:" + scriptID + ":online")
	if err != nil {
		return nil
	}
	return members
}

// publishRecorder wraps a store and captures published messages.
type publishRecorder struct {
	Store
	mu       sync.Mutex
	channels []string
	messages []string
}

func (p *publishRecorder) Publish(_ context.Context, channel, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.messages = append(p.messages, message)
	return nil
}

// failingGetStore fails every Get as a broken connection would.
type failingGetStore struct {
	Store
	err error
}

func (s *failingGetStore) Get(context.Context, string) (string, error) {
	return "", s.err
}

// zremHookStore runs before once, just ahead of the first ZRem.
type zremHookStore struct {
	Store
	once   sync.Once
	before func()
}

func (s *zremHookStore) ZRem(ctx context.Context, key, member string) (int64, error) {
	s.once.Do(s.before)
	return s.Store.ZRem(ctx, key, member)
}

// infoStore answers INFO with a canned reply or error.
type infoStore struct {
	Store
	info string
	err  error
}

func (s *infoStore) Info(context.Context, string) (string, error) {
	return s.info, s.err
}

// callCounter counts the write path calls that reach the store.
type callCounter struct {
	Store
	mu    sync.Mutex
	calls map[string]int
}

func newCallCounter(store Store) *callCounter {
	return &callCounter{Store: store, calls: make(map[string]int)}
}

func (c *callCounter) count(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
}

func (c *callCounter) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	c.count("SetEx")
	return c.Store.SetEx(ctx, key, value, ttl)
}

func (c *callCounter) ZAdd(ctx context.Context, key, member string, score float64) error {
	c.count("ZAdd")
	return c.Store.ZAdd(ctx, key, member, score)
}

func (c *callCounter) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	c.count("ZRemRangeByScore")
	return c.Store.ZRemRangeByScore(ctx, key, min, max)
}

func (c *callCounter) ZCard(ctx context.Context, key string) (int64, error) {
	c.count("ZCard")
	return c.Store.ZCard(ctx, key)
}

func (c *callCounter) Touch(ctx context.Context, op TouchOp) (int64, error) {
	c.count("Touch")
	return c.Store.Touch(ctx, op)
}
