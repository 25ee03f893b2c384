package services

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/script-presence/config"
	"chorus/script-presence/models"
)

func (f *fixture) record(scriptID, userID string) models.PresenceRecord {
	f.t.Helper()

	data, err := f.mr.Get(models.RecordKey(scriptID, userID))
	require.NoError(f.t, err)

	var rec models.PresenceRecord
	require.NoError(f.t, json.Unmarshal([]byte(data), &rec))
	return rec
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now().UnixMilli()

	res, err := f.svc.Register(f.ctx, "s1", "u1", models.UserInfo{"name": "Alice", "version": "1.2"}, "10.0.0.1")
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, int64(1), res.OnlineCount)
	assert.Equal(t, int64(90), res.TTLSeconds)
	assert.Equal(t, int64(30000), res.NextHeartbeatIn)

	rec := f.record("s1", "u1")
	assert.Equal(t, res.SessionID, rec.SessionID)
	assert.Equal(t, int64(1), rec.HeartbeatCount)
	assert.Equal(t, start, rec.RegisteredAt)
	assert.Equal(t, start, rec.LastHeartbeat)
	assert.Equal(t, "Alice", rec.UserInfo["name"])
	assert.Equal(t, "10.0.0.1", rec.UserInfo["ip"])
	assert.Equal(t, res.SessionID, rec.UserInfo["sessionId"])
	assert.EqualValues(t, start, rec.UserInfo["startTime"])

	assert.Equal(t, 90*time.Second, f.mr.TTL(models.RecordKey("s1", "u1")))

	score, err := f.mr.ZScore(models.OnlineSetKey("s1"), "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(start), score)

	registered, err := f.mr.ZMembers(models.ScriptRegistryKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, registered)
}

func TestWritesAreOneStoreTransaction(t *testing.T) {
	f := newFixture(t)
	counter := newCallCounter(f.store)
	f.svc.store = counter

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)
	_, err = f.svc.Heartbeat(f.ctx, "s1", "u1")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"Touch": 2}, counter.calls)
}

func TestRegister_UsesSuppliedSessionID(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Register(f.ctx, "s1", "u1", models.UserInfo{"sessionId": "client-chosen"}, "")
	require.NoError(t, err)

	assert.Equal(t, "client-chosen", res.SessionID)
	assert.Equal(t, "unknown", f.record("s1", "u1").UserInfo["ip"])
}

func TestRegister_CallerCannotOverrideStartTime(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(f.ctx, "s1", "u1", models.UserInfo{"startTime": 1}, "")
	require.NoError(t, err)

	assert.EqualValues(t, f.clock.Now().UnixMilli(), f.record("s1", "u1").UserInfo["startTime"])
}

func TestRegister_TwiceReplacesSession(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	f.advance(5 * time.Second)

	second, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, int64(1), second.OnlineCount)
	assert.Equal(t, []string{"u1"}, f.members("s1"))

	rec := f.record("s1", "u1")
	assert.Equal(t, second.SessionID, rec.SessionID)
	assert.Equal(t, f.clock.Now().UnixMilli(), rec.RegisteredAt)
	assert.Equal(t, int64(1), rec.HeartbeatCount)
}

func TestRegister_SanitizesIdentity(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Register(f.ctx, "my script!:v2", "  bob  ", nil, "")
	require.NoError(t, err)

	assert.Equal(t, "myscriptv2", res.ScriptID)
	assert.Equal(t, "bob", res.UserID)
	assert.True(t, f.mr.Exists("script:myscriptv2:user:bob"))
}

func TestValidationHappensBeforeStoreAccess(t *testing.T) {
	f := newFixture(t)
	f.mr.SetError("store must not be touched")

	_, err := f.svc.Register(f.ctx, "!!!", "u1", nil, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Heartbeat(f.ctx, "s1", "   ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Unregister(f.ctx, "", "u1", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.GetStatus(f.ctx, "%%", true)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStoreFailureIsInfrastructureError(t *testing.T) {
	f := newFixture(t)
	f.mr.SetError("ERR store unavailable")

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.False(t, errors.Is(err, ErrSessionExpired))

	_, err = f.svc.Heartbeat(f.ctx, "s1", "u1")
	assert.ErrorIs(t, err, ErrInfrastructure)

	_, err = f.svc.GetFleetSummary(f.ctx)
	assert.ErrorIs(t, err, ErrInfrastructure)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now().UnixMilli()

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	for i := 2; i <= 5; i++ {
		f.advance(30 * time.Second)

		res, err := f.svc.Heartbeat(f.ctx, "s1", "u1")
		require.NoError(t, err)

		assert.Equal(t, int64(i), res.HeartbeatCount)
		assert.Equal(t, int64(1), res.OnlineCount)
		assert.Equal(t, int64(30*(i-1)), res.UptimeSeconds)
	}

	rec := f.record("s1", "u1")
	assert.Equal(t, start, rec.RegisteredAt)
	assert.EqualValues(t, start, rec.UserInfo["startTime"])
	assert.Equal(t, f.clock.Now().UnixMilli(), rec.LastHeartbeat)
	assert.Equal(t, 90*time.Second, f.mr.TTL(models.RecordKey("s1", "u1")))

	score, err := f.mr.ZScore(models.OnlineSetKey("s1"), "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(f.clock.Now().UnixMilli()), score)
}

func TestHeartbeat_KeepsSessionAlivePastWindow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	// 10 heartbeats 60s apart span well beyond one 90s window.
	for i := 0; i < 10; i++ {
		f.advance(60 * time.Second)
		_, err := f.svc.Heartbeat(f.ctx, "s1", "u1")
		require.NoError(t, err)
	}

	count, err := f.svc.GetOnlineCount(f.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestHeartbeat_Expired(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Heartbeat(f.ctx, "s1", "never-registered")
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	f.advance(91 * time.Second)

	_, err = f.svc.Heartbeat(f.ctx, "s1", "u1")
	require.ErrorIs(t, err, ErrSessionExpired)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ActionReRegister, perr.Action)
}

func TestHeartbeat_Corrupted(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)
	_, err = f.svc.Register(f.ctx, "s1", "u2", nil, "")
	require.NoError(t, err)

	require.NoError(t, f.mr.Set(models.RecordKey("s1", "u1"), "{not json"))

	_, err = f.svc.Heartbeat(f.ctx, "s1", "u1")
	require.ErrorIs(t, err, ErrSessionCorrupted)

	assert.False(t, f.mr.Exists(models.RecordKey("s1", "u1")))
	assert.Equal(t, []string{"u2"}, f.members("s1"))

	// The identity is usable again after re-registering.
	_, err = f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)
	res, err := f.svc.Heartbeat(f.ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.HeartbeatCount)
}

func TestHeartbeat_RecordWithoutRegistrationTimeIsCorrupted(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mr.Set(models.RecordKey("s1", "u1"), "null"))

	_, err := f.svc.Heartbeat(f.ctx, "s1", "u1")
	assert.ErrorIs(t, err, ErrSessionCorrupted)
	assert.False(t, f.mr.Exists(models.RecordKey("s1", "u1")))
}

func TestHeartbeat_HealsMissingSetMembership(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	// Simulate a register whose ZADD never landed.
	f.mr.ZRem(models.OnlineSetKey("s1"), "u1")

	res, err := f.svc.Heartbeat(f.ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.OnlineCount)
}

func TestUnregister(t *testing.T) {
	f := newFixture(t)

	reg, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)
	_, err = f.svc.Register(f.ctx, "s1", "u2", nil, "")
	require.NoError(t, err)

	res, err := f.svc.Unregister(f.ctx, "s1", "u1", reg.SessionID)
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Equal(t, int64(1), res.OnlineCount)

	status, err := f.svc.GetStatus(f.ctx, "s1", true)
	require.NoError(t, err)
	for _, u := range status.Users {
		assert.NotEqual(t, "u1", u.UserID)
	}

	again, err := f.svc.Unregister(f.ctx, "s1", "u1", reg.SessionID)
	require.NoError(t, err)
	assert.False(t, again.Removed)
	assert.Equal(t, int64(1), again.OnlineCount)
}

func TestUnregister_WithoutSessionID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	res, err := f.svc.Unregister(f.ctx, "s1", "u1", "")
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Equal(t, int64(0), res.OnlineCount)
}

func TestUnregister_WrongSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	_, err = f.svc.Unregister(f.ctx, "s1", "u1", "not-the-session")
	require.ErrorIs(t, err, ErrInvalidSession)

	assert.True(t, f.mr.Exists(models.RecordKey("s1", "u1")))
	assert.Equal(t, []string{"u1"}, f.members("s1"))

	res, err := f.svc.Heartbeat(f.ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.HeartbeatCount)
}

func TestUnregister_AfterExpiry(t *testing.T) {
	f := newFixture(t)

	reg, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	f.advance(2 * time.Minute)

	res, err := f.svc.Unregister(f.ctx, "s1", "u1", reg.SessionID)
	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.Equal(t, int64(0), res.OnlineCount)
}

func TestUnregister_CorruptedRecordIgnoresSessionCheck(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)
	require.NoError(t, f.mr.Set(models.RecordKey("s1", "u1"), "garbage"))

	res, err := f.svc.Unregister(f.ctx, "s1", "u1", "whatever")
	require.NoError(t, err)
	assert.True(t, res.Removed)
}

func TestPresenceEvents(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.EventsChannel = "presence:events" })
	rec := &publishRecorder{Store: f.store}
	f.svc.store = rec

	reg, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)
	_, err = f.svc.Unregister(f.ctx, "s1", "u1", reg.SessionID)
	require.NoError(t, err)
	// no-op unregister publishes nothing
	_, err = f.svc.Unregister(f.ctx, "s1", "u1", "")
	require.NoError(t, err)

	require.Len(t, rec.messages, 2)
	assert.Equal(t, []string{"presence:events", "presence:events"}, rec.channels)

	var ev models.PresenceEvent
	require.NoError(t, json.Unmarshal([]byte(rec.messages[0]), &ev))
	assert.Equal(t, models.EventRegistered, ev.Type)
	assert.Equal(t, "s1", ev.ScriptID)
	assert.Equal(t, "u1", ev.UserID)

	require.NoError(t, json.Unmarshal([]byte(rec.messages[1]), &ev))
	assert.Equal(t, models.EventUnregistered, ev.Type)
}

func TestPresenceEvents_DisabledByDefault(t *testing.T) {
	f := newFixture(t)
	rec := &publishRecorder{Store: f.store}
	f.svc.store = rec

	_, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)

	assert.Empty(t, rec.messages)
}

// Register at t=0, heartbeat at t=30, silence until t=130.
func TestScenario_RegisterHeartbeatExpire(t *testing.T) {
	f := newFixture(t)

	reg, err := f.svc.Register(f.ctx, "s1", "u1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), reg.OnlineCount)
	assert.Equal(t, int64(1), f.record("s1", "u1").HeartbeatCount)

	f.advance(30 * time.Second)

	hb, err := f.svc.Heartbeat(f.ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), hb.HeartbeatCount)
	assert.Equal(t, int64(1), hb.OnlineCount)
	assert.Equal(t, int64(30), hb.UptimeSeconds)

	f.advance(100 * time.Second)

	status, err := f.svc.GetStatus(f.ctx, "s1", true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.OnlineCount)
	assert.Empty(t, status.Users)

	_, err = f.svc.Heartbeat(f.ctx, "s1", "u1")
	assert.ErrorIs(t, err, ErrSessionExpired)
}
