package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"chorus/script-presence/config"
	"chorus/script-presence/metrics"
	"chorus/script-presence/models"
	"chorus/script-presence/utils"
)

// heartbeats between info level heartbeat logs
const heartbeatLogEvery = 10

// PresenceService tracks which users of a script are online. It holds no
// per-user state: every decision is made from the store and the clock, and
// every read or write prunes the touched online set.
type PresenceService struct {
	store   Store
	logger  *utils.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	started time.Time

	window            time.Duration
	activeThreshold   time.Duration
	heartbeatInterval time.Duration
	fleetDiscovery    string
	eventsChannel     string
}

func NewPresenceService(store Store, cfg *config.Config, logger *utils.Logger) *PresenceService {
	return &PresenceService{
		store:             store,
		logger:            logger,
		now:               time.Now,
		started:           time.Now(),
		window:            cfg.LivenessWindow,
		activeThreshold:   cfg.ActiveThreshold,
		heartbeatInterval: cfg.HeartbeatInterval,
		fleetDiscovery:    cfg.FleetDiscovery,
		eventsChannel:     cfg.EventsChannel,
	}
}

func (ps *PresenceService) SetMetrics(m *metrics.Metrics) {
	ps.metrics = m
}

// SetClock replaces the service clock and restarts the uptime count on it.
func (ps *PresenceService) SetClock(now func() time.Time) {
	ps.now = now
	ps.started = now()
}

// LivenessWindow is the W every path of this service uses.
func (ps *PresenceService) LivenessWindow() time.Duration {
	return ps.window
}

// Register starts (or replaces) the session for a user of a script.
func (ps *PresenceService) Register(ctx context.Context, scriptID, userID string, info models.UserInfo, clientIP string) (res *models.RegisterResult, err error) {
	defer func() { ps.metrics.ObserveOperation("register", err) }()

	scriptID, userID, err = sanitizeIdentity(scriptID, userID)
	if err != nil {
		return nil, err
	}

	now := ps.now()
	ts := now.UnixMilli()

	sessionID := info.SessionID()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	userInfo := make(models.UserInfo, len(info)+3)
	for k, v := range info {
		userInfo[k] = v
	}
	userInfo[models.UserInfoSessionID] = sessionID
	userInfo[models.UserInfoStartTime] = ts
	if clientIP != "" {
		userInfo[models.UserInfoIP] = clientIP
	} else if _, ok := userInfo[models.UserInfoIP]; !ok {
		userInfo[models.UserInfoIP] = "unknown"
	}

	record := models.PresenceRecord{
		UserID:         userID,
		ScriptID:       scriptID,
		SessionID:      sessionID,
		UserInfo:       userInfo,
		RegisteredAt:   ts,
		LastHeartbeat:  ts,
		HeartbeatCount: 1,
		UpdatedAt:      ts,
	}

	onlineCount, err := ps.touch(ctx, &record, now)
	if err != nil {
		return nil, err
	}

	ps.publish(ctx, models.EventRegistered, scriptID, userID, ts)
	ps.logger.Info("Registered", "script_id", scriptID, "user_id", userID, "online_count", onlineCount)

	return &models.RegisterResult{
		UserID:          userID,
		ScriptID:        scriptID,
		SessionID:       sessionID,
		OnlineCount:     onlineCount,
		TTLSeconds:      int64(ps.window / time.Second),
		NextHeartbeatIn: ps.heartbeatInterval.Milliseconds(),
		Timestamp:       ts,
	}, nil
}

// Heartbeat refreshes a live session. A missing record means the session
// expired; an unreadable one is deleted so it cannot block the identity.
func (ps *PresenceService) Heartbeat(ctx context.Context, scriptID, userID string) (res *models.HeartbeatResult, err error) {
	defer func() { ps.metrics.ObserveOperation("heartbeat", err) }()

	scriptID, userID, err = sanitizeIdentity(scriptID, userID)
	if err != nil {
		return nil, err
	}

	now := ps.now()
	ts := now.UnixMilli()

	record, err := ps.loadRecord(ctx, scriptID, userID)
	if err != nil {
		if errors.Is(err, ErrSessionCorrupted) {
			ps.discardCorrupted(ctx, scriptID, userID, ts)
		}
		return nil, err
	}

	record.HeartbeatCount++
	record.LastHeartbeat = ts
	record.UpdatedAt = ts

	onlineCount, err := ps.touch(ctx, record, now)
	if err != nil {
		return nil, err
	}

	if record.HeartbeatCount%heartbeatLogEvery == 0 {
		ps.logger.Info("Heartbeat", "script_id", scriptID, "user_id", userID, "heartbeat_count", record.HeartbeatCount, "online_count", onlineCount)
	} else {
		ps.logger.Debug("Heartbeat", "script_id", scriptID, "user_id", userID, "heartbeat_count", record.HeartbeatCount)
	}

	return &models.HeartbeatResult{
		UserID:          userID,
		ScriptID:        scriptID,
		OnlineCount:     onlineCount,
		HeartbeatCount:  record.HeartbeatCount,
		UptimeSeconds:   (ts - record.RegisteredAt) / 1000,
		NextHeartbeatIn: ps.heartbeatInterval.Milliseconds(),
		Timestamp:       ts,
	}, nil
}

// Unregister ends a session. With a sessionID it refuses to remove someone
// else's session; without a live record it is a no-op reporting removed=false.
func (ps *PresenceService) Unregister(ctx context.Context, scriptID, userID, sessionID string) (res *models.UnregisterResult, err error) {
	defer func() { ps.metrics.ObserveOperation("unregister", err) }()

	scriptID, userID, err = sanitizeIdentity(scriptID, userID)
	if err != nil {
		return nil, err
	}

	now := ps.now()
	ts := now.UnixMilli()

	if sessionID != "" {
		record, err := ps.loadRecord(ctx, scriptID, userID)
		switch {
		case err == nil:
			if record.SessionID != sessionID {
				ps.logger.Warn("Unregister rejected, session mismatch", "script_id", scriptID, "user_id", userID)
				return nil, ErrInvalidSession
			}
		case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionCorrupted):
			// nothing to authorize against
		default:
			return nil, err
		}
	}

	deleted, err := ps.store.Del(ctx, models.RecordKey(scriptID, userID))
	if err != nil {
		return nil, infraError(err)
	}
	if _, err := ps.store.ZRem(ctx, models.OnlineSetKey(scriptID), userID); err != nil {
		return nil, infraError(err)
	}

	onlineCount, err := ps.pruneAndCount(ctx, scriptID, now)
	if err != nil {
		return nil, err
	}
	ps.metrics.SetOnline(scriptID, onlineCount)

	removed := deleted > 0
	if removed {
		ps.publish(ctx, models.EventUnregistered, scriptID, userID, ts)
	}
	ps.logger.Info("Unregistered", "script_id", scriptID, "user_id", userID, "removed", removed, "online_count", onlineCount)

	return &models.UnregisterResult{
		UserID:      userID,
		ScriptID:    scriptID,
		Removed:     removed,
		OnlineCount: onlineCount,
		Timestamp:   ts,
	}, nil
}

// touch writes the record with a fresh expiry and scores the user with the
// same instant in one store transaction, pruning and counting the online set
// on the way. In registry mode the script's registry score moves to the same
// instant, so a script with a live session never stays out of the registry.
func (ps *PresenceService) touch(ctx context.Context, record *models.PresenceRecord, now time.Time) (int64, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal presence record: %w", err)
	}

	op := TouchOp{
		RecordKey: models.RecordKey(record.ScriptID, record.UserID),
		Record:    string(data),
		TTL:       ps.window,
		SetKey:    models.OnlineSetKey(record.ScriptID),
		Member:    record.UserID,
		Score:     float64(now.UnixMilli()),
		PruneMax:  ps.pruneBound(now),
	}
	if ps.fleetDiscovery == config.FleetDiscoveryRegistry {
		op.RegistryKey = models.ScriptRegistryKey
		op.RegistryMember = record.ScriptID
	}

	count, err := ps.store.Touch(ctx, op)
	if err != nil {
		return 0, infraError(err)
	}

	ps.metrics.SetOnline(record.ScriptID, count)
	return count, nil
}

// pruneBound is the inclusive upper score removed by a prune at now: every
// member with now - score >= W goes, leaving exactly now - score < W.
func (ps *PresenceService) pruneBound(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli()-ps.window.Milliseconds(), 10)
}

func (ps *PresenceService) prune(ctx context.Context, scriptID string, now time.Time) error {
	if _, err := ps.store.ZRemRangeByScore(ctx, models.OnlineSetKey(scriptID), "-inf", ps.pruneBound(now)); err != nil {
		return infraError(err)
	}
	return nil
}

func (ps *PresenceService) pruneAndCount(ctx context.Context, scriptID string, now time.Time) (int64, error) {
	if err := ps.prune(ctx, scriptID, now); err != nil {
		return 0, err
	}

	count, err := ps.store.ZCard(ctx, models.OnlineSetKey(scriptID))
	if err != nil {
		return 0, infraError(err)
	}
	return count, nil
}

// loadRecord returns ErrSessionExpired when the blob is gone and
// ErrSessionCorrupted when it cannot be decoded.
func (ps *PresenceService) loadRecord(ctx context.Context, scriptID, userID string) (*models.PresenceRecord, error) {
	data, err := ps.store.Get(ctx, models.RecordKey(scriptID, userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, infraError(err)
	}

	record, err := decodeRecord(data)
	if err != nil {
		return nil, &Error{
			Code:    CodeSessionCorrupted,
			Message: ErrSessionCorrupted.Message,
			Action:  ErrSessionCorrupted.Action,
			Err:     err,
		}
	}
	return record, nil
}

func decodeRecord(data string) (*models.PresenceRecord, error) {
	var record models.PresenceRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	if record.RegisteredAt <= 0 {
		return nil, errors.New("record has no registration time")
	}
	return &record, nil
}

func (ps *PresenceService) discardCorrupted(ctx context.Context, scriptID, userID string, ts int64) {
	ps.logger.Warn("Discarding corrupted session", "script_id", scriptID, "user_id", userID)

	if _, err := ps.store.Del(ctx, models.RecordKey(scriptID, userID)); err != nil {
		ps.logger.Error("Failed to delete corrupted record", "script_id", scriptID, "user_id", userID, "error", err)
	}
	if _, err := ps.store.ZRem(ctx, models.OnlineSetKey(scriptID), userID); err != nil {
		ps.logger.Error("Failed to remove corrupted member", "script_id", scriptID, "user_id", userID, "error", err)
	}

	ps.publish(ctx, models.EventCorrupted, scriptID, userID, ts)
}

// publish is best effort; presence never fails because nobody is listening.
func (ps *PresenceService) publish(ctx context.Context, eventType, scriptID, userID string, ts int64) {
	if ps.eventsChannel == "" {
		return
	}

	data, err := json.Marshal(models.PresenceEvent{
		Type:      eventType,
		ScriptID:  scriptID,
		UserID:    userID,
		Timestamp: ts,
	})
	if err != nil {
		ps.logger.Error("Failed to marshal presence event", "error", err)
		return
	}

	if err := ps.store.Publish(ctx, ps.eventsChannel, string(data)); err != nil {
		ps.logger.Warn("Failed to publish presence event", "type", eventType, "error", err)
	}
}
