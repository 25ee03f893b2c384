package services

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"chorus/script-presence/config"
	"chorus/script-presence/models"
)

const (
	detailFetchConcurrency = 16
	fleetScanConcurrency   = 8
)

// GetOnlineCount prunes the script's online set and returns its size.
func (ps *PresenceService) GetOnlineCount(ctx context.Context, scriptID string) (int64, error) {
	scriptID, err := SanitizeScriptID(scriptID)
	if err != nil {
		return 0, err
	}
	return ps.pruneAndCount(ctx, scriptID, ps.now())
}

// GetDetailedPresence lists the online users of a script, ordered by last
// seen ascending. Members whose record is missing or unreadable are skipped;
// any other store failure fails the whole read.
func (ps *PresenceService) GetDetailedPresence(ctx context.Context, scriptID string) ([]models.UserSnapshot, error) {
	scriptID, err := SanitizeScriptID(scriptID)
	if err != nil {
		return nil, err
	}
	return ps.detailedPresence(ctx, scriptID, ps.now())
}

// GetStatus returns the online count and, if detailed, the user list. A
// detailed count is the length of the list read in the same call.
func (ps *PresenceService) GetStatus(ctx context.Context, scriptID string, detailed bool) (res *models.StatusResult, err error) {
	defer func() { ps.metrics.ObserveOperation("status", err) }()

	scriptID, err = SanitizeScriptID(scriptID)
	if err != nil {
		return nil, err
	}

	now := ps.now()
	res = &models.StatusResult{
		ScriptID:              scriptID,
		LivenessWindowSeconds: int64(ps.window / time.Second),
		Memory:                ps.memoryInfo(ctx),
		UptimeSeconds:         int64(now.Sub(ps.started) / time.Second),
		Timestamp:             now.UnixMilli(),
	}

	if !detailed {
		res.OnlineCount, err = ps.pruneAndCount(ctx, scriptID, now)
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	users, err := ps.detailedPresence(ctx, scriptID, now)
	if err != nil {
		return nil, err
	}
	res.Users = users
	res.OnlineCount = int64(len(users))

	return res, nil
}

// memoryInfo is best effort: hosted stores often refuse INFO.
func (ps *PresenceService) memoryInfo(ctx context.Context) *models.MemoryInfo {
	info, err := ps.store.Info(ctx, "memory")
	if err != nil {
		ps.logger.Debug("Store memory info unavailable", "error", err)
		return nil
	}
	return parseMemoryInfo(info)
}

func parseMemoryInfo(info string) *models.MemoryInfo {
	for _, line := range strings.Split(info, "\n") {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:")
		if !ok {
			continue
		}
		used, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil
		}
		return &models.MemoryInfo{
			UsedMemory:   used,
			UsedMemoryMB: strconv.FormatFloat(float64(used)/1024/1024, 'f', 2, 64),
		}
	}
	return nil
}

func (ps *PresenceService) detailedPresence(ctx context.Context, scriptID string, now time.Time) ([]models.UserSnapshot, error) {
	if err := ps.prune(ctx, scriptID, now); err != nil {
		return nil, err
	}

	members, err := ps.store.ZRangeWithScores(ctx, models.OnlineSetKey(scriptID), 0, -1)
	if err != nil {
		return nil, infraError(err)
	}

	ts := now.UnixMilli()
	windowMs := ps.window.Milliseconds()

	snapshots := make([]*models.UserSnapshot, len(members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailFetchConcurrency)

	for i, member := range members {
		i, member := i, member

		// A concurrent write may have landed between prune and range.
		if ts-int64(member.Score) >= windowMs {
			continue
		}

		g.Go(func() error {
			snap, err := ps.snapshot(gctx, scriptID, member, ts)
			if err != nil {
				return err
			}
			snapshots[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	users := make([]models.UserSnapshot, 0, len(members))
	for _, s := range snapshots {
		if s != nil {
			users = append(users, *s)
		}
	}

	return users, nil
}

// snapshot returns nil for a member whose record is gone or unreadable.
func (ps *PresenceService) snapshot(ctx context.Context, scriptID string, member ScoredMember, ts int64) (*models.UserSnapshot, error) {
	key := models.RecordKey(scriptID, member.Member)

	data, err := ps.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, infraError(err)
	}

	record, err := decodeRecord(data)
	if err != nil {
		ps.logger.Debug("Skipping unreadable presence record", "script_id", scriptID, "user_id", member.Member, "error", err)
		return nil, nil
	}

	lastActive := record.LastHeartbeat
	if lastActive <= 0 {
		lastActive = int64(member.Score)
	}

	status := models.StatusIdle
	if ts-lastActive < ps.activeThreshold.Milliseconds() {
		status = models.StatusActive
	}

	ttlSeconds := int64(-1)
	ttl, err := ps.store.TTL(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		// expired between the two reads
		return nil, nil
	case err != nil:
		return nil, infraError(err)
	case ttl >= 0:
		ttlSeconds = int64(ttl / time.Second)
	}

	info := make(models.UserInfo, len(record.UserInfo))
	for k, v := range record.UserInfo {
		if k == models.UserInfoSessionID {
			continue
		}
		info[k] = v
	}

	return &models.UserSnapshot{
		UserID:         member.Member,
		UserInfo:       info,
		RegisteredAt:   record.RegisteredAt,
		LastHeartbeat:  record.LastHeartbeat,
		HeartbeatCount: record.HeartbeatCount,
		LastActive:     lastActive,
		SecondsAgo:     (ts - lastActive) / 1000,
		TTLSeconds:     ttlSeconds,
		Status:         status,
	}, nil
}

type knownScript struct {
	id           string
	registeredAt int64
}

// GetFleetSummary prunes and counts every known script. It touches one online
// set per script and is meant for admin dashboards, not hot paths.
func (ps *PresenceService) GetFleetSummary(ctx context.Context) (res *models.FleetSummary, err error) {
	defer func() { ps.metrics.ObserveOperation("fleet_summary", err) }()

	now := ps.now()
	ts := now.UnixMilli()

	scripts, err := ps.knownScripts(ctx)
	if err != nil {
		return nil, err
	}

	counts := make([]int64, len(scripts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fleetScanConcurrency)

	for i, script := range scripts {
		i, script := i, script

		g.Go(func() error {
			count, err := ps.pruneAndCount(gctx, script.id, now)
			if err != nil {
				return err
			}
			counts[i] = count

			if count == 0 && script.registeredAt > 0 && ts-script.registeredAt >= ps.window.Milliseconds() {
				if _, err := ps.store.ZRem(gctx, models.ScriptRegistryKey, script.id); err != nil {
					ps.logger.Warn("Failed to trim script registry", "script_id", script.id, "error", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res = &models.FleetSummary{
		PerScript: make([]models.ScriptCount, 0, len(scripts)),
		Timestamp: ts,
	}
	for i, script := range scripts {
		if counts[i] == 0 {
			continue
		}
		res.TotalUsers += counts[i]
		res.PerScript = append(res.PerScript, models.ScriptCount{ScriptID: script.id, OnlineCount: counts[i]})
	}

	sort.Slice(res.PerScript, func(i, j int) bool {
		return res.PerScript[i].ScriptID < res.PerScript[j].ScriptID
	})

	return res, nil
}

// trimRegistry drops a quiet script from the registry. A session that started
// after the count was taken is seen by the re-check, which puts the script
// back and returns its count.
func (ps *PresenceService) trimRegistry(ctx context.Context, scriptID string, now time.Time) int64 {
	if _, err := ps.store.ZRem(ctx, models.ScriptRegistryKey, scriptID); err != nil {
		ps.logger.Warn("Failed to trim script registry", "script_id", scriptID, "error", err)
		return 0
	}

	count, err := ps.store.ZCard(ctx, models.OnlineSetKey(scriptID))
	if err != nil {
		ps.logger.Warn("Failed to re-check trimmed script", "script_id", scriptID, "error", err)
		return 0
	}
	if count == 0 {
		return 0
	}

	if err := ps.store.ZAdd(ctx, models.ScriptRegistryKey, scriptID, float64(now.UnixMilli())); err != nil {
		ps.logger.Warn("Failed to restore script registry entry", "script_id", scriptID, "error", err)
	}
	return count
}

func (ps *PresenceService) knownScripts(ctx context.Context) ([]knownScript, error) {
	if ps.fleetDiscovery == config.FleetDiscoveryScan {
		keys, err := ps.store.Scan(ctx, models.OnlineSetPattern)
		if err != nil {
			return nil, infraError(err)
		}

		scripts := make([]knownScript, 0, len(keys))
		for _, key := range keys {
			id, ok := models.ScriptIDFromOnlineSetKey(key)
			if !ok {
				continue
			}
			if clean, err := SanitizeScriptID(id); err != nil || clean != id {
				continue
			}
			scripts = append(scripts, knownScript{id: id})
		}
		return scripts, nil
	}

	members, err := ps.store.ZRangeWithScores(ctx, models.ScriptRegistryKey, 0, -1)
	if err != nil {
		return nil, infraError(err)
	}

	scripts := make([]knownScript, 0, len(members))
	for _, m := range members {
		scripts = append(scripts, knownScript{id: m.Member, registeredAt: int64(m.Score)})
	}
	return scripts, nil
}
