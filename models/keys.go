package models

import "strings"

const (
	scriptKeyPrefix   = "script:"
	onlineSetSuffix   = ":online"
	userKeySegment    = ":user:"
	ScriptRegistryKey = "scripts:registry"
	OnlineSetPattern  = scriptKeyPrefix + "*" + onlineSetSuffix
)

// RecordKey is where the presence blob for a user lives.
func RecordKey(scriptID, userID string) string {
	return scriptKeyPrefix + scriptID + userKeySegment + userID
}

// OnlineSetKey is the sorted set of userId -> last seen ms for a script.
func OnlineSetKey(scriptID string) string {
	return scriptKeyPrefix + scriptID + onlineSetSuffix
}

// ScriptIDFromOnlineSetKey parses "script:<id>:online". User record keys
// ending in ":online" have more segments and are rejected.
func ScriptIDFromOnlineSetKey(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0]+":" != scriptKeyPrefix || ":"+parts[2] != onlineSetSuffix || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
