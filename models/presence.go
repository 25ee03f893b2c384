package models

const (
	StatusActive = "active"
	StatusIdle   = "idle"
)

// UserInfo is the caller-supplied attribute bag stored with a session.
// The keys below are owned by the service and overwrite caller values.
type UserInfo map[string]interface{}

const (
	UserInfoSessionID = "sessionId"
	UserInfoStartTime = "startTime"
	UserInfoIP        = "ip"
)

// SessionID returns the caller-supplied session id, if any.
func (u UserInfo) SessionID() string {
	if u == nil {
		return ""
	}
	s, _ := u[UserInfoSessionID].(string)
	return s
}

// PresenceRecord is the per (script, user) session blob. Timestamps are unix milliseconds.
type PresenceRecord struct {
	UserID         string   `json:"userId"`
	ScriptID       string   `json:"scriptId"`
	SessionID      string   `json:"sessionId"`
	UserInfo       UserInfo `json:"userInfo"`
	RegisteredAt   int64    `json:"registeredAt"`
	LastHeartbeat  int64    `json:"lastHeartbeat"`
	HeartbeatCount int64    `json:"heartbeatCount"`
	UpdatedAt      int64    `json:"updatedAt,omitempty"`
}

// UserSnapshot is one online user as seen by the detailed status read.
type UserSnapshot struct {
	UserID         string   `json:"userId"`
	UserInfo       UserInfo `json:"userInfo,omitempty"`
	RegisteredAt   int64    `json:"registeredAt"`
	LastHeartbeat  int64    `json:"lastHeartbeat"`
	HeartbeatCount int64    `json:"heartbeatCount"`
	LastActive     int64    `json:"lastActive"`
	SecondsAgo     int64    `json:"secondsAgo"`
	TTLSeconds     int64    `json:"ttlSeconds"`
	Status         string   `json:"status"`
}

type ScriptCount struct {
	ScriptID    string `json:"scriptId"`
	OnlineCount int64  `json:"onlineCount"`
}

type RegisterRequest struct {
	UserID   string   `json:"userId"`
	ScriptID string   `json:"scriptId"`
	UserInfo UserInfo `json:"userInfo,omitempty"`
}

type HeartbeatRequest struct {
	UserID   string `json:"userId"`
	ScriptID string `json:"scriptId"`
}

type UnregisterRequest struct {
	UserID    string `json:"userId"`
	ScriptID  string `json:"scriptId"`
	SessionID string `json:"sessionId,omitempty"`
}

type RegisterResult struct {
	UserID          string `json:"userId"`
	ScriptID        string `json:"scriptId"`
	SessionID       string `json:"sessionId"`
	OnlineCount     int64  `json:"onlineCount"`
	TTLSeconds      int64  `json:"ttlSeconds"`
	NextHeartbeatIn int64  `json:"nextHeartbeatIn"`
	Timestamp       int64  `json:"timestamp"`
}

type HeartbeatResult struct {
	UserID          string `json:"userId"`
	ScriptID        string `json:"scriptId"`
	OnlineCount     int64  `json:"onlineCount"`
	HeartbeatCount  int64  `json:"heartbeatCount"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	NextHeartbeatIn int64  `json:"nextHeartbeatIn"`
	Timestamp       int64  `json:"timestamp"`
}

type UnregisterResult struct {
	UserID      string `json:"userId"`
	ScriptID    string `json:"scriptId"`
	Removed     bool   `json:"removed"`
	OnlineCount int64  `json:"onlineCount"`
	Timestamp   int64  `json:"timestamp"`
}

type StatusResult struct {
	ScriptID              string         `json:"scriptId"`
	OnlineCount           int64          `json:"onlineCount"`
	Users                 []UserSnapshot `json:"users,omitempty"`
	LivenessWindowSeconds int64          `json:"livenessWindowSeconds"`
	Memory                *MemoryInfo    `json:"memory,omitempty"`
	UptimeSeconds         int64          `json:"uptimeSeconds"`
	Timestamp             int64          `json:"timestamp"`
}

// MemoryInfo is the store's own memory report, when it offers one.
type MemoryInfo struct {
	UsedMemory   int64  `json:"usedMemory"`
	UsedMemoryMB string `json:"usedMemoryMB"`
}

type FleetSummary struct {
	TotalUsers int64         `json:"totalUsers"`
	PerScript  []ScriptCount `json:"perScript"`
	Timestamp  int64         `json:"timestamp"`
}

// PresenceEvent is published on the optional events channel.
type PresenceEvent struct {
	Type      string `json:"type"`
	ScriptID  string `json:"scriptId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

const (
	EventRegistered   = "registered"
	EventUnregistered = "unregistered"
	EventCorrupted    = "corrupted"
)

// Response is the JSON envelope every API endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Action  string      `json:"action,omitempty"`
	Message string      `json:"message,omitempty"`
}
