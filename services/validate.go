package services

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"chorus/script-presence/config"
)

var (
	scriptIDPattern    = regexp.MustCompile(config.ScriptIDAllowedPattern)
	scriptIDDisallowed = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// SanitizeScriptID strips characters outside the allowed class and caps the length.
func SanitizeScriptID(raw string) (string, error) {
	id := scriptIDDisallowed.ReplaceAllString(raw, "")
	if len(id) > config.ScriptIDMaxLength {
		id = id[:config.ScriptIDMaxLength]
	}
	if id == "" || !scriptIDPattern.MatchString(id) {
		return "", validationError("Valid scriptId (string) is required")
	}
	return id, nil
}

// SanitizeUserID trims whitespace and caps the length at a rune boundary.
func SanitizeUserID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if utf8.RuneCountInString(id) > config.UserIDMaxLength {
		id = string([]rune(id)[:config.UserIDMaxLength])
	}
	if id == "" {
		return "", validationError("Valid userId (string) is required")
	}
	return id, nil
}

func sanitizeIdentity(scriptID, userID string) (string, string, error) {
	sid, err := SanitizeScriptID(scriptID)
	if err != nil {
		return "", "", err
	}
	uid, err := SanitizeUserID(userID)
	if err != nil {
		return "", "", err
	}
	return sid, uid, nil
}
