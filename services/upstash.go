package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// UpstashStore implements Store over the Upstash REST API: every command is
// a POST of ["CMD", args...] answered by {"result": ...} or {"error": "..."}.
type UpstashStore struct {
	url    string
	token  string
	client *http.Client
}

type upstashReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewUpstashStore(url, token string, client *http.Client) *UpstashStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &UpstashStore{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: client,
	}
}

func (s *UpstashStore) do(ctx context.Context, args ...interface{}) (json.RawMessage, error) {
	raw, err := s.post(ctx, "", args, args[0])
	if err != nil {
		return nil, err
	}

	var reply upstashReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("upstash %v: invalid response: %w", args[0], err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("upstash %v: %s", args[0], reply.Error)
	}

	return reply.Result, nil
}

// multiExec runs cmds as one transaction on the /multi-exec endpoint and
// returns one result per command.
func (s *UpstashStore) multiExec(ctx context.Context, cmds ...[]interface{}) ([]json.RawMessage, error) {
	raw, err := s.post(ctx, "/multi-exec", cmds, "MULTI")
	if err != nil {
		return nil, err
	}

	var replies []upstashReply
	if err := json.Unmarshal(raw, &replies); err != nil {
		return nil, fmt.Errorf("upstash MULTI: invalid response: %w", err)
	}
	if len(replies) != len(cmds) {
		return nil, fmt.Errorf("upstash MULTI: %d replies for %d commands", len(replies), len(cmds))
	}

	results := make([]json.RawMessage, len(replies))
	for i, reply := range replies {
		if reply.Error != "" {
			return nil, fmt.Errorf("upstash MULTI %v: %s", cmds[i][0], reply.Error)
		}
		results[i] = reply.Result
	}
	return results, nil
}

// post sends body to url+path and returns the raw body of a 200 response.
// Error bodies are decoded for their "error" field when they are JSON.
func (s *UpstashStore) post(ctx context.Context, path string, body interface{}, label interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstash command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstash request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstash %v: %w", label, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstash %v: failed to read response: %w", label, err)
	}

	if resp.StatusCode != http.StatusOK {
		var reply upstashReply
		if json.Unmarshal(raw, &reply) == nil && reply.Error != "" {
			return nil, fmt.Errorf("upstash %v: %s", label, reply.Error)
		}
		return nil, fmt.Errorf("upstash %v: status %d: %s", label, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return raw, nil
}

func (s *UpstashStore) doInt(ctx context.Context, args ...interface{}) (int64, error) {
	raw, err := s.do(ctx, args...)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("upstash %v: expected integer reply: %w", args[0], err)
	}
	return n, nil
}

func (s *UpstashStore) Get(ctx context.Context, key string) (string, error) {
	raw, err := s.do(ctx, "GET", key)
	if err != nil {
		return "", err
	}

	var value *string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("upstash GET: expected string reply: %w", err)
	}
	if value == nil {
		return "", ErrNotFound
	}
	return *value, nil
}

func (s *UpstashStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.do(ctx, "SET", key, value, "EX", int64(ttl/time.Second))
	return err
}

func (s *UpstashStore) Del(ctx context.Context, key string) (int64, error) {
	return s.doInt(ctx, "DEL", key)
}

func (s *UpstashStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	n, err := s.doInt(ctx, "TTL", key)
	if err != nil {
		return 0, err
	}
	switch n {
	case -2:
		return 0, ErrNotFound
	case -1:
		return -1, nil
	}
	return time.Duration(n) * time.Second, nil
}

func (s *UpstashStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, err := s.do(ctx, "ZADD", key, formatScore(score), member)
	return err
}

func (s *UpstashStore) ZRem(ctx context.Context, key, member string) (int64, error) {
	return s.doInt(ctx, "ZREM", key, member)
}

func (s *UpstashStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.doInt(ctx, "ZCARD", key)
}

func (s *UpstashStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	raw, err := s.do(ctx, "ZRANGE", key, start, stop, "WITHSCORES")
	if err != nil {
		return nil, err
	}

	// Flat [member, score, member, score, ...] with scores as strings.
	var flat []string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("upstash ZRANGE: expected array reply: %w", err)
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("upstash ZRANGE: odd reply length %d", len(flat))
	}

	members := make([]ScoredMember, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		score, err := strconv.ParseFloat(flat[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("upstash ZRANGE: bad score %q: %w", flat[i+1], err)
		}
		members = append(members, ScoredMember{Member: flat[i], Score: score})
	}
	return members, nil
}

func (s *UpstashStore) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	return s.doInt(ctx, "ZREMRANGEBYSCORE", key, min, max)
}

func (s *UpstashStore) Touch(ctx context.Context, op TouchOp) (int64, error) {
	cmds := [][]interface{}{
		{"SET", op.RecordKey, op.Record, "EX", int64(op.TTL / time.Second)},
		{"ZADD", op.SetKey, formatScore(op.Score), op.Member},
	}
	if op.RegistryKey != "" {
		cmds = append(cmds, []interface{}{"ZADD", op.RegistryKey, formatScore(op.Score), op.RegistryMember})
	}
	cmds = append(cmds,
		[]interface{}{"ZREMRANGEBYSCORE", op.SetKey, "-inf", op.PruneMax},
		[]interface{}{"ZCARD", op.SetKey},
	)

	results, err := s.multiExec(ctx, cmds...)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := json.Unmarshal(results[len(results)-1], &n); err != nil {
		return 0, fmt.Errorf("upstash ZCARD: expected integer reply: %w", err)
	}
	return n, nil
}

func (s *UpstashStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	cursor := "0"

	for {
		raw, err := s.do(ctx, "SCAN", cursor, "MATCH", pattern, "COUNT", scanBatchSize)
		if err != nil {
			return nil, err
		}

		var page []json.RawMessage
		if err := json.Unmarshal(raw, &page); err != nil || len(page) != 2 {
			return nil, fmt.Errorf("upstash SCAN: unexpected reply %s", string(raw))
		}

		var batch []string
		if err := json.Unmarshal(page[0], &cursor); err != nil {
			var n int64
			if err := json.Unmarshal(page[0], &n); err != nil {
				return nil, fmt.Errorf("upstash SCAN: bad cursor: %w", err)
			}
			cursor = strconv.FormatInt(n, 10)
		}
		if err := json.Unmarshal(page[1], &batch); err != nil {
			return nil, fmt.Errorf("upstash SCAN: bad key list: %w", err)
		}

		for _, key := range batch {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}

		if cursor == "0" {
			return keys, nil
		}
	}
}

func (s *UpstashStore) Publish(ctx context.Context, channel, message string) error {
	_, err := s.do(ctx, "PUBLISH", channel, message)
	return err
}

func (s *UpstashStore) Info(ctx context.Context, section string) (string, error) {
	raw, err := s.do(ctx, "INFO", section)
	if err != nil {
		return "", err
	}

	var info string
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", fmt.Errorf("upstash INFO: expected string reply: %w", err)
	}
	return info, nil
}

func (s *UpstashStore) Ping(ctx context.Context) error {
	_, err := s.do(ctx, "PING")
	return err
}

func (s *UpstashStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
