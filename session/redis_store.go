package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis keyspace:
//
//	<ns>:<sid>:messages             list of JSON-encoded Message
//	<ns>:current:<userId>           current session id
//	<ns>:last:<userId>              most-recently-expired session id
//	<ns>:data:<sid>                 JSON metadata object
//	<ns>:user_pref:<userId>:model_mode
//	<ns>:user_last_active:<userId>  millisecond epoch
type RedisStore struct {
	rdb    *redis.Client
	ns     string
	limits HistoryLimits
}

// NewRedisStore creates a session store under the given namespace prefix.
func NewRedisStore(rdb *redis.Client, namespace string, limits HistoryLimits) *RedisStore {
	if namespace == "" {
		namespace = "session"
	}
	return &RedisStore{rdb: rdb, ns: namespace, limits: limits}
}

func (s *RedisStore) messagesKey(sid string) string {
	return fmt.Sprintf("%s:%s:messages", s.ns, sid)
}

func (s *RedisStore) currentKey(userID string) string {
	return fmt.Sprintf("%s:current:%s", s.ns, userID)
}

func (s *RedisStore) lastKey(userID string) string {
	return fmt.Sprintf("%s:last:%s", s.ns, userID)
}

func (s *RedisStore) dataKey(sid string) string {
	return fmt.Sprintf("%s:data:%s", s.ns, sid)
}

func (s *RedisStore) modelModeKey(userID string) string {
	return fmt.Sprintf("%s:user_pref:%s:model_mode", s.ns, userID)
}

func (s *RedisStore) lastActiveKey(userID string) string {
	return fmt.Sprintf("%s:user_last_active:%s", s.ns, userID)
}

func (s *RedisStore) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	raw, err := s.rdb.LRange(ctx, s.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (s *RedisStore) SetMessages(ctx context.Context, sessionID string, messages []Message) error {
	key := s.messagesKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for _, m := range messages {
		encoded, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		pipe.RPush(ctx, key, encoded)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set messages: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, sessionID string, message Message) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := s.messagesKey(sessionID)
	length, err := s.rdb.RPush(ctx, key, encoded).Result()
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	maxItems, retention := s.limits(ctx)
	if maxItems > 0 && length > int64(maxItems) {
		// Keep the newest retention entries.
		if err := s.rdb.LTrim(ctx, key, -int64(retention), -1).Err(); err != nil {
			return fmt.Errorf("trim messages: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) GetCurrentSessionID(ctx context.Context, userID string) (string, error) {
	return s.getString(ctx, s.currentKey(userID))
}

func (s *RedisStore) SetCurrentSessionID(ctx context.Context, userID, sessionID string) error {
	return s.rdb.Set(ctx, s.currentKey(userID), sessionID, 0).Err()
}

func (s *RedisStore) GetLastSessionID(ctx context.Context, userID string) (string, error) {
	return s.getString(ctx, s.lastKey(userID))
}

func (s *RedisStore) SetLastSessionID(ctx context.Context, userID, sessionID string) error {
	return s.rdb.Set(ctx, s.lastKey(userID), sessionID, 0).Err()
}

func (s *RedisStore) GetSessionData(ctx context.Context, sessionID string) (map[string]any, error) {
	raw, err := s.getString(ctx, s.dataKey(sessionID))
	if err != nil || raw == "" {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode session data: %w", err)
	}
	return data, nil
}

func (s *RedisStore) SetSessionData(ctx context.Context, sessionID string, data map[string]any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode session data: %w", err)
	}
	return s.rdb.Set(ctx, s.dataKey(sessionID), encoded, 0).Err()
}

func (s *RedisStore) GetUserModelMode(ctx context.Context, userID string) (string, error) {
	mode, err := s.getString(ctx, s.modelModeKey(userID))
	if err != nil {
		return "", err
	}
	if !IsValidTier(mode) {
		return TierStandardB, nil
	}
	return mode, nil
}

func (s *RedisStore) SetUserModelMode(ctx context.Context, userID, tier string) error {
	return s.rdb.Set(ctx, s.modelModeKey(userID), tier, 0).Err()
}

func (s *RedisStore) GetLastActiveTime(ctx context.Context, userID string) (int64, bool, error) {
	raw, err := s.getString(ctx, s.lastActiveKey(userID))
	if err != nil || raw == "" {
		return 0, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode last active time: %w", err)
	}
	return ms, true, nil
}

func (s *RedisStore) SetLastActiveTime(ctx context.Context, userID string, ms int64) error {
	return s.rdb.Set(ctx, s.lastActiveKey(userID), strconv.FormatInt(ms, 10), 0).Err()
}

func (s *RedisStore) getString(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

var _ Store = (*RedisStore)(nil)
