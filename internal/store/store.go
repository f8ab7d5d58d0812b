// Package store persists session state and conversation history in Redis,
// mirroring the key layout and TTL policy of the session manager this
// service's turn-taking core was distilled from.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionState mirrors the session lifecycle states.
type SessionState string

const (
	StateNew    SessionState = "NEW"
	StateActive SessionState = "ACTIVE"
	StateIdle   SessionState = "IDLE"
	StateClosed SessionState = "CLOSED"
)

// SessionData is the hash stored at session:{id}.
type SessionData struct {
	SessionID    string
	State        SessionState
	CreatedAt    time.Time
	LastActivity time.Time
	IdleTimeout  time.Duration
	MaxDuration  time.Duration
	UserID       string
	Metadata     string
}

// ConversationData is the hash stored at conversation:{id}, tracking the
// conversation state machine's own counters independently of the session
// lifecycle hash.
type ConversationData struct {
	State              string
	TurnCount          int
	ClarificationCount int
	SilencePrompts     int
}

// HistoryEntry is one (role, content) exchange persisted to the session's
// history list.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const activeSessionsKey = "sessions:active"

const maxHistoryLen = 50

// closedSessionTTL is how long a closed session's keys are retained, for
// analytics, before Redis expires them.
const closedSessionTTL = 24 * time.Hour

// Store wraps a Redis client with the session/conversation key layout.
type Store struct {
	rdb *redis.Client
}

// New builds a Store from host/port/db, matching the connect-then-ping
// pattern the session manager this is grounded on uses to fail fast on a
// bad Redis target.
func New(ctx context.Context, host, port string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", host, port),
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

func sessionKey(id string) string             { return "session:" + id }
func conversationKey(id string) string        { return "conversation:" + id }
func conversationHistoryKey(id string) string { return "conversation:" + id + ":history" }

// CreateSession writes a new NEW-state session hash, registers it in the
// active set, and sets the max-duration+60s TTL.
func (s *Store) CreateSession(ctx context.Context, id, userID string, idleTimeout, maxDuration time.Duration) error {
	now := time.Now().UTC()
	key := sessionKey(id)

	fields := map[string]interface{}{
		"session_id":    id,
		"state":         string(StateNew),
		"created_at":    now.Format(time.RFC3339Nano),
		"last_activity": now.Format(time.RFC3339Nano),
		"idle_timeout":  idleTimeout.Seconds(),
		"max_duration":  maxDuration.Seconds(),
		"user_id":       userID,
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, activeSessionsKey, id)
	pipe.Expire(ctx, key, maxDuration+60*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// GetSession reads the session hash, returning (nil, nil) if it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionData, error) {
	vals, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, vals["created_at"])
	lastActivity, _ := time.Parse(time.RFC3339Nano, vals["last_activity"])

	return &SessionData{
		SessionID:    vals["session_id"],
		State:        SessionState(vals["state"]),
		CreatedAt:    createdAt,
		LastActivity: lastActivity,
		UserID:       vals["user_id"],
	}, nil
}

// UpdateState sets the session's state field, removing it from the active
// set once it moves to CLOSED.
func (s *Store) UpdateState(ctx context.Context, id string, state SessionState) error {
	if err := s.rdb.HSet(ctx, sessionKey(id), "state", string(state)).Err(); err != nil {
		return fmt.Errorf("update state for session %s: %w", id, err)
	}
	if state == StateClosed {
		if err := s.rdb.SRem(ctx, activeSessionsKey, id).Err(); err != nil {
			return fmt.Errorf("remove session %s from active set: %w", id, err)
		}
	}
	return nil
}

// TouchActivity bumps last_activity to now and transitions NEW/IDLE to
// ACTIVE. Returns false if the session does not exist.
func (s *Store) TouchActivity(ctx context.Context, id string) (bool, error) {
	data, err := s.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}

	now := time.Now().UTC()
	if err := s.rdb.HSet(ctx, sessionKey(id), "last_activity", now.Format(time.RFC3339Nano)).Err(); err != nil {
		return false, fmt.Errorf("touch activity for session %s: %w", id, err)
	}

	if data.State == StateNew || data.State == StateIdle {
		if err := s.UpdateState(ctx, id, StateActive); err != nil {
			return false, err
		}
	}
	return true, nil
}

// CheckIdle reports whether the session has been inactive for idleTimeout or more.
func (s *Store) CheckIdle(ctx context.Context, id string, idleTimeout time.Duration) (bool, error) {
	data, err := s.GetSession(ctx, id)
	if err != nil || data == nil {
		return false, err
	}
	return time.Since(data.LastActivity) >= idleTimeout, nil
}

// CheckTimeout reports whether the session has exceeded maxDuration since creation.
func (s *Store) CheckTimeout(ctx context.Context, id string, maxDuration time.Duration) (bool, error) {
	data, err := s.GetSession(ctx, id)
	if err != nil || data == nil {
		return false, err
	}
	return time.Since(data.CreatedAt) >= maxDuration, nil
}

// AddToHistory appends one exchange to the session's history list, keeping
// only the most recent maxHistoryLen entries. The list is given the session
// hash's remaining TTL, so it expires with the session.
func (s *Store) AddToHistory(ctx context.Context, id, role, content string) error {
	entry := HistoryEntry{Role: role, Content: content, Timestamp: time.Now().UTC()}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	key := conversationHistoryKey(id)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, maxHistoryLen-1)
	if ttl, err := s.rdb.TTL(ctx, sessionKey(id)).Result(); err == nil && ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add history for session %s: %w", id, err)
	}
	return nil
}

// GetHistory returns up to limit history entries, oldest first.
func (s *Store) GetHistory(ctx context.Context, id string, limit int) ([]HistoryEntry, error) {
	raw, err := s.rdb.LRange(ctx, conversationHistoryKey(id), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("get history for session %s: %w", id, err)
	}

	history := make([]HistoryEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		history = append(history, e)
	}
	return history, nil
}

// CloseSession marks the session CLOSED and retains its keys for
// closedSessionTTL before Redis expires them, for analytics.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	if err := s.UpdateState(ctx, id, StateClosed); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Expire(ctx, sessionKey(id), closedSessionTTL)
	pipe.Expire(ctx, conversationKey(id), closedSessionTTL)
	pipe.Expire(ctx, conversationHistoryKey(id), closedSessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	return nil
}

// SaveConversationState writes the conversation engine's counters to the
// conversation:{id} hash, with the same TTL as the owning session.
func (s *Store) SaveConversationState(ctx context.Context, id string, data ConversationData, ttl time.Duration) error {
	fields := map[string]interface{}{
		"state":               data.State,
		"turn_count":          data.TurnCount,
		"clarification_count": data.ClarificationCount,
		"silence_prompts":     data.SilencePrompts,
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, conversationKey(id), fields)
	pipe.Expire(ctx, conversationKey(id), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save conversation state %s: %w", id, err)
	}
	return nil
}

// GetConversationState reads the conversation:{id} hash, returning (nil, nil)
// if it does not exist.
func (s *Store) GetConversationState(ctx context.Context, id string) (*ConversationData, error) {
	vals, err := s.rdb.HGetAll(ctx, conversationKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get conversation state %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	data := &ConversationData{State: vals["state"]}
	fmt.Sscanf(vals["turn_count"], "%d", &data.TurnCount)
	fmt.Sscanf(vals["clarification_count"], "%d", &data.ClarificationCount)
	fmt.Sscanf(vals["silence_prompts"], "%d", &data.SilencePrompts)
	return data, nil
}

// ActiveSessions returns the ids currently in the active set.
func (s *Store) ActiveSessions(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return ids, nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
