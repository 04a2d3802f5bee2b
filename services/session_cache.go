package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultSessionTTL = 2 * time.Hour

var ErrSessionNotFound = errors.New("session not found")

// Session is the cached state of a live conversation.
type Session struct {
	ID           string    `json:"id"`
	AssessmentID uint      `json:"assessment_id"`
	UserID       uint      `json:"user_id"`
	UserName     string    `json:"user_name"`
	History      []Turn    `json:"history"`
	LastActivity time.Time `json:"last_activity"`
}

// SessionStore keeps conversations hot between chat turns. Entries expire
// after a period of inactivity; callers rebuild them from storage on a miss.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, bool, error)
	Append(ctx context.Context, id string, turns ...Turn) error
	History(ctx context.Context, id string) ([]Turn, error)
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore is a process-local SessionStore with TTL eviction.
type MemorySessionStore struct {
	ttl      time.Duration
	sessions map[string]*Session
	mutex    sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	store := &MemorySessionStore{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		now:      time.Now,
	}

	// Start background cleanup of stale sessions
	go store.cleanupStaleSessions()

	return store
}

func (m *MemorySessionStore) Create(_ context.Context, session *Session) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	copied := *session
	copied.History = append([]Turn(nil), session.History...)
	copied.LastActivity = m.now()
	m.sessions[session.ID] = &copied
	slog.Debug("Session cached", "session_id", session.ID, "turns", len(copied.History))
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*Session, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	session, ok := m.live(id)
	if !ok {
		return nil, false, nil
	}
	session.LastActivity = m.now()
	copied := *session
	copied.History = append([]Turn(nil), session.History...)
	return &copied, true, nil
}

func (m *MemorySessionStore) Append(_ context.Context, id string, turns ...Turn) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	session, ok := m.live(id)
	if !ok {
		return ErrSessionNotFound
	}
	session.History = append(session.History, turns...)
	session.LastActivity = m.now()
	return nil
}

func (m *MemorySessionStore) History(ctx context.Context, id string) ([]Turn, error) {
	session, ok, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.History, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, id)
	return nil
}

// Close stops the cleanup goroutine.
func (m *MemorySessionStore) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// live returns an unexpired session. Caller holds the lock.
func (m *MemorySessionStore) live(id string) (*Session, bool) {
	session, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if m.now().Sub(session.LastActivity) > m.ttl {
		delete(m.sessions, id)
		return nil, false
	}
	return session, true
}

func (m *MemorySessionStore) cleanupStaleSessions() {
	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemorySessionStore) evictExpired() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	evicted := 0
	now := m.now()
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity) > m.ttl {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("Evicted stale sessions", "count", evicted)
	}
	return evicted
}

// RedisSessionStore shares sessions between instances. Metadata lives in a
// hash and turns in a list; both keys expire together after ttl of inactivity.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisSessionStore{client: client, ttl: ttl, prefix: "assessment:session:"}
}

func (r *RedisSessionStore) metaKey(id string) string  { return r.prefix + id + ":meta" }
func (r *RedisSessionStore) turnsKey(id string) string { return r.prefix + id + ":turns" }

func (r *RedisSessionStore) Create(ctx context.Context, session *Session) error {
	encoded := make([]interface{}, 0, len(session.History))
	for _, turn := range session.History {
		b, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to encode turn: %w", err)
		}
		encoded = append(encoded, b)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.metaKey(session.ID), r.turnsKey(session.ID))
		pipe.HSet(ctx, r.metaKey(session.ID), map[string]interface{}{
			"assessment_id": session.AssessmentID,
			"user_id":       session.UserID,
			"user_name":     session.UserName,
			"last_activity": time.Now().Unix(),
		})
		if len(encoded) > 0 {
			pipe.RPush(ctx, r.turnsKey(session.ID), encoded...)
		}
		pipe.Expire(ctx, r.metaKey(session.ID), r.ttl)
		pipe.Expire(ctx, r.turnsKey(session.ID), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*Session, bool, error) {
	meta, err := r.client.HGetAll(ctx, r.metaKey(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read session: %w", err)
	}
	if len(meta) == 0 {
		return nil, false, nil
	}

	raw, err := r.client.LRange(ctx, r.turnsKey(id), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read session turns: %w", err)
	}
	history := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, false, fmt.Errorf("failed to decode turn: %w", err)
		}
		history = append(history, turn)
	}

	assessmentID, _ := strconv.ParseUint(meta["assessment_id"], 10, 64)
	userID, _ := strconv.ParseUint(meta["user_id"], 10, 64)
	lastActivity, _ := strconv.ParseInt(meta["last_activity"], 10, 64)

	r.touch(ctx, id)
	return &Session{
		ID:           id,
		AssessmentID: uint(assessmentID),
		UserID:       uint(userID),
		UserName:     meta["user_name"],
		History:      history,
		LastActivity: time.Unix(lastActivity, 0),
	}, true, nil
}

func (r *RedisSessionStore) Append(ctx context.Context, id string, turns ...Turn) error {
	exists, err := r.client.Exists(ctx, r.metaKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	encoded := make([]interface{}, 0, len(turns))
	for _, turn := range turns {
		b, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to encode turn: %w", err)
		}
		encoded = append(encoded, b)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(encoded) > 0 {
			pipe.RPush(ctx, r.turnsKey(id), encoded...)
		}
		pipe.HSet(ctx, r.metaKey(id), "last_activity", time.Now().Unix())
		pipe.Expire(ctx, r.metaKey(id), r.ttl)
		pipe.Expire(ctx, r.turnsKey(id), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) History(ctx context.Context, id string) ([]Turn, error) {
	session, ok, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.History, nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.metaKey(id), r.turnsKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// touch refreshes the inactivity window.
func (r *RedisSessionStore) touch(ctx context.Context, id string) {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, r.metaKey(id), r.ttl)
		pipe.Expire(ctx, r.turnsKey(id), r.ttl)
		return nil
	})
	if err != nil {
		slog.Warn("Failed to refresh session ttl", "session_id", id, "error", err)
	}
}
