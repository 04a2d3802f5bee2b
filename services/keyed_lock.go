package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockTTL   = 3 * time.Minute
	lockPollInterval = 100 * time.Millisecond
)

var errLockHeld = errors.New("lock held by another instance")

// keyedMutex serialises work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint]*refLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key uint) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Deletes the key only while it still holds our token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// redisMutex is a SET NX lock shared by every instance using the same redis.
// The key expires after ttl so a crashed holder cannot wedge an assessment.
type redisMutex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func newRedisMutex(client *redis.Client, ttl time.Duration) *redisMutex {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &redisMutex{
		client: client,
		prefix: "assessment:lock:",
		ttl:    ttl,
		wait:   ttl,
		poll:   lockPollInterval,
	}
}

// Lock polls until the key is acquired, wait elapses or ctx ends.
func (m *redisMutex) Lock(ctx context.Context, key uint) (func(), error) {
	name := m.prefix + strconv.FormatUint(uint64(key), 10)
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()

	acquire := func() error {
		ok, err := m.client.SetNX(waitCtx, name, token, m.ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return backoff.Permanent(waitCtx.Err())
			}
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(m.poll), waitCtx)
	if err := backoff.Retry(acquire, bo); err != nil {
		return nil, fmt.Errorf("failed to lock assessment %d: %w", key, err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, m.client, []string{name}, token).Err(); err != nil {
			slog.Warn("Failed to release assessment lock", "assessment_id", key, "error", err)
		}
	}, nil
}
