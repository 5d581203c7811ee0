package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LovationAdmin/household-budget/utils"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RefreshLocker serializes token refreshes per household.
type RefreshLocker interface {
	Lock(ctx context.Context, householdID string) (unlock func(), err error)
}

// ========== In-process ==========

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// LocalRefreshLocker is a keyed mutex for single-instance deployments.
type LocalRefreshLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func NewLocalRefreshLocker() *LocalRefreshLocker {
	return &LocalRefreshLocker{locks: make(map[string]*keyedLock)}
}

func (l *LocalRefreshLocker) Lock(ctx context.Context, householdID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[householdID]
	if !ok {
		lk = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[householdID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(householdID, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(householdID, lk)
		})
	}, nil
}

func (l *LocalRefreshLocker) release(householdID string, lk *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, householdID)
	}
}

// ========== Redis ==========

var releaseLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRefreshLocker is a lease shared by every API instance.
// The lease expires after TTL so a crashed holder cannot block refreshes forever.
type RedisRefreshLocker struct {
	client    *goredis.Client
	TTL       time.Duration
	RetryWait time.Duration
	Prefix    string
}

func NewRedisRefreshLocker(client *goredis.Client) *RedisRefreshLocker {
	return &RedisRefreshLocker{
		client:    client,
		TTL:       30 * time.Second,
		RetryWait: 100 * time.Millisecond,
		Prefix:    "revolut:refresh:",
	}
}

func (l *RedisRefreshLocker) Lock(ctx context.Context, householdID string) (func(), error) {
	key := l.Prefix + householdID
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire refresh lease: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.RetryWait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	return func() {
		if err := releaseLeaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
			utils.SafeWarn("[Revolut] release refresh lease for %s: %v", utils.MaskID(householdID), err)
		}
	}, nil
}
