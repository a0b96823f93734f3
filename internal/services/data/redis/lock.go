package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld is returned by AcquireLock when another owner holds the key.
var ErrLockHeld = errors.New("lock already held")

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Lock is a single-owner lease on a Redis key.
type Lock struct {
	client *redis.Client
	logger *zap.Logger
	key    string
	token  string
}

// LockManager hands out leases so that only one usage worker drains the
// queue at a time.
type LockManager struct {
	client *redis.Client
	logger *zap.Logger
}

func NewLockManager(client *redis.Client, logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{client: client, logger: logger}
}

// AcquireLock sets lock:<name> with NX and the given TTL.
func (lm *LockManager) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := "lock:" + name
	token := uuid.New().String()

	ok, err := lm.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}

	lm.logger.Debug("Lock acquired", zap.String("lock", name), zap.Duration("ttl", ttl))
	return &Lock{client: lm.client, logger: lm.logger, key: key, token: token}, nil
}

// Release drops the lease if it has not expired and been taken by someone else.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		l.logger.Warn("Lock was not owned by this instance", zap.String("key", l.key))
		return fmt.Errorf("lock %s not owned by this instance", l.key)
	}
	return nil
}
