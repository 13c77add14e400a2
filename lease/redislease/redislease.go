/*
Package redislease implements payroll.LeaseManager on Redis.

PURPOSE:
  Shares calculation leases between server instances. A lease is one key
  holding the owner's run id, created with SET NX PX. Extend and Release
  are compare-and-act Lua scripts, so an owner whose lease expired and was
  taken over can never touch the new holder's key.

USAGE:
  rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
  manager, err := payroll.NewPeriodManager(payroll.Config{
      Leases: redislease.New(rdb, logger),
      ...
  })

SEE ALSO:
  - payroll/lease.go: Interface and in-memory implementation
*/
package redislease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/payroll"
)

// ExtendScript pushes the expiry out only while ARGV[1] still owns the key.
const ExtendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// ReleaseScript deletes the key only while ARGV[1] still owns it.
const ReleaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type Manager struct {
	rdb    redis.Cmdable
	logger *zap.Logger
}

var _ payroll.LeaseManager = (*Manager)(nil)

func New(rdb redis.Cmdable, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{rdb: rdb, logger: logger.Named("lease.redis")}
}

// Acquire takes key for owner. An owner that already holds key gets its
// expiry refreshed instead.
func (m *Manager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (payroll.Lease, error) {
	ok, err := m.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	l := &lease{mgr: m, key: key, owner: owner}
	if ok {
		m.logger.Debug("lease acquired", zap.String("key", key), zap.String("owner", owner))
		return l, nil
	}
	switch err := l.Extend(ctx, ttl); {
	case err == nil:
		return l, nil
	case errors.Is(err, payroll.ErrLeaseLost):
		return nil, fmt.Errorf("%w: %s", payroll.ErrLeaseHeld, key)
	default:
		return nil, err
	}
}

type lease struct {
	mgr   *Manager
	key   string
	owner string
}

func (l *lease) Key() string   { return l.key }
func (l *lease) Owner() string { return l.owner }

func (l *lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.mgr.rdb.Eval(ctx, ExtendScript, []string{l.key}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	if n == 0 {
		return payroll.ErrLeaseLost
	}
	return nil
}

// Release is a no-op when the lease was already lost.
func (l *lease) Release(ctx context.Context) error {
	n, err := l.mgr.rdb.Eval(ctx, ReleaseScript, []string{l.key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		l.mgr.logger.Warn("released a lease no longer held", zap.String("key", l.key), zap.String("owner", l.owner))
	}
	return nil
}
