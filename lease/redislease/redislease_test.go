package redislease_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/lease/redislease"
	"github.com/warp/payroll-engine/payroll"
)

const key = "payroll:period:per-1:calculation"

func TestManager_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	m := redislease.New(rdb, nil)

	mock.ExpectSetNX(key, "run-a", time.Minute).SetVal(true)
	mock.ExpectEval(redislease.ExtendScript, []string{key}, "run-a", int64(60000)).SetVal(int64(1))
	mock.ExpectEval(redislease.ReleaseScript, []string{key}, "run-a").SetVal(int64(1))

	l, err := m.Acquire(ctx, key, "run-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, key, l.Key())
	assert.Equal(t, "run-a", l.Owner())
	require.NoError(t, l.Extend(ctx, time.Minute))
	require.NoError(t, l.Release(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_HeldByAnotherOwner(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	m := redislease.New(rdb, nil)

	// GIVEN run-a holds the key
	mock.ExpectSetNX(key, "run-b", time.Minute).SetVal(false)
	mock.ExpectEval(redislease.ExtendScript, []string{key}, "run-b", int64(60000)).SetVal(int64(0))

	// WHEN
	_, err := m.Acquire(ctx, key, "run-b", time.Minute)

	// THEN
	assert.ErrorIs(t, err, payroll.ErrLeaseHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_ReacquireBySameOwner(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	m := redislease.New(rdb, nil)

	mock.ExpectSetNX(key, "run-a", time.Minute).SetVal(false)
	mock.ExpectEval(redislease.ExtendScript, []string{key}, "run-a", int64(60000)).SetVal(int64(1))

	l, err := m.Acquire(ctx, key, "run-a", time.Minute)

	require.NoError(t, err)
	assert.Equal(t, "run-a", l.Owner())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_LostLease(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	m := redislease.New(rdb, nil)

	mock.ExpectSetNX(key, "run-a", time.Second).SetVal(true)
	mock.ExpectEval(redislease.ExtendScript, []string{key}, "run-a", int64(1000)).SetVal(int64(0))
	mock.ExpectEval(redislease.ReleaseScript, []string{key}, "run-a").SetVal(int64(0))

	l, err := m.Acquire(ctx, key, "run-a", time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Extend(ctx, time.Second), payroll.ErrLeaseLost)
	assert.NoError(t, l.Release(ctx), "releasing a lost lease is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_RedisDown(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	m := redislease.New(rdb, nil)

	mock.ExpectSetNX(key, "run-a", time.Minute).SetErr(errors.New("connection refused"))

	_, err := m.Acquire(ctx, key, "run-a", time.Minute)

	require.Error(t, err)
	assert.NotErrorIs(t, err, payroll.ErrLeaseHeld)
	assert.Contains(t, err.Error(), "connection refused")
}
