package payroll_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

func TestMemoryLeases(t *testing.T) {
	ctx := context.Background()
	now := date(2024, 3, 31)
	leases := payroll.NewMemoryLeases().WithClock(func() time.Time { return now })
	key := payroll.CalculationLeaseKey("per-1")
	assert.Equal(t, "payroll:period:per-1:calculation", key)

	held, err := leases.Acquire(ctx, key, "run-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "run-a", held.Owner())

	_, err = leases.Acquire(ctx, key, "run-b", time.Minute)
	assert.ErrorIs(t, err, payroll.ErrLeaseHeld)

	// an expired lease can be taken over
	now = now.Add(2 * time.Minute)
	taken, err := leases.Acquire(ctx, key, "run-b", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, held.Extend(ctx, time.Minute), payroll.ErrLeaseLost)
	require.NoError(t, held.Release(ctx), "releasing a lost lease is a no-op")
	_, err = leases.Acquire(ctx, key, "run-c", time.Minute)
	assert.ErrorIs(t, err, payroll.ErrLeaseHeld, "run-b still holds it")

	require.NoError(t, taken.Extend(ctx, time.Minute))
	require.NoError(t, taken.Release(ctx))
	_, err = leases.Acquire(ctx, key, "run-c", time.Minute)
	assert.NoError(t, err)
}
