package autopilot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

const testLeaseKey = "perp:test:active"

func newTestLease(t *testing.T) (*Lease, redismock.ClientMock, *time.Time) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	lease := NewLease(client, LeaseConfig{Key: testLeaseKey, InstanceID: "prod", TTL: 30 * time.Second}, zerolog.Nop())
	clock := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	lease.SetClock(func() time.Time { return clock })
	return lease, mock, &clock
}

// ============================================================================
// ACQUIRE / RENEW / RELEASE
// ============================================================================

func TestLease_AcquireFreeKey(t *testing.T) {
	lease, mock, _ := newTestLease(t)
	mock.ExpectSetNX(testLeaseKey, lease.Token(), 30*time.Second).SetVal(true)

	ok, err := lease.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, lease.Held())
	assert.True(t, strings.HasPrefix(lease.Token(), "prod:"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLease_RenewOwnKey(t *testing.T) {
	lease, mock, clock := newTestLease(t)
	mock.ExpectSetNX(testLeaseKey, lease.Token(), 30*time.Second).SetVal(true)
	mock.ExpectSetNX(testLeaseKey, lease.Token(), 30*time.Second).SetVal(false)
	mock.ExpectEval(extendScript, []string{testLeaseKey}, lease.Token(), int64(30000)).SetVal(int64(1))

	_, err := lease.TryAcquire(context.Background())
	require.NoError(t, err)

	*clock = clock.Add(20 * time.Second)
	ok, err := lease.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	// The renewal pushed expiry 30s past the renewal time.
	*clock = clock.Add(25 * time.Second)
	assert.True(t, lease.Held())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLease_OtherInstanceHoldsKey(t *testing.T) {
	lease, mock, _ := newTestLease(t)
	mock.ExpectSetNX(testLeaseKey, lease.Token(), 30*time.Second).SetVal(false)
	mock.ExpectEval(extendScript, []string{testLeaseKey}, lease.Token(), int64(30000)).SetVal(int64(0))

	ok, err := lease.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, lease.Held())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLease_LostToAnotherInstance(t *testing.T) {
	lease, mock, _ := newTestLease(t)
	mock.ExpectSetNX(testLeaseKey, lease.Token(), 30*time.Second).SetVal(true)
	mock.ExpectSetNX(testLeaseKey, lease.Token(), 30*time.Second).SetVal(false)
	mock.ExpectEval(extendScript, []string{testLeaseKey}, lease.Token(), int64(30000)).SetVal(int64(0))

	_, err := lease.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, lease.Held())

	ok, err := lease.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, lease.Held())
}

func TestLease_RedisErrorKeepsLeaseUntilTTL(t *testing.T) {
	lease, mock, clock := newTestLease(t)
	mock.ExpectSetNX(testLeaseKey, lease.Token(), 30*time.Second).SetVal(true)
	mock.ExpectSetNX(testLeaseKey, lease.Token(), 30*time.Second).SetErr(errors.New("connection refused"))

	_, err := lease.TryAcquire(context.Background())
	require.NoError(t, err)

	*clock = clock.Add(10 * time.Second)
	ok, err := lease.TryAcquire(context.Background())
	require.Error(t, err)
	assert.True(t, ok, "ownership is still guaranteed by the last TTL")

	*clock = clock.Add(20 * time.Second)
	assert.False(t, lease.Held(), "no renewal within the TTL")
}

func TestLease_Release(t *testing.T) {
	lease, mock, _ := newTestLease(t)
	mock.ExpectSetNX(testLeaseKey, lease.Token(), 30*time.Second).SetVal(true)
	mock.ExpectEval(releaseScript, []string{testLeaseKey}, lease.Token()).SetVal(int64(1))

	_, err := lease.TryAcquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, lease.Release(context.Background()))
	assert.False(t, lease.Held())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLease_Holder(t *testing.T) {
	lease, mock, _ := newTestLease(t)
	mock.ExpectGet(testLeaseKey).RedisNil()
	mock.ExpectGet(testLeaseKey).SetVal("dev:abc")

	holder, err := lease.Holder(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holder)

	holder, err = lease.Holder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev:abc", holder)
}

func TestLease_Defaults(t *testing.T) {
	client, _ := redismock.NewClientMock()
	lease := NewLease(client, LeaseConfig{InstanceID: "dev"}, zerolog.Nop())

	assert.Equal(t, DefaultLeaseKey, lease.cfg.Key)
	assert.Equal(t, DefaultLeaseTTL, lease.cfg.TTL)
	assert.Equal(t, DefaultLeaseTTL/3, lease.cfg.RenewInterval)
	assert.False(t, lease.Held())
}

func TestAlwaysHeld(t *testing.T) {
	var l LeaseChecker = AlwaysHeld{}
	assert.True(t, l.Held())
}
