package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client), mr
}

func TestLocker_SingleHolder(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "relay", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, "relay", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "relay", "someone-else"))
	_, ok, err = locker.TryLock(ctx, "relay", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "foreign token must not release the lock")

	require.NoError(t, locker.Release(ctx, "relay", token))
	_, ok, err = locker.TryLock(ctx, "relay", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_Expires(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "relay", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "relay", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_NilAndInvalid(t *testing.T) {
	var nilLocker *Locker
	_, _, err := nilLocker.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NoError(t, nilLocker.Release(context.Background(), "k", "t"))
	assert.Nil(t, NewLocker(nil))

	locker, _ := newTestLocker(t)
	_, _, err = locker.TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrInvalidLock)
}
