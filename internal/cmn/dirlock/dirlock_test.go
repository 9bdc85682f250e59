package dirlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockConflict(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, nil)
	second := New(dir, nil)

	require.NoError(t, first.TryLock())
	assert.True(t, first.IsHeldByMe())

	err := second.TryLock()
	require.ErrorIs(t, err, ErrLockConflict)
	assert.False(t, second.IsHeldByMe())

	require.NoError(t, first.Unlock())
	assert.False(t, first.IsHeldByMe())

	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestLockWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, &LockOptions{RetryInterval: 5 * time.Millisecond})
	second := New(dir, &LockOptions{RetryInterval: 5 * time.Millisecond})

	require.NoError(t, first.TryLock())

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = first.Unlock()
		close(released)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, second.Lock(ctx))
	<-released
	assert.True(t, second.IsHeldByMe())
	require.NoError(t, second.Unlock())
}

func TestLockHonorsContext(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, nil)
	second := New(dir, &LockOptions{RetryInterval: 5 * time.Millisecond})

	require.NoError(t, first.TryLock())
	defer func() { _ = first.Unlock() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := second.Lock(ctx)
	assert.Error(t, err)
	assert.False(t, second.IsHeldByMe())
}

func TestLockCreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/state"
	lock := New(dir, nil)
	require.NoError(t, lock.TryLock())
	require.NoError(t, lock.Unlock())
}
