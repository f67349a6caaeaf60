package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireWritesHolderAndBlocksSecond(t *testing.T) {
	sysroot := t.TempDir()

	first := New(sysroot)
	require.NoError(t, first.TryAcquire())
	defer func() { _ = first.Release() }()

	second := New(sysroot)
	err := second.TryAcquire()
	assert.ErrorIs(t, err, ErrHeld)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	sysroot := t.TempDir()

	l := New(sysroot)
	require.NoError(t, l.TryAcquire())
	require.NoError(t, l.Release())

	l2 := New(sysroot)
	require.NoError(t, l2.TryAcquire())
	require.NoError(t, l2.Release())
}

func TestWaitForReleaseReturnsImmediatelyWhenAbsent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := WaitForRelease(ctx, filepath.Join(t.TempDir(), "lock"))
	assert.NoError(t, err)
}

func TestWaitForReleaseUnblocksOnRemoval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	require.NoError(t, os.WriteFile(path, []byte("1\noma\n"), 0o644))

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { done <- WaitForRelease(ctx, path) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("WaitForRelease did not unblock after removal")
	}
}

func TestSessionMethodsNoOpWithoutBus(t *testing.T) {
	var s *Session
	onBattery, err := s.OnBattery()
	assert.NoError(t, err)
	assert.False(t, onBattery)

	inh, err := s.Inhibit("installing packages")
	require.NoError(t, err)
	assert.NoError(t, inh.Release())
	assert.NoError(t, s.Close())
}

func TestReexecRejectsUnsafeArguments(t *testing.T) {
	err := Reexec([]string{"install", "oma\nrm -rf /"})
	assert.Error(t, err)
}
