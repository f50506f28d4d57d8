package reslock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entropy.lock")
	m := New(path, zerolog.Nop())

	require.NoError(t, m.Acquire(context.Background(), Exclusive, false))
	assert.True(t, m.IsLockedExclusive())
	require.NoError(t, m.Release())
	assert.False(t, m.IsLockedExclusive())
}

func TestExclusiveExcludesPeerShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entropy.lock")
	holder := New(path, zerolog.Nop())
	require.NoError(t, holder.Acquire(context.Background(), Exclusive, false))
	defer holder.Release()

	peer := New(path, zerolog.Nop())
	err := peer.Acquire(context.Background(), Shared, false)
	require.Error(t, err, "a peer holding incompatible lock must make acquisition fail, not block")
}

func TestBlockingAcquireRespectsCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entropy.lock")
	holder := New(path, zerolog.Nop())
	require.NoError(t, holder.Acquire(context.Background(), Exclusive, false))
	defer holder.Release()

	peer := New(path, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := peer.Acquire(ctx, Exclusive, true)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSharedHoldersCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entropy.lock")
	a := New(path, zerolog.Nop())
	b := New(path, zerolog.Nop())

	require.NoError(t, a.Acquire(context.Background(), Shared, false))
	defer a.Release()
	require.NoError(t, b.Acquire(context.Background(), Shared, false))
	defer b.Release()
}
