package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetDel(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	b, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)

	require.NoError(t, s.Del(ctx, "k"))
	_, ok, _ = s.Get(ctx, "k")
	require.False(t, ok)
}

func TestMemory_TTLExpires(t *testing.T) {
	s := NewMemory()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(61 * time.Second)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemory_SetNX(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "n:1", []byte("1"), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, "n:1", []byte("1"), time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
}
