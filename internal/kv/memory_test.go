package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))

	got, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "short", []byte("x"), 10*time.Millisecond))
	require.NoError(t, s.Put(ctx, "forever", []byte("y"), 0))

	_, found, _ := s.Get(ctx, "short")
	assert.True(t, found, "entry should be live before its TTL")

	time.Sleep(25 * time.Millisecond)

	_, found, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found, "entry should expire after its TTL")

	_, found, _ = s.Get(ctx, "forever")
	assert.True(t, found, "zero TTL means no expiry")
}

func TestMemoryStore_ValueIsolation(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	in := []byte("original")
	require.NoError(t, s.Put(ctx, "k", in, 0))
	in[0] = 'X'

	got, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("original"), got, "stored value must not alias the caller's slice")

	got[0] = 'Y'
	again, _, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("original"), again, "returned value must not alias the stored slice")
}

func TestMemoryStore_OverwriteAndLen(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("one"), 0))
	require.NoError(t, s.Put(ctx, "k", []byte("two"), 0))

	got, found, _ := s.Get(ctx, "k")
	require.True(t, found)
	assert.Equal(t, []byte("two"), got)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
