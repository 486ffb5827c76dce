package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetPut(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Get("tx", "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put("tx", "abc", []byte(`{"id":"abc"}`)))
	got, ok, err := s.Get("tx", "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":"abc"}`, string(got))

	// same id under another kind is a different entry
	_, ok, err = s.Get("data", "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutKeepsFirstPayload(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("data", "x", []byte("first")))
	require.NoError(t, s.Put("data", "x", []byte("second")))

	got, _, err := s.Get("data", "x")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("tx", "a", []byte("1")))
	require.NoError(t, s.Put("tx", "b", []byte("2")))

	n, err := s.Purge(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Purge(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.Len()
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestSeparateStoresDoNotShare(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)
	require.NoError(t, a.Put("tx", "id", []byte("v")))

	_, ok, err := b.Get("tx", "id")
	require.NoError(t, err)
	assert.False(t, ok)
}
