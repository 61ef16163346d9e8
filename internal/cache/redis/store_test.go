package redis

import (
	"context"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/incident-ledger/internal/cache"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewStore(NewClient(Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_SetGetDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "incident:1")
	assert.ErrorIs(t, err, cache.ErrMiss)

	require.NoError(t, s.Set(ctx, "incident:1", []byte(`{"id":"1"}`), time.Minute))
	got, err := s.Get(ctx, "incident:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1"}`, string(got))

	require.NoError(t, s.Delete(ctx, "incident:1"))
	_, err = s.Get(ctx, "incident:1")
	assert.ErrorIs(t, err, cache.ErrMiss)

	assert.NoError(t, s.Delete(ctx))
}

func TestStore_TTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "incident:1", []byte("x"), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("incident:1"))

	mr.FastForward(2 * time.Minute)
	_, err := s.Get(ctx, "incident:1")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestStore_KeysScansAllPages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < scanBatch*2+5; i++ {
		require.NoError(t, s.Set(ctx, cache.Key(cache.EntityIncident, "1", strconv.Itoa(i)), []byte("x"), time.Minute))
	}
	require.NoError(t, s.Set(ctx, "incident:2", []byte("x"), time.Minute))

	keys, err := s.Keys(ctx, cache.Pattern(cache.EntityIncident, "1"))
	require.NoError(t, err)
	assert.Len(t, keys, scanBatch*2+5)

	keys, err = s.Keys(ctx, "incident:2*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"incident:2"}, keys)
}

func TestStore_PingAndFailure(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	mr.Close()
	assert.Error(t, s.Ping(ctx))
	_, err := s.Get(ctx, "incident:1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrMiss)
}

func TestStore_WithCoordinator(t *testing.T) {
	s, mr := newTestStore(t)
	c := cache.NewCoordinator(s, cache.Config{TTL: time.Minute})
	ctx := context.Background()

	type view struct {
		Title string `json:"title"`
	}

	c.Set(ctx, cache.Key(cache.EntityIncident, "7"), view{Title: "db down"}, 0)
	var got view
	require.True(t, c.Get(ctx, cache.Key(cache.EntityIncident, "7"), &got))
	assert.Equal(t, "db down", got.Title)

	c.Invalidate(ctx, cache.Pattern(cache.EntityIncident, "7"))
	assert.False(t, mr.Exists("incident:7"))

	mr.Close()
	assert.False(t, c.Get(ctx, cache.Key(cache.EntityIncident, "7"), &got))
}
