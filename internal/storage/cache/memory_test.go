package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attested-worker/pkg/config"
)

func TestMemoryStore_Set_Get_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k1", "v1", 0))

	var v string
	require.NoError(t, s.Get(ctx, "k1", &v))
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Delete(ctx, "k1"))
	assert.ErrorIs(t, s.Get(ctx, "k1", &v), ErrMiss)
	// 重复删除不报错
	assert.NoError(t, s.Delete(ctx, "k1"))
}

func TestMemoryStore_Exists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_Expiration(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s := NewMemoryStoreWithClock(func() time.Time { return now })
	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, s.Set(ctx, "forever", "v", 0))
	assert.Equal(t, 2, s.Len())

	now = now.Add(2 * time.Minute)
	var v string
	assert.ErrorIs(t, s.Get(ctx, "k", &v), ErrMiss)
	ok, _ := s.Exists(ctx, "k")
	assert.False(t, ok)
	require.NoError(t, s.Get(ctx, "forever", &v))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k1", "v1", 0))
	require.NoError(t, s.Clear(ctx))

	var v string
	assert.ErrorIs(t, s.Get(ctx, "k1", &v), ErrMiss)
}

func TestDecisions(t *testing.T) {
	ctx := context.Background()
	d := NewDecisions(NewMemoryStore(), time.Hour)

	_, ok, err := d.Lookup(ctx, 7, "incident", "policy")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Remember(ctx, "incident", "policy", Decision{CaseID: 7, Label: "approve", Attempts: 1}))
	got, ok, err := d.Lookup(ctx, 7, "incident", "policy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "approve", got.Label)

	// 内容不同视为不同 case
	_, ok, err = d.Lookup(ctx, 7, "incident", "other policy")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Forget(ctx, 7, "incident", "policy"))
	_, ok, err = d.Lookup(ctx, 7, "incident", "policy")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecisionKey(t *testing.T) {
	assert.Equal(t, DecisionKey(1, "a", "b"), DecisionKey(1, "a", "b"))
	assert.NotEqual(t, DecisionKey(1, "ab", ""), DecisionKey(1, "a", "b"))
	assert.NotEqual(t, DecisionKey(1, "a", "b"), DecisionKey(2, "a", "b"))
}

func TestNewCache(t *testing.T) {
	s, err := NewCache(context.Background(), config.CacheConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewCache(context.Background(), config.CacheConfig{Type: "memcached"})
	assert.Error(t, err)

	_, err = NewCache(context.Background(), config.CacheConfig{Type: "redis"})
	assert.Error(t, err)
}
