package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要真实 Redis：WORKER_TEST_REDIS_ADDR=127.0.0.1:6379
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("WORKER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WORKER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, addr, "", 0, "attested-worker-test:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Clear(ctx))

	d := NewDecisions(s, time.Minute)
	require.NoError(t, d.Remember(ctx, "i", "p", Decision{CaseID: 3, Label: "deny"}))
	got, ok, err := d.Lookup(ctx, 3, "i", "p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deny", got.Label)

	require.NoError(t, s.Clear(ctx))
	_, ok, err = d.Lookup(ctx, 3, "i", "p")
	require.NoError(t, err)
	assert.False(t, ok)
}
