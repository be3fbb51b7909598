package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisResolver) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	r, err := NewRedisResolver("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	return mr, r
}

func TestRegisterThenResolve(t *testing.T) {
	mr, r := setupTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "agent-1", "10.0.0.1:7781", time.Minute))

	addr, err := r.Resolve(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:7781", addr)
}

func TestResolveFallsBackToCacheOnRedisOutage(t *testing.T) {
	mr, r := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "agent-1", "10.0.0.1:7781", time.Minute))

	_, err := r.Resolve(ctx, "agent-1")
	require.NoError(t, err)

	mr.Close()

	addr, err := r.Resolve(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:7781", addr)
}

func TestResolveUnknownNameWithNoCacheFails(t *testing.T) {
	mr, r := setupTestRedis(t)
	defer mr.Close()

	_, err := r.Resolve(context.Background(), "ghost")
	require.Error(t, err)
}

func TestStaticResolver(t *testing.T) {
	s := NewStaticResolver(map[string]string{"root": "root.internal:7781"})
	addr, err := s.Resolve(context.Background(), "root")
	require.NoError(t, err)
	require.Equal(t, "root.internal:7781", addr)

	_, err = s.Resolve(context.Background(), "missing")
	require.Error(t, err)
}
