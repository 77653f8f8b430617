//go:build integration

package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *RedisStore {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	addr, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb)
}

func TestRedisStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := startRedis(t)
	require.NoError(t, s.Ping(ctx))

	state, _, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)

	ok, err := s.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	state, _, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	resp := &Response{Status: http.StatusCreated, Header: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{}`)}
	require.NoError(t, s.Save(ctx, "k", resp, time.Minute))
	state, got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Equal(t, resp, got)

	require.NoError(t, s.Release(ctx, "k"))
	state, _, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)
}

func TestRedisStore_ReservationExpires(t *testing.T) {
	ctx := context.Background()
	s := startRedis(t)

	ok, err := s.Reserve(ctx, "short", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		state, _, err := s.Load(ctx, "short")
		return err == nil && state == StateNew
	}, 5*time.Second, 100*time.Millisecond)
}
