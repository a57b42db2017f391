package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pjbridge/loadbalance"
	"pjbridge/registry"
	"pjbridge/server"
)

// startServers runs n bridge servers on loopback and registers them.
func startServers(t *testing.T, n int) *registry.Static {
	t.Helper()
	reg := registry.NewStatic("JavaBridge")
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		svr := server.NewServer(zap.NewNop())
		go svr.Serve(l)
		t.Cleanup(func() { svr.Shutdown(2 * time.Second) })
		require.NoError(t, reg.Register(context.Background(), "JavaBridge",
			registry.Endpoint{Addr: l.Addr().String(), Weight: 1}, 10))
	}
	return reg
}

func TestPoolReusesSessions(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(PoolOptions{Registry: startServers(t, 1), Service: "JavaBridge", MaxIdle: 1})
	require.NoError(t, err)
	defer pool.Close()

	s1, err := pool.Get(ctx, "")
	require.NoError(t, err)
	res, err := s1.Invoke(ctx, nil, "castToString", 7)
	require.NoError(t, err)
	assert.Equal(t, "7", res)

	s2, err := pool.Get(ctx, "")
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)

	pool.Put(s1)
	// MaxIdle 为 1，多余的会话直接关闭
	pool.Put(s2)
	assert.ErrorIs(t, s2.check(), ErrSessionBroken)

	s3, err := pool.Get(ctx, "")
	require.NoError(t, err)
	assert.Same(t, s1, s3)
	pool.Put(s3)

	st := pool.Stats()
	assert.Equal(t, 1, st.Open)
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, uint64(1), st.Session.Calls)
	assert.NotZero(t, st.Session.BytesSent)

	require.NoError(t, pool.Close())
	st = pool.Stats()
	assert.Zero(t, st.Open)
	assert.Equal(t, uint64(1), st.Session.Calls)
}

func TestPoolDropsBrokenSessions(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(PoolOptions{Registry: startServers(t, 1), Service: "JavaBridge"})
	require.NoError(t, err)
	defer pool.Close()

	s, err := pool.Get(ctx, "")
	require.NoError(t, err)
	s.broken = errors.New("simulated")
	pool.Put(s)

	s2, err := pool.Get(ctx, "")
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
	pool.Put(s2)
}

func TestPoolDo(t *testing.T) {
	ctx := context.Background()
	reg := startServers(t, 3)
	pool, err := NewPool(PoolOptions{Registry: reg, Service: "JavaBridge", Balancer: &loadbalance.RoundRobinBalancer{}})
	require.NoError(t, err)
	defer pool.Close()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		err := pool.Do(ctx, "", func(s *Session) error {
			seen[s.endpoint] = true
			sb, err := s.CreateObject(ctx, "java.lang.StringBuilder", "x")
			if err != nil {
				return err
			}
			defer sb.Release()
			_, err = sb.ToString(ctx)
			return err
		})
		require.NoError(t, err)
	}
	assert.Len(t, seen, 3)
}

func TestPoolConsistentHash(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(PoolOptions{
		Registry: startServers(t, 3),
		Service:  "JavaBridge",
		Balancer: loadbalance.NewConsistentHashBalancer(),
	})
	require.NoError(t, err)
	defer pool.Close()

	var first string
	for i := 0; i < 3; i++ {
		s, err := pool.Get(ctx, "user-42")
		require.NoError(t, err)
		if first == "" {
			first = s.endpoint
		}
		assert.Equal(t, first, s.endpoint)
		pool.Put(s)
	}
}

func TestPoolErrors(t *testing.T) {
	ctx := context.Background()
	_, err := NewPool(PoolOptions{})
	assert.Error(t, err)

	pool, err := NewPool(PoolOptions{Registry: registry.NewStatic("JavaBridge"), Service: "JavaBridge"})
	require.NoError(t, err)
	_, err = pool.Get(ctx, "")
	assert.ErrorIs(t, err, registry.ErrNoEndpoints)

	pool, err = NewPool(PoolOptions{Registry: startServers(t, 1), Service: "JavaBridge"})
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	_, err = pool.Get(ctx, "")
	assert.ErrorIs(t, err, ErrPoolClosed)
}
