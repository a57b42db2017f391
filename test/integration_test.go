package test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pjbridge/client"
	"pjbridge/config"
	"pjbridge/message"
	"pjbridge/metrics"
	"pjbridge/middleware"
	"pjbridge/registry"
	"pjbridge/server"
	"pjbridge/transport"
)

// ---- 测试用的远程类 ----

type Order struct {
	ID    int64
	Items []string
}

func (o *Order) ClassName() string { return "shop.Order" }

func (o *Order) Add(item string) int64 {
	o.Items = append(o.Items, item)
	return int64(len(o.Items))
}

// newBridge returns a server with the shop classes, serving transport kind.
func newBridge(kind string) *server.Server {
	svr := server.NewServer(zap.NewNop())
	svr.Transport = kind
	svr.Use(middleware.LoggingMiddleware(zap.NewNop()))
	svr.RegisterClass(server.Class{
		Name: "shop.Order",
		New:  func(id int64) *Order { return &Order{ID: id} },
	})
	// twice 通过闭包回调客户端两次
	svr.RegisterFunction("twice", func(ctx context.Context, cl *server.Closure, n int64) (any, error) {
		r, err := cl.Call(ctx, "call", n)
		if err != nil {
			return nil, err
		}
		return cl.Call(ctx, "call", r)
	})
	return svr
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func serve(t *testing.T, svr *server.Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(l)
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	return l.Addr().String()
}

// workload exercises one session: objects, properties, offsets, iteration
// and a reverse call.
func workload(ctx context.Context, s *client.Session, id int64) error {
	order, err := s.CreateObject(ctx, "shop.Order", id)
	if err != nil {
		return err
	}
	defer order.Release()
	for _, item := range []string{"tea", "milk"} {
		if _, err := order.Call(ctx, "add", item); err != nil {
			return err
		}
	}
	got, err := order.Get(ctx, "id")
	if err != nil {
		return err
	}
	if got != id {
		return fmt.Errorf("id: want %d, got %v", id, got)
	}

	m, err := s.CreateObject(ctx, "java.util.HashMap")
	if err != nil {
		return err
	}
	defer m.Release()
	if err := m.SetIndex(ctx, "order", order); err != nil {
		return err
	}
	ok, err := m.HasIndex(ctx, "order")
	if err != nil || !ok {
		return fmt.Errorf("hasIndex: %v %v", ok, err)
	}

	it, err := m.Iterate(ctx)
	if err != nil {
		return err
	}
	n := 0
	for it.Next(ctx) {
		n++
	}
	if err := it.Err(); err != nil || n != 1 {
		return fmt.Errorf("iterate: %d entries, %v", n, err)
	}

	triple, err := s.Closure(ctx, func(x int64) int64 { return 3 * x })
	if err != nil {
		return err
	}
	defer triple.Release()
	res, err := s.Invoke(ctx, nil, "twice", triple, id)
	if err != nil {
		return err
	}
	if res != 9*id {
		return fmt.Errorf("twice: want %d, got %v", 9*id, res)
	}
	return nil
}

// TestEndToEndStatic 完整链路: Config → Static Registry → LB → Pool → Transport → Server
func TestEndToEndStatic(t *testing.T) {
	for _, kind := range []string{transport.KindSocket, transport.KindChunked} {
		t.Run(kind, func(t *testing.T) {
			c := config.Default()
			c.Transport = kind
			c.Hosts = []string{serve(t, newBridge(kind)), serve(t, newBridge(kind))}
			c.ReadTimeout = 5 * time.Second
			c.ReverseCalls.Rate = 1000
			c.ReverseCalls.Burst = 100

			pool, err := c.NewPool(zap.NewNop())
			require.NoError(t, err)
			defer pool.Close()

			ctx := context.Background()
			for i := int64(1); i <= 6; i++ {
				require.NoError(t, pool.Do(ctx, "", func(s *client.Session) error {
					return workload(ctx, s, i)
				}))
			}

			st := pool.Stats()
			assert.Equal(t, 2, st.Open)
			assert.Equal(t, uint64(12), st.Session.ReverseCalls)
			assert.NotZero(t, st.Session.Cache.Hits)

			reg := prometheus.NewPedanticRegistry()
			require.NoError(t, metrics.Register(reg, metrics.NewPoolCollector(pool, prometheus.Labels{"transport": kind})))
			_, err = reg.Gather()
			require.NoError(t, err)
		})
	}
}

// TestConcurrentSessions 多 goroutine 各自借用会话
func TestConcurrentSessions(t *testing.T) {
	addr := serve(t, newBridge(transport.KindSocket))
	pool, err := client.NewPool(client.PoolOptions{
		Registry: registry.NewStatic("JavaBridge", registry.Endpoint{Addr: addr, Weight: 1}),
		Service:  "JavaBridge",
		MaxIdle:  8,
	})
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func(g int64) {
			var err error
			for i := int64(0); i < 5 && err == nil; i++ {
				err = pool.Do(ctx, "", func(s *client.Session) error {
					return workload(ctx, s, g*10+i+1)
				})
			}
			errs <- err
		}(int64(g))
	}
	for g := 0; g < 8; g++ {
		require.NoError(t, <-errs)
	}
}

func TestRemoteFaultKeepsPooledSession(t *testing.T) {
	addr := serve(t, newBridge(transport.KindSocket))
	pool, err := client.NewPool(client.PoolOptions{
		Registry: registry.NewStatic("JavaBridge", registry.Endpoint{Addr: addr, Weight: 1}),
		Service:  "JavaBridge",
	})
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	var first *client.Session
	err = pool.Do(ctx, "", func(s *client.Session) error {
		first = s
		_, err := s.CreateObject(ctx, "shop.Missing")
		return err
	})
	var f *message.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, message.FaultClassNotFound, f.Kind())

	require.NoError(t, pool.Do(ctx, "", func(s *client.Session) error {
		assert.Same(t, first, s)
		return workload(ctx, s, 1)
	}))
}

// TestEndToEndWithEtcd 服务端向 etcd 注册，客户端经 etcd 发现
func TestEndToEndWithEtcd(t *testing.T) {
	conn, err := net.DialTimeout("tcp", "127.0.0.1:2379", 200*time.Millisecond)
	if err != nil {
		t.Skip("etcd not reachable on 127.0.0.1:2379")
	}
	conn.Close()

	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"}, time.Second, nil)
	require.NoError(t, err)
	defer reg.Close()

	service := fmt.Sprintf("pjbridge-it-%d", time.Now().UnixNano())
	var svrs []*server.Server
	for i := 0; i < 2; i++ {
		svr := newBridge(transport.KindSocket)
		svr.Service = service
		addr := freeAddr(t)
		go svr.ListenAndServe("tcp", addr, addr, reg)
		svrs = append(svrs, svr)
	}
	require.Eventually(t, func() bool {
		eps, err := reg.Discover(context.Background(), service)
		return err == nil && len(eps) == 2
	}, 3*time.Second, 50*time.Millisecond)

	c := config.Default()
	c.Registry.EtcdEndpoints = []string{"127.0.0.1:2379"}
	c.Registry.Service = service
	c.Balancer = "consistent_hash"
	pool, err := c.NewPool(nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, pool.Do(ctx, fmt.Sprintf("user-%d", i), func(s *client.Session) error {
			return workload(ctx, s, i)
		}))
	}
	require.NoError(t, pool.Close())

	for _, svr := range svrs {
		require.NoError(t, svr.Shutdown(3*time.Second))
	}
	_, err = reg.Discover(ctx, service)
	assert.ErrorIs(t, err, registry.ErrNoEndpoints)
}
