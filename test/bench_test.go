package test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"pjbridge/client"
	"pjbridge/codec"
	"pjbridge/protocol"
	"pjbridge/registry"
	"pjbridge/transport"
)

// ---- Setup 公共函数 ----

func setupPool(b *testing.B, opts client.Options) *client.Pool {
	svr := newBridge(transport.KindSocket)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go svr.Serve(l)

	pool, err := client.NewPool(client.PoolOptions{
		Registry: registry.NewStatic("JavaBridge", registry.Endpoint{Addr: l.Addr().String(), Weight: 1}),
		Service:  "JavaBridge",
		Session:  opts,
		MaxIdle:  16,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		pool.Close()
		svr.Shutdown(3 * time.Second)
	})
	return pool
}

func borrow(b *testing.B, pool *client.Pool) *client.Session {
	s, err := pool.Get(context.Background(), "")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { pool.Put(s) })
	return s
}

// 场景1: 单会话串行调用，结果按值返回
func BenchmarkSerialCall(b *testing.B) {
	s := borrow(b, setupPool(b, client.DefaultOptions()))
	ctx := context.Background()
	order, err := s.CreateObject(ctx, "shop.Order", 1)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := order.Call(ctx, "add", "x"); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 按引用返回，命中签名缓存后结果句柄由客户端预测，无需等待响应
func BenchmarkCachedCreate(b *testing.B) {
	opts := client.DefaultOptions()
	opts.PreferValues = false
	s := borrow(b, setupPool(b, opts))
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p, err := s.CreateObject(ctx, "java.lang.StringBuilder", "x")
		if err != nil {
			b.Fatal(err)
		}
		p.Release()
	}
	b.StopTimer()
	if err := s.Flush(); err != nil {
		b.Fatal(err)
	}
}

// 场景3: 反向调用往返
func BenchmarkReverseCall(b *testing.B) {
	s := borrow(b, setupPool(b, client.DefaultOptions()))
	ctx := context.Background()
	inc, err := s.Closure(ctx, func(x int64) int64 { return x + 1 })
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := s.Invoke(ctx, nil, "twice", inc, i); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景4: 多 goroutine 各自借用会话
func BenchmarkPoolParallel(b *testing.B) {
	pool := setupPool(b, client.DefaultOptions())
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			err := pool.Do(ctx, "", func(s *client.Session) error {
				_, err := s.Invoke(ctx, nil, "castToString", 42)
				return err
			})
			if err != nil {
				b.Error(err)
				return
			}
		}
	})
}

type onceSource struct{ data []byte }

func (s *onceSource) Read(int) ([]byte, error) {
	if s.data == nil {
		return nil, io.EOF
	}
	d := s.data
	s.data = nil
	return d, nil
}

// 场景5: 请求解码（不走网络）
func BenchmarkDecodeCall(b *testing.B) {
	req := []byte(`<Y p="1" v="1a" m="put"><S v="k&amp;v"/><L v="2a" p="O"/><X t="H"><P t="S" v="a"><D v="1.5"/></P></X></Y>`)
	b.SetBytes(int64(len(req)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := protocol.NewParser(&onceSource{data: req}, 8192, codec.UTF8)
		if _, err := protocol.DecodeCall(p); err != nil {
			b.Fatal(err)
		}
	}
}
