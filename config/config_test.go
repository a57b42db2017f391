package config

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pjbridge/client"
	"pjbridge/message"
	"pjbridge/registry"
	"pjbridge/server"
	"pjbridge/transport"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"localhost:8080"}, c.Hosts)
	assert.Equal(t, "JavaBridge/servlet.phpjavabridge", c.Servlet)
	assert.Equal(t, transport.KindSocket, c.Transport)
	assert.Equal(t, 8192, c.SendSize)
	assert.Equal(t, 8192, c.RecvSize)
	assert.True(t, c.PreferValues)
	assert.Equal(t, -1, c.RemoteLogLevel)
	assert.Zero(t, c.ReadTimeout)
	assert.Zero(t, c.WriteTimeout)
}

func TestParseKeepsDefaults(t *testing.T) {
	c, err := Parse([]byte(`
hosts: ["10.0.0.1:9267", "ssl:10.0.0.2:9267"]
transport: chunked
prefer_values: false
connect_timeout: 2s
read_timeout: 30s
registry:
  service: Billing
balancer: consistent_hash
reverse_calls:
  rate: 50
  burst: 5
`))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"10.0.0.1:9267", "ssl:10.0.0.2:9267"}, c.Hosts)
	assert.Equal(t, transport.KindChunked, c.Transport)
	assert.False(t, c.PreferValues)
	assert.Equal(t, 2*time.Second, c.ConnectTimeout)
	assert.Equal(t, 30*time.Second, c.ReadTimeout)
	assert.Equal(t, "Billing", c.Registry.Service)
	assert.Equal(t, 5*time.Second, c.Registry.DialTimeout)
	// 未出现的键保留默认值
	assert.Equal(t, 8192, c.SendSize)
	assert.Equal(t, "UTF-8", c.Encoding)
}

func TestParseError(t *testing.T) {
	_, err := Parse([]byte("hosts: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"send size": func(c *Config) { c.SendSize = 0 },
		"recv size": func(c *Config) { c.RecvSize = -1 },
		"transport": func(c *Config) { c.Transport = "pigeon" },
		"encoding":  func(c *Config) { c.Encoding = "klingon-8" },
		"log level": func(c *Config) { c.RemoteLogLevel = 9 },
		"balancer":  func(c *Config) { c.Balancer = "random_walk" },
		"no hosts":  func(c *Config) { c.Hosts = nil },
		"zap level": func(c *Config) { c.Log.Level = "loud" },
		"rate":      func(c *Config) { c.ReverseCalls.Rate = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := Default()
	c.Encoding = "iso-8859-1"
	assert.NoError(t, c.Validate())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvOverrideHosts, "a:1;b:2, c:3")
	c := Default()
	c.ApplyEnv()
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, c.Hosts)

	t.Setenv(EnvOverrideHosts, "/")
	c = Default()
	c.ApplyEnv()
	assert.Equal(t, []string{"localhost:8080"}, c.Hosts)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hosts: [\"h:1\"]\nsend_size: 1024\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, c.SendSize)

	t.Setenv(EnvOverrideHosts, "h:2")
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"h:2"}, c.Hosts)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("transport: pigeon\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestSessionOptions(t *testing.T) {
	c := Default()
	c.Encoding = "ISO-8859-1"
	c.ReverseCalls.Rate = 10
	c.ReverseCalls.LogCalls = true

	opts, err := c.SessionOptions(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "windows-1252", opts.Charset.Name())
	assert.Equal(t, client.NoLogLevel, opts.LogLevel)
	assert.Len(t, opts.Middleware, 2)

	d := c.DialOptions(nil)
	assert.Equal(t, c.Servlet, d.Servlet)
	assert.Equal(t, transport.KindSocket, d.Kind)
}

func TestLogger(t *testing.T) {
	c := Default()
	c.Log.Level = "debug"
	c.Log.Development = true
	c.Log.Encoding = "console"
	log, err := c.Logger()
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))
}

func TestStaticRegistry(t *testing.T) {
	c := Default()
	c.Hosts = []string{"a:1", "b:2"}
	c.Transport = transport.KindHTTP
	reg, err := c.NewRegistry(nil)
	require.NoError(t, err)

	eps, err := reg.Discover(context.Background(), "JavaBridge")
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, registry.Endpoint{Addr: "b:2", Weight: 1, Transport: "http", Servlet: c.Servlet}, eps[1])
}

func TestNewPoolEndToEnd(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svr := server.NewServer(zap.NewNop())
	go svr.Serve(l)
	defer svr.Shutdown(2 * time.Second)

	c := Default()
	c.Hosts = []string{l.Addr().String()}
	c.ReadTimeout = 5 * time.Second
	pool, err := c.NewPool(nil)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	err = pool.Do(ctx, "", func(s *client.Session) error {
		sb, err := s.CreateObject(ctx, "java.lang.StringBuilder", "yaml")
		if err != nil {
			return err
		}
		text, err := sb.ToString(ctx)
		assert.Equal(t, "yaml", text)
		return err
	})
	require.NoError(t, err)
}

// 超时的调用关闭连接，连接池换一个新会话继续
func TestNewServerInvokeTimeout(t *testing.T) {
	c := Default()
	c.Server.InvokeTimeout = 50 * time.Millisecond
	c.ReadTimeout = 5 * time.Second
	require.NoError(t, c.Validate())

	svr := c.NewServer(zap.NewNop())
	assert.Equal(t, "JavaBridge", svr.Service)
	require.NoError(t, svr.RegisterFunction("sleep", func(ms int64) int64 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ms
	}))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(l)
	defer svr.Shutdown(2 * time.Second)

	c.Hosts = []string{l.Addr().String()}
	pool, err := c.NewPool(nil)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	err = pool.Do(ctx, "", func(s *client.Session) error {
		_, err := s.Invoke(ctx, nil, "sleep", 300)
		return err
	})
	require.ErrorIs(t, err, message.ErrTransport)

	var got any
	require.NoError(t, pool.Do(ctx, "", func(s *client.Session) error {
		got, err = s.Invoke(ctx, nil, "sleep", 1)
		return err
	}))
	assert.Equal(t, int64(1), got)

	c.Server.InvokeTimeout = -time.Second
	assert.Error(t, c.Validate())
}
