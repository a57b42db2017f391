package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pjbridge/client"
	"pjbridge/codec"
	"pjbridge/loadbalance"
	"pjbridge/middleware"
	"pjbridge/registry"
	"pjbridge/server"
	"pjbridge/transport"
)

// Logger builds the zap logger described by the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	if c.Log.Encoding != "" {
		zc.Encoding = c.Log.Encoding
	}
	return zc.Build()
}

// SessionOptions returns the session settings. Reverse calls are wrapped in
// a logging middleware and a rate limiter when configured.
func (c *Config) SessionOptions(log *zap.Logger) (client.Options, error) {
	cs, err := codec.LookupCharset(c.Encoding)
	if err != nil {
		return client.Options{}, fmt.Errorf("config: %w", err)
	}
	opts := client.Options{
		Logger:       log,
		Charset:      cs,
		SendSize:     c.SendSize,
		RecvSize:     c.RecvSize,
		PreferValues: c.PreferValues,
		LogLevel:     c.RemoteLogLevel,
	}
	if opts.LogLevel < 0 {
		opts.LogLevel = client.NoLogLevel
	}
	if c.ReverseCalls.LogCalls {
		opts.Middleware = append(opts.Middleware, middleware.LoggingMiddleware(log))
	}
	if c.ReverseCalls.Rate > 0 {
		burst := c.ReverseCalls.Burst
		if burst <= 0 {
			burst = 1
		}
		opts.Middleware = append(opts.Middleware, middleware.RateLimitMiddleware(c.ReverseCalls.Rate, burst))
	}
	return opts, nil
}

// DialOptions returns the transport settings shared by every endpoint.
func (c *Config) DialOptions(log *zap.Logger) transport.Options {
	return transport.Options{
		Kind:           c.Transport,
		Servlet:        c.Servlet,
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		Username:       c.Username,
		Password:       c.Password,
		Logger:         log,
	}
}

// NewRegistry returns an etcd registry when etcd endpoints are configured
// and a static registry over Hosts otherwise.
func (c *Config) NewRegistry(log *zap.Logger) (registry.Registry, error) {
	if len(c.Registry.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(c.Registry.EtcdEndpoints, c.Registry.DialTimeout, log)
		if err != nil {
			return nil, err
		}
		return reg, nil
	}
	eps := make([]registry.Endpoint, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		eps = append(eps, registry.Endpoint{Addr: h, Weight: 1, Transport: c.Transport, Servlet: c.Servlet})
	}
	return registry.NewStatic(c.Registry.Service, eps...), nil
}

// NewPool wires registry, balancer, transport and session settings into a
// session pool.
func (c *Config) NewPool(log *zap.Logger) (*client.Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	reg, err := c.NewRegistry(log)
	if err != nil {
		return nil, fmt.Errorf("config: registry: %w", err)
	}
	bal, err := loadbalance.New(c.Balancer)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	sess, err := c.SessionOptions(log)
	if err != nil {
		return nil, err
	}
	return client.NewPool(client.PoolOptions{
		Registry: reg,
		Balancer: bal,
		Service:  c.Registry.Service,
		Dial:     c.DialOptions(log),
		Session:  sess,
		MaxIdle:  c.MaxIdle,
		Logger:   log,
	})
}

// NewServer returns an in-process bridge server announced under the
// registry service name. Invocations are logged, and bounded when
// server.invoke_timeout is set.
func (c *Config) NewServer(log *zap.Logger) *server.Server {
	if log == nil {
		log = zap.NewNop()
	}
	svr := server.NewServer(log)
	svr.Service = c.Registry.Service
	if c.Transport == transport.KindChunked {
		svr.Transport = transport.KindChunked
	}
	svr.InvokeTimeout = c.Server.InvokeTimeout
	svr.Use(middleware.LoggingMiddleware(log))
	return svr
}
