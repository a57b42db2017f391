package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"go.uber.org/zap"

	"pjbridge/message"
)

// Channel kinds accepted by Dial.
const (
	KindSocket  = "socket"
	KindChunked = "chunked"
	KindHTTP    = "http"
)

// sslPrefix on a host selects TLS.
const sslPrefix = "ssl:"

// Options configure Dial.
type Options struct {
	Kind           string
	Servlet        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TLSConfig      *tls.Config
	Username       string
	Password       string
	Logger         *zap.Logger
}

// ConnectTimeoutFor returns the default connect timeout for addr: short for
// loopback, longer for remote hosts.
func ConnectTimeoutFor(addr string) time.Duration {
	host, _, err := net.SplitHostPort(strings.TrimPrefix(addr, sslPrefix))
	if err != nil {
		host = addr
	}
	if host == "localhost" || host == "" {
		return 5 * time.Second
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return 5 * time.Second
	}
	return 20 * time.Second
}

// Dial opens a channel to addr ("host:port", optionally prefixed with
// "ssl:").
func Dial(ctx context.Context, addr string, opts Options) (Channel, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	secure := strings.HasPrefix(addr, sslPrefix)
	hostport := strings.TrimPrefix(addr, sslPrefix)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = ConnectTimeoutFor(hostport)
	}

	if opts.Kind == KindHTTP {
		scheme := "http"
		if secure {
			scheme = "https"
		}
		url := fmt.Sprintf("%s://%s/%s", scheme, hostport, strings.TrimPrefix(opts.Servlet, "/"))
		jar, _ := cookiejar.New(nil)
		tr := &http.Transport{
			DialContext:     (&net.Dialer{Timeout: timeout}).DialContext,
			TLSClientConfig: opts.TLSConfig,
		}
		client := &http.Client{Jar: jar, Transport: tr, Timeout: opts.ReadTimeout}
		log.Debug("http channel", zap.String("url", url))
		return NewHTTPChannel(ctx, url, HTTPOptions{Client: client, Username: opts.Username, Password: opts.Password, Logger: log}), nil
	}

	dialer := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if secure {
		td := &tls.Dialer{NetDialer: dialer, Config: opts.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", hostport)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", hostport)
	}
	if err != nil {
		log.Error("dial failed", zap.String("addr", addr), zap.Error(err))
		return nil, fmt.Errorf("%w: dial %s: %v", message.ErrTransport, addr, err)
	}
	log.Debug("connected", zap.String("addr", addr), zap.String("kind", opts.Kind), zap.Bool("tls", secure))

	raw := NewRawChannel(conn, opts.ReadTimeout, opts.WriteTimeout)
	switch opts.Kind {
	case "", KindSocket:
		return raw, nil
	case KindChunked:
		return NewChunkedChannel(deadlineConn{raw}), nil
	}
	conn.Close()
	return nil, message.Usagef("unknown transport %q", opts.Kind)
}

// deadlineConn lets a chunked channel reuse the deadline handling of a raw
// channel.
type deadlineConn struct{ raw *RawChannel }

func (d deadlineConn) Read(p []byte) (int, error) {
	if d.raw.readTimeout > 0 {
		d.raw.conn.SetReadDeadline(time.Now().Add(d.raw.readTimeout))
	}
	return d.raw.conn.Read(p)
}

func (d deadlineConn) Write(p []byte) (int, error) { return d.raw.Write(p) }

func (d deadlineConn) Close() error { return d.raw.Close() }
