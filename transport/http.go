package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"

	"go.uber.org/zap"

	"pjbridge/message"
)

// ContextHeader carries the bridge context id between exchanges.
const ContextHeader = "X_JAVABRIDGE_CONTEXT"

// HTTPChannel tunnels the conversation through HTTP. Writes are buffered;
// the first Read after a write posts the buffered requests and streams the
// response body back. The server session is kept by cookie and by the
// context header it hands out.
type HTTPChannel struct {
	ctx    context.Context
	url    string
	client *http.Client
	user   string
	pass   string
	log    *zap.Logger

	out     bytes.Buffer
	body    io.ReadCloser
	context string
}

// HTTPOptions configure an HTTPChannel.
type HTTPOptions struct {
	Client   *http.Client
	Username string
	Password string
	Logger   *zap.Logger
}

// NewHTTPChannel returns a channel posting to url. A nil client gets a
// default client with a cookie jar.
func NewHTTPChannel(ctx context.Context, url string, opts HTTPOptions) *HTTPChannel {
	client := opts.Client
	if client == nil {
		jar, _ := cookiejar.New(nil)
		client = &http.Client{Jar: jar}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPChannel{ctx: ctx, url: url, client: client, user: opts.Username, pass: opts.Password, log: log}
}

func (c *HTTPChannel) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

func (c *HTTPChannel) Read(max int) ([]byte, error) {
	for {
		if c.body == nil {
			if c.out.Len() == 0 {
				return nil, fmt.Errorf("%w: response ended with nothing left to send", message.ErrBrokenConnection)
			}
			if err := c.post(); err != nil {
				return nil, err
			}
		}

		buf := make([]byte, max)
		n, err := c.body.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == io.EOF {
			c.body.Close()
			c.body = nil
			continue
		}
		if err != nil {
			return nil, wrapErr("read", err)
		}
	}
}

func (c *HTTPChannel) post() error {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.url, bytes.NewReader(c.out.Bytes()))
	if err != nil {
		return fmt.Errorf("%w: %v", message.ErrTransport, err)
	}
	req.ContentLength = int64(c.out.Len())
	req.Header.Set("Content-Type", "text/plain")
	if c.context != "" {
		req.Header.Set(ContextHeader, c.context)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	c.out.Reset()

	resp, err := c.client.Do(req)
	if err != nil {
		return wrapErr("post", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("%w: %s answered %s", message.ErrTransport, c.url, resp.Status)
	}
	if ctx := resp.Header.Get(ContextHeader); ctx != "" {
		c.context = ctx
	}
	c.log.Debug("http exchange", zap.String("url", c.url), zap.Int64("content_length", resp.ContentLength))
	c.body = resp.Body
	return nil
}

// Context returns the context id last handed out by the server.
func (c *HTTPChannel) Context() string { return c.context }

func (c *HTTPChannel) Close() error {
	if c.body != nil {
		c.body.Close()
		c.body = nil
	}
	c.client.CloseIdleConnections()
	return nil
}
