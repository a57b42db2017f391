// Package transport moves request and response bytes between the engine and
// the bridge server.
//
// The conversation is strictly half-duplex: the engine writes a batch of
// requests, then reads until the response is complete. A Channel therefore
// needs no multiplexing, only three framings of the same byte stream:
//
//	RawChannel      plain socket, bytes as-is
//	ChunkedChannel  every write framed as <hex-length>\r\n<data>\r\n
//	HTTPChannel     every exchange is one POST, body bounded by Content-Length
//
// Any failure is fatal for the connection; channels never retry.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"pjbridge/message"
)

// Channel is the byte stream contract the engine relies on.
//
// Read blocks until at least one byte is available and returns at most max
// bytes. A peer that closes before the logical unit is complete yields
// message.ErrBrokenConnection.
type Channel interface {
	Write(p []byte) (int, error)
	Read(max int) ([]byte, error)
	Close() error
}

// RawChannel passes bytes through a connection unchanged.
type RawChannel struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewRawChannel wraps conn. Zero timeouts disable deadlines.
func NewRawChannel(conn net.Conn, readTimeout, writeTimeout time.Duration) *RawChannel {
	return &RawChannel{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (c *RawChannel) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.conn.Write(p)
	if err != nil {
		return n, wrapErr("write", err)
	}
	return n, nil
}

func (c *RawChannel) Read(max int) ([]byte, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	buf := make([]byte, max)
	n, err := c.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, wrapErr("read", err)
}

func (c *RawChannel) Close() error {
	return c.conn.Close()
}

// wrapErr classifies an I/O failure. A closed peer is a broken connection,
// everything else a transport error.
func wrapErr(op string, err error) error {
	if errors.Is(err, message.ErrTransport) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %s: %v", message.ErrBrokenConnection, op, err)
	}
	return fmt.Errorf("%w: %s: %v", message.ErrTransport, op, err)
}
