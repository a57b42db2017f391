package transport

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pjbridge/message"
)

// ChunkedChannel frames every write as one hex-length chunk and reads the
// peer's chunks back. A chunk larger than the caller's read size is handed
// out over several reads.
type ChunkedChannel struct {
	rw     io.ReadWriteCloser
	r      *bufio.Reader
	remain int
}

// NewChunkedChannel wraps rw.
func NewChunkedChannel(rw io.ReadWriteCloser) *ChunkedChannel {
	return &ChunkedChannel{rw: rw, r: bufio.NewReader(rw)}
}

func (c *ChunkedChannel) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	frame := make([]byte, 0, len(p)+20)
	frame = strconv.AppendInt(frame, int64(len(p)), 16)
	frame = append(frame, "\r\n"...)
	frame = append(frame, p...)
	frame = append(frame, "\r\n"...)
	if _, err := c.rw.Write(frame); err != nil {
		return 0, wrapErr("write", err)
	}
	return len(p), nil
}

func (c *ChunkedChannel) Read(max int) ([]byte, error) {
	if c.remain == 0 {
		n, err := c.header()
		if err != nil {
			return nil, err
		}
		c.remain = n
	}

	n := min(max, c.remain)
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, wrapErr("read", err)
	}
	c.remain -= n

	if c.remain == 0 {
		if err := c.trailer(); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// header reads one chunk length line. A zero-length chunk ends the stream.
func (c *ChunkedChannel) header() (int, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return 0, wrapErr("read chunk header", err)
	}
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	n, err := strconv.ParseUint(line, 16, 31)
	if err != nil {
		return 0, fmt.Errorf("%w: bad chunk header %q", message.ErrTransport, line)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: peer ended the chunk stream", message.ErrBrokenConnection)
	}
	return int(n), nil
}

func (c *ChunkedChannel) trailer() error {
	var crlf [2]byte
	if _, err := io.ReadFull(c.r, crlf[:]); err != nil {
		return wrapErr("read chunk trailer", err)
	}
	if crlf != [2]byte{'\r', '\n'} {
		return fmt.Errorf("%w: missing chunk trailer", message.ErrTransport)
	}
	return nil
}

// Close sends the terminating zero-length chunk and closes the stream.
func (c *ChunkedChannel) Close() error {
	c.rw.Write([]byte("0\r\n\r\n"))
	return c.rw.Close()
}
