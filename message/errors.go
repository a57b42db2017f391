package message

import (
	"errors"
	"fmt"
)

// Error taxonomy. ProtocolError and TransportError are fatal for the
// connection; UsageError is reported to the caller and leaves the connection
// intact. Remote failures are *Fault values.
var (
	ErrProtocol  = errors.New("protocol error")
	ErrTransport = errors.New("transport error")
	ErrUsage     = errors.New("usage error")

	ErrBrokenConnection = fmt.Errorf("%w: broken connection", ErrTransport)
	ErrReleased         = fmt.Errorf("%w: handle already released", ErrUsage)
)

// Protocolf returns a ProtocolError with a formatted detail.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Usagef returns a UsageError with a formatted detail.
func Usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// IsFatal reports whether err invalidates the connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrTransport)
}
