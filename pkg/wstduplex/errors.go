package wstduplex

import (
	"errors"
	"fmt"
)

// ErrChannelClosed is returned by sends issued after the channel has begun
// shutting down.
var ErrChannelClosed = errors.New("duplex channel is closed")

// ProtocolError is fatal to a channel: envelope parse failures, version or
// sequence mismatches, and signature verification failures all abort the
// transport rather than being dropped or downgraded.
type ProtocolError struct {
	reason string
}

func (e *ProtocolError) Error() string {
	return "duplex protocol violation: " + e.reason
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
