package wire

import "fmt"

// ProtocolError is returned for any frame decode failure. Per the sync
// protocol's ordering guarantee, a ProtocolError is always fatal to the
// session: callers must close the connection, never retry the same read.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wire: protocol error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("wire: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

func newProtocolError(cause error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}
