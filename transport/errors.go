package transport

import (
	"errors"
	"fmt"
)

// Errno is a transport status code. Zero is success; every other value is a
// failure whose description comes from the transport's code table.
type Errno int32

// Status codes surfaced by transports. The set covers resource exhaustion,
// invalid arguments, synchronization misuse and collective mismatches.
const (
	Success       Errno = 0
	ErrBuffer     Errno = 1
	ErrCount      Errno = 2
	ErrType       Errno = 3
	ErrRank       Errno = 6
	ErrOp         Errno = 9
	ErrArg        Errno = 12
	ErrUnknown    Errno = 13
	ErrTruncate   Errno = 14
	ErrOther      Errno = 15
	ErrIntern     Errno = 16
	ErrPending    Errno = 18
	ErrRequest    Errno = 19
	ErrNoMem      Errno = 34
	ErrSize       Errno = 51
	ErrWin        Errno = 45
	ErrDisp       Errno = 52
	ErrRMASync    Errno = 60
	ErrRMARange   Errno = 61
	ErrRMAAttach  Errno = 62
	ErrKey        Errno = 70
	ErrCollective Errno = 71
	ErrProcFailed Errno = 72
	ErrConn       Errno = 73
	ErrProto      Errno = 74
	ErrShutdown   Errno = 75
)

var errnoText = map[Errno]string{
	Success:       "success",
	ErrBuffer:     "invalid buffer pointer",
	ErrCount:      "invalid count argument",
	ErrType:       "invalid datatype",
	ErrRank:       "invalid rank",
	ErrOp:         "invalid reduce operation for datatype",
	ErrArg:        "invalid argument of some other kind",
	ErrUnknown:    "unknown error",
	ErrTruncate:   "message truncated",
	ErrOther:      "known error not in this list",
	ErrIntern:     "internal transport error",
	ErrPending:    "pending request",
	ErrRequest:    "invalid request",
	ErrNoMem:      "memory registration refused: resources exhausted",
	ErrSize:       "invalid size argument",
	ErrWin:        "invalid window",
	ErrDisp:       "invalid displacement argument",
	ErrRMASync:    "rma operation outside of an access epoch",
	ErrRMARange:   "target memory is not part of an attached region",
	ErrRMAAttach:  "memory cannot be attached or detached",
	ErrKey:        "remote key does not match the attached region",
	ErrCollective: "collective operations issued in different order",
	ErrProcFailed: "peer process failed",
	ErrConn:       "connection to peer failed",
	ErrProto:      "malformed frame from peer",
	ErrShutdown:   "endpoint shut down",
}

// Error returns the description from the code table.
func (e Errno) Error() string {
	return e.String()
}

// String looks the code up in the transport's code table.
func (e Errno) String() string {
	if msg, ok := errnoText[e]; ok {
		return msg
	}
	return fmt.Sprintf("transport error %d", int32(e))
}

// WithOp attaches the failing operation to the code.
func (e Errno) WithOp(op string) error {
	if e == Success {
		return nil
	}
	return &Error{Op: op, Code: e}
}

// Error is the single transport error kind: a code plus the operation that
// produced it.
type Error struct {
	Op   string
	Code Errno
}

func (e *Error) Error() string {
	if e.Op == "" {
		return "transport: " + e.Code.String()
	}
	return fmt.Sprintf("transport %s: %s (code %d)", e.Op, e.Code.String(), int32(e.Code))
}

// Unwrap allows errors.Is / errors.As to match against the underlying Errno.
func (e *Error) Unwrap() error {
	return e.Code
}

// CodeOf extracts the transport code from err, returning ErrUnknown for
// errors that did not originate in a transport and Success for nil.
func CodeOf(err error) Errno {
	if err == nil {
		return Success
	}
	var code Errno
	if errors.As(err, &code) {
		return code
	}
	return ErrUnknown
}

var (
	// ErrTokenConsumed indicates a token was tested or waited after it had
	// already completed and been consumed.
	ErrTokenConsumed = errors.New("transport: token already consumed")
	// ErrTokenForeign indicates a token was tested on an endpoint that did not
	// issue it.
	ErrTokenForeign = errors.New("transport: token issued by another endpoint")
	// ErrClosed indicates the endpoint has already been closed.
	ErrClosed = errors.New("transport: endpoint closed")
)
