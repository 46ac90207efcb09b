package mailbox

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"syscall"
)

// ErrorKind classifies a transport failure for retry policy.
type ErrorKind int

const (
	// KindOther covers failures with no specific retry treatment.
	KindOther ErrorKind = iota
	// KindDisconnect marks a dropped or dead connection; immediately
	// retryable after reconnecting.
	KindDisconnect
	// KindThrottle marks rate limits and timeouts; retryable after
	// backing off.
	KindThrottle
)

// Error wraps a transport failure with its classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsDisconnect reports whether err is a disconnect-class transport error.
func IsDisconnect(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == KindDisconnect
}

// IsThrottle reports whether err is a rate/timeout-class transport error.
func IsThrottle(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == KindThrottle
}

// wrapErr classifies err and wraps it with the operation name. A nil err
// returns nil.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

// classify maps a raw transport error onto an ErrorKind.
func classify(err error) ErrorKind {
	var already *Error
	if errors.As(err, &already) {
		return already.Kind
	}

	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch {
		case proto.Code == 421:
			// Service not available, closing transmission channel.
			return KindDisconnect
		case proto.Code == 451 || proto.Code == 450 || proto.Code == 452:
			return KindThrottle
		}
		return KindOther
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindThrottle
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindDisconnect
	}

	// imapclient surfaces a closed connection as a plain error message.
	msg := err.Error()
	if strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") {
		return KindDisconnect
	}

	return KindOther
}
