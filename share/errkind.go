package chshare

import (
	"errors"
	"io"
	"net"
	"os"
)

// ErrKind classifies an error into one of the kinds spec.md §7 maps from
// underlying platform error codes, so callers can apply a uniform policy
// (fatal / drop session / log and continue / unwind quietly) without
// switching on platform-specific error types at each call site.
type ErrKind int

const (
	// ErrKindNone is the zero value; no error occurred
	ErrKindNone ErrKind = iota
	// ErrKindOutOfMemory: allocation failure
	ErrKindOutOfMemory
	// ErrKindInvalidConfig: bad config value, missing password
	ErrKindInvalidConfig
	// ErrKindInvalidData: unknown frame type, malformed handshake
	ErrKindInvalidData
	// ErrKindPermissionDenied: password mismatch, callsign denied
	ErrKindPermissionDenied
	// ErrKindAddressInUse: listener bind failure
	ErrKindAddressInUse
	// ErrKindAddressUnavailable: name resolution or bind of slot upstream failed
	ErrKindAddressUnavailable
	// ErrKindBrokenPipe: clean peer EOF or peer reset on the client link
	ErrKindBrokenPipe
	// ErrKindConnectionReset: peer reset (RST / aborted)
	ErrKindConnectionReset
	// ErrKindInterrupted: self-initiated shutdown unblocked a pending call
	ErrKindInterrupted
	// ErrKindTimedOut: optional socket read timeout
	ErrKindTimedOut
	// ErrKindUnsupported: platform missing a feature; caller should no-op
	ErrKindUnsupported
	// ErrKindOther: anything not classified above
	ErrKindOther
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNone:
		return "None"
	case ErrKindOutOfMemory:
		return "OutOfMemory"
	case ErrKindInvalidConfig:
		return "InvalidConfig"
	case ErrKindInvalidData:
		return "InvalidData"
	case ErrKindPermissionDenied:
		return "PermissionDenied"
	case ErrKindAddressInUse:
		return "AddressInUse"
	case ErrKindAddressUnavailable:
		return "AddressUnavailable"
	case ErrKindBrokenPipe:
		return "BrokenPipe"
	case ErrKindConnectionReset:
		return "ConnectionReset"
	case ErrKindInterrupted:
		return "Interrupted"
	case ErrKindTimedOut:
		return "TimedOut"
	case ErrKindUnsupported:
		return "Unsupported"
	default:
		return "Other"
	}
}

// KindedError pairs a classified ErrKind with the underlying error it was
// derived from
type KindedError struct {
	Kind ErrKind
	Err  error
}

func (e *KindedError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *KindedError) Unwrap() error {
	return e.Err
}

// NewKindedError wraps err with an explicit kind
func NewKindedError(kind ErrKind, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &KindedError{Kind: kind, Err: err}
}

// ClassifyKind returns the ErrKind a caller should treat err as, unwrapping
// a *KindedError if present, or inspecting the usual net/os error shapes
// otherwise (§7).
func ClassifyKind(err error) ErrKind {
	if err == nil {
		return ErrKindNone
	}
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrKindBrokenPipe
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrKindInterrupted
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindInterrupted
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		switch sysErr.Err.Error() {
		case "connection reset by peer":
			return ErrKindConnectionReset
		case "broken pipe":
			return ErrKindBrokenPipe
		}
	}
	return ErrKindOther
}

// IsQuietUnwind returns true for error kinds that should unwind a
// goroutine without being logged as a failure (§7: BrokenPipe,
// ConnectionReset, ConnectionAborted, Interrupted all unwind quietly)
func IsQuietUnwind(kind ErrKind) bool {
	switch kind {
	case ErrKindBrokenPipe, ErrKindConnectionReset, ErrKindInterrupted:
		return true
	default:
		return false
	}
}
