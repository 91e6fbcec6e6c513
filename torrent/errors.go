package torrent

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the errors this package returns, per the error taxonomy:
// Io, Protocol, InvalidInfoHash, ConnectingToSelf, HashMismatch,
// MissingPieceData, MailboxClosed.
type Kind int

const (
	KindIo Kind = iota
	KindProtocol
	KindInvalidInfoHash
	KindConnectingToSelf
	KindHashMismatch
	KindMissingPieceData
	KindMailboxClosed
)

func (k Kind) String() string {
	switch k {
	case KindIo:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindInvalidInfoHash:
		return "invalid info hash"
	case KindConnectingToSelf:
		return "connecting to self"
	case KindHashMismatch:
		return "hash mismatch"
	case KindMissingPieceData:
		return "missing piece data"
	case KindMailboxClosed:
		return "mailbox closed"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// failure category without string-matching a message.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// newErr builds a Kind-tagged error from a format string, the way
// fmt.Errorf does, then wraps it with pkg/errors so a stack trace is
// attached at the point of creation.
func newErr(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// wrapErr attaches a Kind and a message to an existing error, preserving
// it in the error chain.
func wrapErr(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, message)}
}

// KindOf returns the Kind of err if it (or something it wraps) is one of
// ours, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}
