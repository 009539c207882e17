package stream

import (
	"errors"
	"fmt"
)

// Kind classifies a streaming failure.
type Kind int

const (
	// CaptureFailed means the capture device could not be read, or did not
	// signal within the device wait timeout.
	CaptureFailed Kind = iota + 1

	// ConnectionFailed means the TCP connection to the receiver could not be
	// established.
	ConnectionFailed

	// TransportWriteFailed means a block could not be fully written to the
	// connection or the mirror log.
	TransportWriteFailed

	// AcceptFailed means the receiver could not bind, listen or accept.
	AcceptFailed

	// PeerReadFailed means reading from a connected peer failed.
	PeerReadFailed

	// PlaybackFailed means the playback device rejected received bytes.
	PlaybackFailed
)

// String returns the name of the kind as used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case CaptureFailed:
		return "CaptureFailed"
	case ConnectionFailed:
		return "ConnectionFailed"
	case TransportWriteFailed:
		return "TransportWriteFailed"
	case AcceptFailed:
		return "AcceptFailed"
	case PeerReadFailed:
		return "PeerReadFailed"
	case PlaybackFailed:
		return "PlaybackFailed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a streaming failure of a given [Kind] wrapping its cause.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return "stream: " + e.Kind.String()
	}
	return "stream: " + e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, ErrCaptureFailed) matches any capture failure regardless of
// cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for use with errors.Is.
var (
	ErrCaptureFailed        = &Error{Kind: CaptureFailed}
	ErrConnectionFailed     = &Error{Kind: ConnectionFailed}
	ErrTransportWriteFailed = &Error{Kind: TransportWriteFailed}
	ErrAcceptFailed         = &Error{Kind: AcceptFailed}
	ErrPeerReadFailed       = &Error{Kind: PeerReadFailed}
	ErrPlaybackFailed       = &Error{Kind: PlaybackFailed}
)

var (
	// ErrChannelClosed is returned by [Channel.Receive] once the producer has
	// closed the channel and every queued block was received, and by
	// [Channel.Send] after the producer itself closed it.
	ErrChannelClosed = errors.New("stream: channel closed")

	// ErrReceiverGone is returned by [Channel.Send] after the consumer has
	// stopped receiving. It never blocks.
	ErrReceiverGone = errors.New("stream: receiver gone")

	// ErrDeviceTimeout is the cause of a [CaptureFailed] error raised when
	// the capture device did not signal within the configured wait.
	ErrDeviceTimeout = errors.New("stream: capture device wait timed out")
)

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
