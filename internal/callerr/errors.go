// Package callerr defines the error taxonomy surfaced by a mesh call session.
//
// Media and signaling failures are fatal to session startup; negotiation
// failures are scoped to a single remote participant.
package callerr

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrCaptureCancelled   = errors.New("capture cancelled")
	ErrCaptureUnsupported = errors.New("capture unsupported")

	ErrDialFailed     = errors.New("dial failed")
	ErrConnectionLost = errors.New("connection lost")

	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrHandshakeTimeout  = errors.New("handshake timeout")
	ErrConnectionFailed  = errors.New("connection failed")
)

// MediaAccessError reports a camera, microphone, or screen-capture acquisition
// failure.
type MediaAccessError struct {
	Op      string
	Err     error
	Details string
}

func (e *MediaAccessError) Error() string {
	return format("media", e.Op, e.Err, e.Details)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// SignalingConnectError reports that the signaling transport could not be
// established or dropped unexpectedly.
type SignalingConnectError struct {
	Op      string
	Err     error
	Details string
}

func (e *SignalingConnectError) Error() string {
	return format("signaling", e.Op, e.Err, e.Details)
}

func (e *SignalingConnectError) Unwrap() error { return e.Err }

// PeerNegotiationError is scoped to one remote participant.
type PeerNegotiationError struct {
	Op           string
	RemoteUserID string
	Err          error
	Details      string
}

func (e *PeerNegotiationError) Error() string {
	op := e.Op
	if e.RemoteUserID != "" {
		op = fmt.Sprintf("%s %s", e.Op, e.RemoteUserID)
	}
	return format("peer", op, e.Err, e.Details)
}

func (e *PeerNegotiationError) Unwrap() error { return e.Err }

func Media(op string, err error, details string) *MediaAccessError {
	return &MediaAccessError{Op: op, Err: err, Details: details}
}

func Signaling(op string, err error, details string) *SignalingConnectError {
	return &SignalingConnectError{Op: op, Err: err, Details: details}
}

func Negotiation(op, remoteUserID string, err error) *PeerNegotiationError {
	return &PeerNegotiationError{Op: op, RemoteUserID: remoteUserID, Err: err}
}

func format(kind, op string, err error, details string) string {
	if details != "" {
		return fmt.Sprintf("%s: %s: %v (%s)", kind, op, err, details)
	}
	return fmt.Sprintf("%s: %s: %v", kind, op, err)
}
