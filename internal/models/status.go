package models

import (
	"errors"
	"fmt"
)

// ErrInvalidStatus is returned for status values outside the closed set.
var ErrInvalidStatus = errors.New("invalid connection status")

// Status is the protocol state of a connection.
type Status string

const (
	StatusNone              Status = "None"
	StatusVersionsExchanged Status = "VersionsExchanged"
	StatusConnected         Status = "Connected"
	StatusHandshakeFailed   Status = "HandshakeFailed"
	StatusRevoked           Status = "Revoked"
)

var statuses = []Status{
	StatusNone,
	StatusVersionsExchanged,
	StatusConnected,
	StatusHandshakeFailed,
	StatusRevoked,
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Event is a significant protocol outcome that moves a connection's status.
type Event int

const (
	// EventVersionsServed is a successful inbound GET versions.
	EventVersionsServed Event = iota
	// EventCredentialsAccepted is a successful inbound POST credentials.
	EventCredentialsAccepted
	// EventCredentialsDeleted is an inbound DELETE credentials.
	EventCredentialsDeleted
	// EventHandshakeCompleted is a successful outbound credentials exchange.
	EventHandshakeCompleted
	// EventHandshakeRejected is a non-200 answer to our outbound POST.
	EventHandshakeRejected
	// EventRevoked is a local revocation.
	EventRevoked
)

func (e Event) String() string {
	switch e {
	case EventVersionsServed:
		return "versions_served"
	case EventCredentialsAccepted:
		return "credentials_accepted"
	case EventCredentialsDeleted:
		return "credentials_deleted"
	case EventHandshakeCompleted:
		return "handshake_completed"
	case EventHandshakeRejected:
		return "handshake_rejected"
	case EventRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Transition returns the status a connection moves to when ev occurs.
// Transitions are not guarded: every event is legal from every status,
// so the status always reflects the last significant event.
func Transition(from Status, ev Event) (Status, error) {
	if _, err := ParseStatus(string(from)); err != nil {
		return "", err
	}
	switch ev {
	case EventVersionsServed:
		return StatusVersionsExchanged, nil
	case EventCredentialsAccepted, EventHandshakeCompleted:
		return StatusConnected, nil
	case EventHandshakeRejected:
		return StatusHandshakeFailed, nil
	case EventCredentialsDeleted, EventRevoked:
		return StatusRevoked, nil
	default:
		return "", fmt.Errorf("unknown event %s", ev)
	}
}
