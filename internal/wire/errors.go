package wire

import (
	"errors"
	"fmt"
)

// Error kinds returned by protocol steps. Sessions map these to abuse
// actions in one place instead of at every call site.
var (
	// ErrConnectionBroken means the remote end closed or the socket failed.
	// It never carries a penalty.
	ErrConnectionBroken = errors.New("socket connection broken")

	// ErrProtocolViolation covers unknown commands, malformed frames and
	// handshake mismatches. The originating IP is struck.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrInvalidProof means a miner submitted work that does not verify.
	ErrInvalidProof = errors.New("invalid proof")

	// ErrSessionClosed means the session ended itself on purpose.
	ErrSessionClosed = errors.New("session closed")
)

// Violation returns an ErrProtocolViolation with detail.
func Violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// Action is what a session does about an error.
type Action int

const (
	// ActionClose tears the session down without penalty.
	ActionClose Action = iota
	// ActionStrikeClose strikes the remote IP and tears the session down.
	ActionStrikeClose
	// ActionStrike strikes the remote IP and keeps the session running.
	ActionStrike
)

// Classify maps an error returned by a protocol step to an Action.
func Classify(err error) Action {
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return ActionStrikeClose
	case errors.Is(err, ErrInvalidProof):
		return ActionStrike
	default:
		return ActionClose
	}
}
