package protocol

import (
	"errors"
	"fmt"
)

// ErrBrokenPipe means the simulator went away while a command was in flight.
var ErrBrokenPipe = errors.New("protocol: simulator connection lost")

// CommandError carries an "err" or "warn" envelope returned for a command.
// Callers must check for it before using a payload.
type CommandError struct {
	Command string
	Warning bool
	Message string
}

func (e *CommandError) Error() string {
	kind := "error"
	if e.Warning {
		kind = "warning"
	}
	return fmt.Sprintf("%s %q: %s", kind, e.Command, e.Message)
}

// IsCommandError reports whether err is an err/warn envelope.
// Uses errors.As to handle wrapped errors.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// IsWarning reports whether err is a "warn" envelope.
func IsWarning(err error) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Warning
	}
	return false
}

// DesyncError reports a reply that does not fit the command that was sent:
// a wrong payload type, or a phase name outside the state machine. It is
// fatal; the exchange can no longer be trusted.
type DesyncError struct {
	Command string
	Reason  string
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("protocol desync on %q: %s", e.Command, e.Reason)
}

// IsDesync reports whether err is a DesyncError.
func IsDesync(err error) bool {
	var de *DesyncError
	return errors.As(err, &de)
}
