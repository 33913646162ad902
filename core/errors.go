package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/amr-fleet/kb"
	"github.com/signalsfoundry/amr-fleet/model"
)

var (
	// ErrNotDetected is returned when a link target is not currently detected.
	ErrNotDetected = errors.New("unit not detected")
	// ErrAlreadyLinked is returned when a link exists and has not been detached.
	ErrAlreadyLinked = errors.New("a unit is already linked")
	// ErrBusy is returned when the controllable unit cannot accept the command now.
	ErrBusy = errors.New("controllable unit is busy")
	// ErrUnknownTask is returned for task references outside the task catalog.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInvalidCommand is returned for malformed command payloads.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrTransport wraps failures of the outbound transport.
	ErrTransport = errors.New("transport failure")
)

// Rejection is the typed result of a failed precondition. It unwraps to one
// of the sentinel kinds above or kb.ErrUnknownUnit.
type Rejection struct {
	Kind    error
	Command model.Command
	Reason  string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return fmt.Sprintf("%s rejected: %v", r.Command, r.Kind)
	}
	return fmt.Sprintf("%s rejected: %v: %s", r.Command, r.Kind, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Kind }

func reject(cmd model.Command, kind error, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Command: cmd, Reason: fmt.Sprintf(format, args...)}
}

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrBusy, "busy"},
	{ErrNotDetected, "not_detected"},
	{ErrAlreadyLinked, "already_linked"},
	{ErrUnknownTask, "unknown_task"},
	{ErrInvalidCommand, "invalid_command"},
	{ErrTransport, "transport"},
	{kb.ErrUnknownUnit, "unknown_unit"},
}

// ReasonCode returns a short, stable label for err suitable for metrics and
// API responses. Unrecognised errors map to "internal".
func ReasonCode(err error) string {
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "internal"
}

// kindOf picks the sentinel err wraps, for building a Rejection from a
// LinkManager error.
func kindOf(err error) error {
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.err
		}
	}
	return err
}
