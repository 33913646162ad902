package model

import (
	"fmt"
	"strings"
	"time"
)

// CommandKind tags the Command variant.
type CommandKind int

const (
	CommandGoTo CommandKind = iota + 1
	CommandLink
	CommandDetach
	CommandRunTask
	CommandRunLoop
	CommandStopAll
	CommandGoHome
)

var commandNames = map[CommandKind]string{
	CommandGoTo:    "goto",
	CommandLink:    "link",
	CommandDetach:  "detach",
	CommandRunTask: "run_task",
	CommandRunLoop: "run_loop",
	CommandStopAll: "stop_all",
	CommandGoHome:  "go_home",
}

func (k CommandKind) String() string {
	if s, ok := commandNames[k]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// ParseCommandKind maps a wire name such as "run_task" to its kind.
func ParseCommandKind(s string) (CommandKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range commandNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown command kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k CommandKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CommandKind) UnmarshalText(b []byte) error {
	v, err := ParseCommandKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Command is a request issued on behalf of the operator. Only the payload
// field matching Kind is meaningful.
type Command struct {
	Kind    CommandKind `json:"kind"`
	Pose    Pose        `json:"pose,omitzero"`
	UnitID  string      `json:"unit_id,omitempty"`
	TaskRef string      `json:"task,omitempty"`
}

func GoTo(p Pose) Command         { return Command{Kind: CommandGoTo, Pose: p} }
func Link(unitID string) Command  { return Command{Kind: CommandLink, UnitID: unitID} }
func Detach() Command             { return Command{Kind: CommandDetach} }
func RunTask(task string) Command { return Command{Kind: CommandRunTask, TaskRef: task} }
func RunLoop(task string) Command { return Command{Kind: CommandRunLoop, TaskRef: task} }
func StopAll() Command            { return Command{Kind: CommandStopAll} }
func GoHome() Command             { return Command{Kind: CommandGoHome} }

// IsLinkClass reports whether the command manipulates the link rather than motion.
func (c Command) IsLinkClass() bool {
	return c.Kind == CommandLink || c.Kind == CommandDetach
}

func (c Command) String() string {
	switch c.Kind {
	case CommandGoTo:
		return "goto" + c.Pose.String()
	case CommandLink:
		return "link(" + c.UnitID + ")"
	case CommandRunTask, CommandRunLoop:
		return c.Kind.String() + "(" + c.TaskRef + ")"
	default:
		return c.Kind.String()
	}
}

// AcceptedCommand is a validated command handed to the transport.
type AcceptedCommand struct {
	Token    string    `json:"token"`
	Command  Command   `json:"command"`
	Target   string    `json:"target"`
	IssuedAt time.Time `json:"issued_at"`
}

// OutcomeStatus is how a pending command was resolved.
type OutcomeStatus int

const (
	OutcomeConfirmed OutcomeStatus = iota + 1
	OutcomeUnconfirmed
	OutcomeSuperseded
	OutcomeFailed
)

var outcomeNames = map[OutcomeStatus]string{
	OutcomeConfirmed:   "confirmed",
	OutcomeUnconfirmed: "unconfirmed",
	OutcomeSuperseded:  "superseded",
	OutcomeFailed:      "failed",
}

func (s OutcomeStatus) String() string {
	if n, ok := outcomeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("outcome(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s OutcomeStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome reports the resolution of a pending command.
type Outcome struct {
	Command AcceptedCommand `json:"command"`
	Status  OutcomeStatus   `json:"status"`
	At      time.Time       `json:"at"`
}
