package model

import (
	"fmt"
	"strings"
	"time"
)

// DetectionState describes how a unit is currently sensed.
type DetectionState int

const (
	// NotFound means no sensor fix and no telemetry link.
	NotFound DetectionState = iota
	InSight
	NotInSight
	// Connected means the telemetry link to the unit is live.
	Connected
)

var detectionNames = [...]string{"not_found", "in_sight", "not_in_sight", "connected"}

func (d DetectionState) String() string {
	if d < 0 || int(d) >= len(detectionNames) {
		return fmt.Sprintf("detection(%d)", int(d))
	}
	return detectionNames[d]
}

// Detected reports whether the unit has a sensor fix (in or out of sight).
func (d DetectionState) Detected() bool {
	return d == InSight || d == NotInSight
}

// ParseDetectionState accepts the snake_case names and the numeric codes 0-3.
func ParseDetectionState(s string) (DetectionState, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range detectionNames {
		if s == name || s == fmt.Sprint(i) {
			return DetectionState(i), nil
		}
	}
	return NotFound, fmt.Errorf("unknown detection state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d DetectionState) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DetectionState) UnmarshalText(b []byte) error {
	v, err := ParseDetectionState(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ActivityState describes what the controllable unit is doing.
type ActivityState int

const (
	Idle ActivityState = iota
	Task
	// ActivityConnected means the controllable unit is coupled to a monitored unit.
	ActivityConnected
)

var activityNames = [...]string{"idle", "task", "connected"}

func (a ActivityState) String() string {
	if a < 0 || int(a) >= len(activityNames) {
		return fmt.Sprintf("activity(%d)", int(a))
	}
	return activityNames[a]
}

// ParseActivityState accepts the snake_case names and the numeric codes 0-2.
func ParseActivityState(s string) (ActivityState, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range activityNames {
		if s == name || s == fmt.Sprint(i) {
			return ActivityState(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown activity state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a ActivityState) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ActivityState) UnmarshalText(b []byte) error {
	v, err := ParseActivityState(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnitState is the last known state of one robot. Activity and Progress are
// only meaningful for the controllable unit.
type UnitState struct {
	ID           string         `json:"id"`
	Controllable bool           `json:"controllable"`
	Detection    DetectionState `json:"detection"`
	Pose         Pose           `json:"pose"`
	Activity     ActivityState  `json:"activity"`
	Progress     float64        `json:"progress"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// TelemetryDelta is a decoded telemetry update. Nil fields are absent from
// the message and leave the current value untouched.
type TelemetryDelta struct {
	UnitID    string
	Detection *DetectionState
	Pose      *Pose
	Activity  *ActivityState
	Progress  *float64
	// Ack carries the token of a command the transport acknowledged.
	Ack       string
	Timestamp time.Time
}

// Empty reports whether the delta carries no state fields.
func (d TelemetryDelta) Empty() bool {
	return d.Detection == nil && d.Pose == nil && d.Activity == nil && d.Progress == nil
}
