package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/signalsfoundry/amr-fleet/model"
)

// Message is the structured telemetry envelope shared by the json, cbor and
// proto codecs. Timestamp is milliseconds since the Unix epoch; zero means
// absent.
type Message struct {
	UnitID    string   `json:"unit_id" cbor:"unit_id"`
	Detection string   `json:"detection,omitempty" cbor:"detection,omitempty"`
	Pose      *Pose    `json:"pose,omitempty" cbor:"pose,omitempty"`
	Activity  string   `json:"activity,omitempty" cbor:"activity,omitempty"`
	Progress  *float64 `json:"progress,omitempty" cbor:"progress,omitempty"`
	Ack       string   `json:"ack,omitempty" cbor:"ack,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

// Pose is the wire form of model.Pose.
type Pose struct {
	X     float64 `json:"x" cbor:"x"`
	Y     float64 `json:"y" cbor:"y"`
	Theta float64 `json:"theta" cbor:"theta"`
}

// Delta validates m and converts it into a registry update.
func (m Message) Delta() (model.TelemetryDelta, error) {
	d := model.TelemetryDelta{
		UnitID: strings.TrimSpace(m.UnitID),
		Ack:    strings.TrimSpace(m.Ack),
	}
	if d.UnitID == "" {
		return d, fmt.Errorf("%w: missing unit_id", ErrDecode)
	}
	if m.Detection != "" {
		s, err := model.ParseDetectionState(m.Detection)
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		d.Detection = &s
	}
	if m.Pose != nil {
		p := model.Pose{X: m.Pose.X, Y: m.Pose.Y, Theta: m.Pose.Theta}
		if !p.Valid() {
			return d, fmt.Errorf("%w: non-finite pose", ErrDecode)
		}
		p = model.NewPose(p.X, p.Y, p.Theta)
		d.Pose = &p
	}
	if m.Activity != "" {
		a, err := model.ParseActivityState(m.Activity)
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		d.Activity = &a
	}
	if m.Progress != nil {
		v := *m.Progress
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return d, fmt.Errorf("%w: non-finite progress", ErrDecode)
		}
		d.Progress = &v
	}
	if m.Timestamp < 0 {
		return d, fmt.Errorf("%w: negative timestamp", ErrDecode)
	}
	if m.Timestamp > 0 {
		d.Timestamp = time.UnixMilli(m.Timestamp).UTC()
	}
	return d, nil
}

// MessageFromDelta is the inverse of Message.Delta.
func MessageFromDelta(d model.TelemetryDelta) Message {
	m := Message{UnitID: d.UnitID, Ack: d.Ack}
	if d.Detection != nil {
		m.Detection = d.Detection.String()
	}
	if d.Pose != nil {
		m.Pose = &Pose{X: d.Pose.X, Y: d.Pose.Y, Theta: d.Pose.Theta}
	}
	if d.Activity != nil {
		m.Activity = d.Activity.String()
	}
	if d.Progress != nil {
		v := *d.Progress
		m.Progress = &v
	}
	if !d.Timestamp.IsZero() {
		m.Timestamp = d.Timestamp.UnixMilli()
	}
	return m
}
