package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/amr-fleet/model"
)

const (
	csvMinFields = 6
	csvMaxFields = 9
)

// CSVCodec implements Codec for the comma-separated line format.
type CSVCodec struct{}

func (CSVCodec) Name() string { return CodecCSV }

// Decode parses one CSV telemetry line.
func (CSVCodec) Decode(raw []byte) (model.TelemetryDelta, error) {
	fields := strings.Split(strings.TrimSpace(string(raw)), ",")
	if len(fields) < csvMinFields || len(fields) > csvMaxFields {
		return model.TelemetryDelta{}, fmt.Errorf("%w: expected %d-%d fields, got %d", ErrDecode, csvMinFields, csvMaxFields, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	for len(fields) < csvMaxFields {
		fields = append(fields, "")
	}

	m := Message{
		UnitID:    fields[0],
		Detection: fields[1],
		Activity:  fields[6],
		Ack:       fields[8],
	}

	x, y, theta := fields[2], fields[3], fields[4]
	switch {
	case x == "" && y == "" && theta == "":
	case x == "" || y == "" || theta == "":
		return model.TelemetryDelta{}, fmt.Errorf("%w: partial pose", ErrDecode)
	default:
		var p Pose
		var err error
		if p.X, err = strconv.ParseFloat(x, 64); err != nil {
			return model.TelemetryDelta{}, fmt.Errorf("%w: invalid x", ErrDecode)
		}
		if p.Y, err = strconv.ParseFloat(y, 64); err != nil {
			return model.TelemetryDelta{}, fmt.Errorf("%w: invalid y", ErrDecode)
		}
		if p.Theta, err = strconv.ParseFloat(theta, 64); err != nil {
			return model.TelemetryDelta{}, fmt.Errorf("%w: invalid theta", ErrDecode)
		}
		m.Pose = &p
	}

	if fields[5] != "" {
		ts, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return model.TelemetryDelta{}, fmt.Errorf("%w: invalid timestamp", ErrDecode)
		}
		m.Timestamp = ts
	}
	if fields[7] != "" {
		v, err := strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return model.TelemetryDelta{}, fmt.Errorf("%w: invalid progress", ErrDecode)
		}
		m.Progress = &v
	}
	return m.Delta()
}

// Encode renders d as a CSV line without the trailing newline. Optional
// trailing fields are omitted when empty.
func (CSVCodec) Encode(d model.TelemetryDelta) ([]byte, error) {
	m := MessageFromDelta(d)
	if strings.ContainsAny(m.UnitID+m.Ack, ",\n") {
		return nil, fmt.Errorf("csv: field contains a separator")
	}
	fields := make([]string, csvMaxFields)
	fields[0] = m.UnitID
	fields[1] = m.Detection
	if m.Pose != nil {
		fields[2] = strconv.FormatFloat(m.Pose.X, 'f', 3, 64)
		fields[3] = strconv.FormatFloat(m.Pose.Y, 'f', 3, 64)
		fields[4] = strconv.FormatFloat(m.Pose.Theta, 'f', 4, 64)
	}
	if m.Timestamp != 0 {
		fields[5] = strconv.FormatInt(m.Timestamp, 10)
	}
	fields[6] = m.Activity
	if m.Progress != nil {
		fields[7] = strconv.FormatFloat(*m.Progress, 'f', 2, 64)
	}
	fields[8] = m.Ack

	n := csvMaxFields
	for n > csvMinFields && fields[n-1] == "" {
		n--
	}
	return []byte(strings.Join(fields[:n], ",")), nil
}
