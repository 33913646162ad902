// Package ingest decodes raw telemetry frames and feeds them into the fleet
// registry.
//
// CSV telemetry wire format (robot -> controller):
//
//	UNIT,DETECTION,X,Y,THETA,TIMESTAMP_MS[,ACTIVITY,PROGRESS,ACK]
//
// Empty fields are absent. The pose is present only when X, Y and THETA
// are all set.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/amr-fleet/model"
)

// ErrDecode marks a malformed inbound frame.
var ErrDecode = errors.New("telemetry decode error")

// Codec converts between raw frames and telemetry deltas.
type Codec interface {
	Name() string
	Decode(raw []byte) (model.TelemetryDelta, error)
	Encode(d model.TelemetryDelta) ([]byte, error)
}

// Codec names accepted by NewCodec.
const (
	CodecCSV   = "csv"
	CodecJSON  = "json"
	CodecCBOR  = "cbor"
	CodecProto = "proto"
)

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case CodecCSV:
		return CSVCodec{}, nil
	case CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return CBORCodec{}, nil
	case CodecProto:
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown telemetry codec %q", name)
	}
}

// JSONCodec reads and writes Message as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Decode(raw []byte) (model.TelemetryDelta, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.TelemetryDelta{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return m.Delta()
}

func (JSONCodec) Encode(d model.TelemetryDelta) ([]byte, error) {
	return json.Marshal(MessageFromDelta(d))
}
