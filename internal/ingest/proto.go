package ingest

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/amr-fleet/model"
)

// ProtoCodec carries Message inside a google.protobuf.Struct, for bridges
// that already speak protobuf.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return CodecProto }

func (ProtoCodec) Decode(raw []byte) (model.TelemetryDelta, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(raw, &s); err != nil {
		return model.TelemetryDelta{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	m, err := messageFromStruct(&s)
	if err != nil {
		return model.TelemetryDelta{}, err
	}
	return m.Delta()
}

func (ProtoCodec) Encode(d model.TelemetryDelta) ([]byte, error) {
	m := MessageFromDelta(d)
	fields := map[string]any{"unit_id": m.UnitID}
	if m.Detection != "" {
		fields["detection"] = m.Detection
	}
	if m.Pose != nil {
		fields["pose"] = map[string]any{"x": m.Pose.X, "y": m.Pose.Y, "theta": m.Pose.Theta}
	}
	if m.Activity != "" {
		fields["activity"] = m.Activity
	}
	if m.Progress != nil {
		fields["progress"] = *m.Progress
	}
	if m.Ack != "" {
		fields["ack"] = m.Ack
	}
	if m.Timestamp != 0 {
		fields["timestamp"] = float64(m.Timestamp)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func messageFromStruct(s *structpb.Struct) (Message, error) {
	var m Message
	var err error
	f := s.GetFields()

	if m.UnitID, err = stringField(f, "unit_id"); err != nil {
		return m, err
	}
	if m.Detection, err = stringField(f, "detection"); err != nil {
		return m, err
	}
	if m.Activity, err = stringField(f, "activity"); err != nil {
		return m, err
	}
	if m.Ack, err = stringField(f, "ack"); err != nil {
		return m, err
	}
	if v, ok := f["progress"]; ok {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return m, fmt.Errorf("%w: progress is not a number", ErrDecode)
		}
		p := n.NumberValue
		m.Progress = &p
	}
	if v, ok := f["timestamp"]; ok {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > 1<<53 {
			return m, fmt.Errorf("%w: timestamp is not an integer", ErrDecode)
		}
		m.Timestamp = int64(n.NumberValue)
	}
	if v, ok := f["pose"]; ok {
		ps := v.GetStructValue()
		if ps == nil {
			return m, fmt.Errorf("%w: pose is not an object", ErrDecode)
		}
		pf := ps.GetFields()
		var p Pose
		for key, dst := range map[string]*float64{"x": &p.X, "y": &p.Y, "theta": &p.Theta} {
			n, ok := pf[key].GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return m, fmt.Errorf("%w: pose.%s missing or not a number", ErrDecode, key)
			}
			*dst = n.NumberValue
		}
		m.Pose = &p
	}
	return m, nil
}

func stringField(f map[string]*structpb.Value, key string) (string, error) {
	v, ok := f[key]
	if !ok {
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrDecode, key)
	}
	return s.StringValue, nil
}
