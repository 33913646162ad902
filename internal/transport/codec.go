// Package transport delivers accepted commands to the robots.
//
// CSV command wire format (controller -> robot):
//
//	TARGET,KIND[,ARG...],TOKEN
//
// goto carries X,Y,THETA; link carries the monitored unit id; run_task and
// run_loop carry the task reference; the rest carry no arguments.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/amr-fleet/model"
)

// ErrMalformedCommand is returned by DecodeCommand for unparseable lines.
var ErrMalformedCommand = errors.New("malformed command")

// Codec renders an accepted command as one line, without the newline, and
// parses it back on the robot side.
type Codec interface {
	Name() string
	EncodeCommand(cmd model.AcceptedCommand) ([]byte, error)
	DecodeCommand(line []byte) (model.AcceptedCommand, error)
}

// NewCodec returns the codec registered under name ("csv" or "json").
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "csv":
		return CSVCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown command encoding %q", name)
	}
}

// CSVCodec implements Codec for the comma-separated command format.
type CSVCodec struct{}

func (CSVCodec) Name() string { return "csv" }

func (CSVCodec) EncodeCommand(cmd model.AcceptedCommand) ([]byte, error) {
	fields := []string{cmd.Target, cmd.Command.Kind.String()}
	c := cmd.Command
	switch c.Kind {
	case model.CommandGoTo:
		fields = append(fields,
			strconv.FormatFloat(c.Pose.X, 'f', 3, 64),
			strconv.FormatFloat(c.Pose.Y, 'f', 3, 64),
			strconv.FormatFloat(c.Pose.Theta, 'f', 4, 64),
		)
	case model.CommandLink:
		fields = append(fields, c.UnitID)
	case model.CommandRunTask, model.CommandRunLoop:
		fields = append(fields, c.TaskRef)
	}
	fields = append(fields, cmd.Token)
	for _, f := range fields {
		if strings.ContainsAny(f, ",\r\n") {
			return nil, fmt.Errorf("csv: field %q contains a separator", f)
		}
	}
	return []byte(strings.Join(fields, ",")), nil
}

// DecodeCommand parses a CSV command line. IssuedAt is left zero.
func (CSVCodec) DecodeCommand(line []byte) (model.AcceptedCommand, error) {
	fields := strings.Split(strings.TrimSpace(string(line)), ",")
	if len(fields) < 3 {
		return model.AcceptedCommand{}, fmt.Errorf("%w: expected at least 3 fields, got %d", ErrMalformedCommand, len(fields))
	}
	kind, err := model.ParseCommandKind(fields[1])
	if err != nil {
		return model.AcceptedCommand{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	args := fields[2 : len(fields)-1]
	want := 0
	switch kind {
	case model.CommandGoTo:
		want = 3
	case model.CommandLink, model.CommandRunTask, model.CommandRunLoop:
		want = 1
	}
	if len(args) != want {
		return model.AcceptedCommand{}, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrMalformedCommand, kind, want, len(args))
	}

	cmd := model.Command{Kind: kind}
	switch kind {
	case model.CommandGoTo:
		var v [3]float64
		for i, a := range args {
			if v[i], err = strconv.ParseFloat(a, 64); err != nil {
				return model.AcceptedCommand{}, fmt.Errorf("%w: invalid pose component %q", ErrMalformedCommand, a)
			}
		}
		cmd.Pose = model.NewPose(v[0], v[1], v[2])
	case model.CommandLink:
		cmd.UnitID = args[0]
	case model.CommandRunTask, model.CommandRunLoop:
		cmd.TaskRef = args[0]
	}
	return model.AcceptedCommand{
		Target:  fields[0],
		Command: cmd,
		Token:   fields[len(fields)-1],
	}, nil
}

// JSONCodec writes the accepted command as a single JSON object.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) EncodeCommand(cmd model.AcceptedCommand) ([]byte, error) {
	return json.Marshal(cmd)
}

func (JSONCodec) DecodeCommand(line []byte) (model.AcceptedCommand, error) {
	var cmd model.AcceptedCommand
	if err := json.Unmarshal(line, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if cmd.Command.Kind == 0 {
		return cmd, fmt.Errorf("%w: missing kind", ErrMalformedCommand)
	}
	return cmd, nil
}
