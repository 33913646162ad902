// Package sim is an in-process stand-in for the robot fleet. It accepts
// commands like a real transport and produces encoded telemetry frames on
// every clock tick.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/amr-fleet/internal/ingest"
	"github.com/signalsfoundry/amr-fleet/internal/logging"
	"github.com/signalsfoundry/amr-fleet/model"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("simulated fleet closed")

// Config shapes the simulated world.
type Config struct {
	Controllable string
	Monitored    []string
	Home         model.Pose
	// Speed is the controllable unit's travel speed in metres per second.
	Speed float64
	// SensorRange is the distance within which a monitored unit is in sight.
	// Out to twice this range it is detected but not in sight.
	SensorRange  float64
	TaskDuration time.Duration
	Seed         int64
	// Buffer is the frame channel capacity. Frames are dropped when full.
	Buffer int
}

// DefaultConfig returns a small warehouse-sized world.
func DefaultConfig() Config {
	return Config{
		Controllable: "A1",
		Monitored:    []string{"B1", "B2", "B3", "B4"},
		Speed:        0.5,
		SensorRange:  5,
		TaskDuration: 20 * time.Second,
		Seed:         1,
		Buffer:       256,
	}
}

type unit struct {
	id       string
	pose     model.Pose
	detected model.DetectionState
}

// Fleet simulates one controllable unit and its monitored peers.
type Fleet struct {
	cfg   Config
	codec ingest.Codec
	log   logging.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	last      time.Time
	a         unit
	target    *model.Pose
	activity  model.ActivityState
	progress  float64
	loop      bool
	linked    string
	monitored []*unit
	acks      []string
	closed    bool

	frames  chan []byte
	dropped atomic.Uint64
}

// New builds a fleet with monitored units scattered around Home.
func New(cfg Config, codec ingest.Codec, log logging.Logger) (*Fleet, error) {
	if cfg.Controllable == "" {
		return nil, fmt.Errorf("sim: controllable unit id required")
	}
	if cfg.Speed <= 0 || cfg.SensorRange <= 0 || cfg.TaskDuration <= 0 {
		return nil, fmt.Errorf("sim: speed, sensor range and task duration must be positive")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	if log == nil {
		log = logging.Noop()
	}

	f := &Fleet{
		cfg:    cfg,
		codec:  codec,
		log:    log,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		a:      unit{id: cfg.Controllable, pose: cfg.Home, detected: model.Connected},
		frames: make(chan []byte, cfg.Buffer),
	}
	for _, id := range cfg.Monitored {
		r := cfg.SensorRange * 3 * f.rng.Float64()
		phi := 2 * math.Pi * f.rng.Float64()
		f.monitored = append(f.monitored, &unit{
			id:   id,
			pose: model.NewPose(cfg.Home.X+r*math.Cos(phi), cfg.Home.Y+r*math.Sin(phi), phi),
		})
	}
	return f, nil
}

// Frames is the telemetry stream, closed by Close.
func (f *Fleet) Frames() ingest.ChanSource { return ingest.ChanSource(f.frames) }

// Dropped counts frames discarded because the stream was full.
func (f *Fleet) Dropped() uint64 { return f.dropped.Load() }

// Send applies cmd to the simulated controllable unit. The acknowledgement
// rides on the next telemetry frame.
func (f *Fleet) Send(ctx context.Context, cmd model.AcceptedCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if cmd.Target != f.cfg.Controllable {
		return fmt.Errorf("sim: no controllable unit %q", cmd.Target)
	}

	c := cmd.Command
	switch c.Kind {
	case model.CommandGoTo:
		p := c.Pose
		f.target = &p
	case model.CommandGoHome:
		home := f.cfg.Home
		f.target = &home
	case model.CommandRunTask, model.CommandRunLoop:
		f.activity = model.Task
		f.progress = 0
		f.loop = c.Kind == model.CommandRunLoop
	case model.CommandStopAll:
		f.target = nil
		f.progress = 0
		f.activity = model.Idle
		if f.linked != "" {
			f.activity = model.ActivityConnected
		}
	case model.CommandLink:
		f.linked = c.UnitID
		f.activity = model.ActivityConnected
	case model.CommandDetach:
		f.linked = ""
		f.activity = model.Idle
	default:
		return fmt.Errorf("sim: unsupported command %s", c.Kind)
	}
	f.acks = append(f.acks, cmd.Token)
	return nil
}

// Tick advances the world to now and emits one frame per unit, monitored
// units first. It is meant to be registered as a timectrl listener.
func (f *Fleet) Tick(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	var dt float64
	if !f.last.IsZero() && now.After(f.last) {
		dt = now.Sub(f.last).Seconds()
	}
	f.last = now

	f.step(dt)

	for _, u := range f.monitored {
		det, pose := u.detected, u.pose
		f.emit(model.TelemetryDelta{UnitID: u.id, Detection: &det, Pose: &pose, Timestamp: now})
	}

	det, pose, act, prog := f.a.detected, f.a.pose, f.activity, f.progress
	delta := model.TelemetryDelta{
		UnitID:    f.a.id,
		Detection: &det,
		Pose:      &pose,
		Activity:  &act,
		Progress:  &prog,
		Timestamp: now,
	}
	for i, token := range f.acks {
		if i == 0 {
			delta.Ack = token
			f.emit(delta)
			continue
		}
		f.emit(model.TelemetryDelta{UnitID: f.a.id, Ack: token, Timestamp: now})
	}
	if len(f.acks) == 0 {
		f.emit(delta)
	}
	f.acks = f.acks[:0]
}

// step moves the world forward by dt seconds. Caller holds f.mu.
func (f *Fleet) step(dt float64) {
	if f.target != nil {
		d := f.a.pose.DistanceTo(*f.target)
		reach := f.cfg.Speed * dt
		if d <= reach {
			f.a.pose = *f.target
			f.target = nil
		} else {
			heading := math.Atan2(f.target.Y-f.a.pose.Y, f.target.X-f.a.pose.X)
			f.a.pose = model.NewPose(
				f.a.pose.X+reach*math.Cos(heading),
				f.a.pose.Y+reach*math.Sin(heading),
				heading,
			)
		}
	}

	if f.activity == model.Task {
		f.progress += dt / f.cfg.TaskDuration.Seconds()
		if f.progress >= 1 {
			if f.loop {
				f.progress = 0
			} else {
				f.progress = 1
				f.activity = model.Idle
			}
		}
	}

	for _, u := range f.monitored {
		if u.id == f.linked {
			u.pose = model.NewPose(f.a.pose.X-0.5*math.Cos(f.a.pose.Theta), f.a.pose.Y-0.5*math.Sin(f.a.pose.Theta), f.a.pose.Theta)
			u.detected = model.InSight
			continue
		}
		jitter := math.Min(0.1*dt, 0.5)
		u.pose = model.NewPose(
			u.pose.X+jitter*(f.rng.Float64()*2-1),
			u.pose.Y+jitter*(f.rng.Float64()*2-1),
			u.pose.Theta,
		)
		switch d := u.pose.DistanceTo(f.a.pose); {
		case d <= f.cfg.SensorRange:
			u.detected = model.InSight
		case d <= 2*f.cfg.SensorRange:
			u.detected = model.NotInSight
		default:
			u.detected = model.NotFound
		}
	}
}

// emit encodes d and queues it without blocking. Caller holds f.mu.
func (f *Fleet) emit(d model.TelemetryDelta) {
	raw, err := f.codec.Encode(d)
	if err != nil {
		f.log.Warn(context.Background(), "sim telemetry encode failed",
			logging.UnitID(d.UnitID),
			logging.Err(err),
		)
		return
	}
	select {
	case f.frames <- raw:
	default:
		f.dropped.Add(1)
	}
}

// Close stops the simulation and closes the frame stream.
func (f *Fleet) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.frames)
}
