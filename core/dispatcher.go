package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/amr-fleet/internal/logging"
	"github.com/signalsfoundry/amr-fleet/internal/schedule"
	"github.com/signalsfoundry/amr-fleet/model"
)

const tracerName = "github.com/signalsfoundry/amr-fleet/core"

// DefaultConfirmTimeout bounds how long an accepted command stays pending
// without confirmation.
const DefaultConfirmTimeout = 5 * time.Second

// Transport forwards accepted commands to the robots. Send may block on I/O
// and is never called with dispatcher locks held.
type Transport interface {
	Send(ctx context.Context, cmd model.AcceptedCommand) error
}

// FleetView is the part of the fleet registry the dispatcher reads.
type FleetView interface {
	Controllable() model.UnitState
	ControllableID() string
	Subscribe(fn func(model.UnitState)) (unsubscribe func())
}

// DispatchMetrics receives dispatcher counters. Implemented by
// observability.FleetCollector.
type DispatchMetrics interface {
	RecordDispatch(kind, result string)
	RecordOutcome(kind, status string)
	SetPendingCommands(n int)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithScheduler replaces the wall-clock scheduler, mainly for tests.
func WithScheduler(s schedule.Scheduler) DispatcherOption {
	return func(d *Dispatcher) { d.sched = s }
}

// WithConfirmTimeout overrides DefaultConfirmTimeout. Non-positive values are ignored.
func WithConfirmTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithTaskCatalog restricts RunTask/RunLoop to the named tasks. An empty
// catalog accepts any non-empty task reference.
func WithTaskCatalog(tasks ...string) DispatcherOption {
	return func(d *Dispatcher) {
		d.tasks = make(map[string]struct{}, len(tasks))
		for _, t := range tasks {
			d.tasks[t] = struct{}{}
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(log logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithDispatchMetrics wires a metrics recorder.
func WithDispatchMetrics(m DispatchMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTokenSource overrides uuid token generation.
func WithTokenSource(next func() string) DispatcherOption {
	return func(d *Dispatcher) { d.newToken = next }
}

type pending struct {
	cmd    model.AcceptedCommand
	timer  schedule.Timer
	expect *model.ActivityState
	// since is the controllable unit's LastUpdated when the command was checked.
	since time.Time
}

// Dispatcher validates operator commands against fleet and link state,
// forwards accepted ones to the transport, and tracks them until they are
// confirmed, time out, or are superseded.
type Dispatcher struct {
	fleet     FleetView
	links     *LinkManager
	transport Transport

	sched    schedule.Scheduler
	timeout  time.Duration
	tasks    map[string]struct{}
	log      logging.Logger
	metrics  DispatchMetrics
	tracer   trace.Tracer
	newToken func() string

	mu      sync.Mutex
	motion  *pending
	link    *pending
	byToken map[string]*pending

	outMu  sync.Mutex
	nextID int
	outs   map[int]func(model.Outcome)

	unsubscribe func()
}

// NewDispatcher builds a dispatcher and subscribes it to fleet updates for
// activity-based confirmation.
func NewDispatcher(fleet FleetView, links *LinkManager, transport Transport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		fleet:     fleet,
		links:     links,
		transport: transport,
		sched:     schedule.NewWall(),
		timeout:   DefaultConfirmTimeout,
		log:       logging.Noop(),
		tracer:    otel.Tracer(tracerName),
		newToken:  uuid.NewString,
		byToken:   make(map[string]*pending),
		outs:      make(map[int]func(model.Outcome)),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.unsubscribe = fleet.Subscribe(d.observeUnit)
	return d
}

// Close detaches from the registry and cancels every pending timer without
// emitting outcomes.
func (d *Dispatcher) Close() {
	d.unsubscribe()
	d.mu.Lock()
	defer d.mu.Unlock()
	for token, p := range d.byToken {
		p.timer.Stop()
		delete(d.byToken, token)
	}
	d.motion, d.link = nil, nil
}

// Dispatch validates cmd and, if accepted, forwards it to the transport.
// Precondition failures are returned as *Rejection.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd model.Command) (model.AcceptedCommand, error) {
	ctx, span := d.tracer.Start(ctx, "fleet.dispatch", trace.WithAttributes(
		attribute.String("fleet.command", cmd.Kind.String()),
	))
	defer span.End()

	cmd, err := d.normalize(cmd)
	if err != nil {
		return model.AcceptedCommand{}, d.rejected(ctx, span, cmd, err)
	}

	d.mu.Lock()
	unit := d.fleet.Controllable()
	activity := unit.Activity
	if err := d.checkLocked(cmd, activity); err != nil {
		d.mu.Unlock()
		return model.AcceptedCommand{}, d.rejected(ctx, span, cmd, err)
	}

	acc := model.AcceptedCommand{
		Token:    d.newToken(),
		Command:  cmd,
		Target:   d.fleet.ControllableID(),
		IssuedAt: d.sched.Now(),
	}
	var superseded []*pending
	switch cmd.Kind {
	case model.CommandStopAll:
		if d.motion != nil {
			superseded = append(superseded, d.takeLocked(d.motion.cmd.Token))
		}
	case model.CommandDetach:
		if d.link != nil {
			superseded = append(superseded, d.takeLocked(d.link.cmd.Token))
		}
	}
	p := &pending{cmd: acc, expect: expectedActivity(cmd.Kind, activity), since: unit.LastUpdated}
	if cmd.IsLinkClass() {
		d.link = p
	} else {
		d.motion = p
	}
	d.byToken[acc.Token] = p
	token := acc.Token
	p.timer = d.sched.AfterFunc(d.timeout, func() { d.expire(token) })
	n := len(d.byToken)
	d.mu.Unlock()

	d.setPending(n)
	for _, s := range superseded {
		d.log.Info(ctx, "pending command superseded",
			logging.Token(s.cmd.Token),
			logging.String("command", s.cmd.Command.String()),
			logging.String("by", cmd.Kind.String()),
		)
		d.emit(s.cmd, model.OutcomeSuperseded)
	}

	span.SetAttributes(attribute.String("fleet.token", token))
	if err := d.transport.Send(ctx, acc); err != nil {
		if failed := d.take(token); failed != nil {
			d.emit(failed.cmd, model.OutcomeFailed)
		}
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		d.record(cmd.Kind, "transport")
		d.log.Error(ctx, "command send failed",
			logging.Token(token),
			logging.String("command", cmd.String()),
			logging.Err(err),
		)
		return model.AcceptedCommand{}, err
	}

	d.record(cmd.Kind, "accepted")
	d.log.Info(ctx, "command accepted",
		logging.Token(token),
		logging.String("command", cmd.String()),
		logging.String("target", acc.Target),
	)
	return acc, nil
}

// Confirm resolves the pending command with token. It returns false when the
// token is unknown or was already resolved by timeout, supersede or an
// earlier confirmation.
func (d *Dispatcher) Confirm(token string) bool {
	p := d.take(token)
	if p == nil {
		d.log.Debug(context.Background(), "ack for unknown or resolved command", logging.Token(token))
		return false
	}
	d.confirmed(p)
	return true
}

// Ack implements the ingest acknowledgement sink.
func (d *Dispatcher) Ack(_ context.Context, token string) { d.Confirm(token) }

// Pending returns the outstanding commands, motion class first.
func (d *Dispatcher) Pending() []model.AcceptedCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.AcceptedCommand
	if d.motion != nil {
		out = append(out, d.motion.cmd)
	}
	if d.link != nil {
		out = append(out, d.link.cmd)
	}
	return out
}

// OnOutcome registers a callback for command resolutions. Callbacks run on
// whichever goroutine resolved the command, outside dispatcher locks.
func (d *Dispatcher) OnOutcome(fn func(model.Outcome)) (unsubscribe func()) {
	d.outMu.Lock()
	id := d.nextID
	d.nextID++
	d.outs[id] = fn
	d.outMu.Unlock()

	return func() {
		d.outMu.Lock()
		delete(d.outs, id)
		d.outMu.Unlock()
	}
}

func (d *Dispatcher) normalize(cmd model.Command) (model.Command, error) {
	switch cmd.Kind {
	case model.CommandGoTo:
		if !cmd.Pose.Valid() {
			return cmd, reject(cmd, ErrInvalidCommand, "pose %v is not finite", cmd.Pose)
		}
		cmd.Pose = model.NewPose(cmd.Pose.X, cmd.Pose.Y, cmd.Pose.Theta)
	case model.CommandLink:
		cmd.UnitID = strings.TrimSpace(cmd.UnitID)
		if cmd.UnitID == "" {
			return cmd, reject(cmd, ErrInvalidCommand, "link needs a unit id")
		}
	case model.CommandRunTask, model.CommandRunLoop:
		cmd.TaskRef = strings.TrimSpace(cmd.TaskRef)
		if cmd.TaskRef == "" {
			return cmd, reject(cmd, ErrInvalidCommand, "%s needs a task", cmd.Kind)
		}
		if len(d.tasks) > 0 {
			if _, ok := d.tasks[cmd.TaskRef]; !ok {
				return cmd, reject(cmd, ErrUnknownTask, "%q", cmd.TaskRef)
			}
		}
	case model.CommandDetach, model.CommandStopAll, model.CommandGoHome:
	default:
		return cmd, reject(cmd, ErrInvalidCommand, "unsupported kind %d", int(cmd.Kind))
	}
	return cmd, nil
}

// checkLocked evaluates the per-command preconditions. Caller holds d.mu.
func (d *Dispatcher) checkLocked(cmd model.Command, activity model.ActivityState) error {
	switch cmd.Kind {
	case model.CommandGoTo, model.CommandGoHome:
		if activity == model.Task {
			return reject(cmd, ErrBusy, "unit is running a task")
		}
		if d.motion != nil {
			return reject(cmd, ErrBusy, "%s is pending", d.motion.cmd.Command)
		}
	case model.CommandRunTask, model.CommandRunLoop:
		if activity != model.Idle {
			return reject(cmd, ErrBusy, "unit is %s", activity)
		}
		if d.motion != nil {
			return reject(cmd, ErrBusy, "%s is pending", d.motion.cmd.Command)
		}
	case model.CommandLink:
		if d.link != nil {
			return reject(cmd, ErrBusy, "%s is pending", d.link.cmd.Command)
		}
		if err := d.links.CheckLink(cmd.UnitID); err != nil {
			return &Rejection{Kind: kindOf(err), Command: cmd, Reason: err.Error()}
		}
	}
	return nil
}

func (d *Dispatcher) rejected(ctx context.Context, span trace.Span, cmd model.Command, err error) error {
	reason := ReasonCode(err)
	span.SetAttributes(attribute.String("fleet.rejection", reason))
	span.SetStatus(codes.Error, reason)
	d.record(cmd.Kind, reason)
	d.log.Info(ctx, "command rejected",
		logging.String("command", cmd.String()),
		logging.String("reason", reason),
		logging.Err(err),
	)
	return err
}

// take removes the pending entry for token, if it is still the live one.
func (d *Dispatcher) take(token string) *pending {
	d.mu.Lock()
	p := d.takeLocked(token)
	n := len(d.byToken)
	d.mu.Unlock()
	if p != nil {
		d.setPending(n)
	}
	return p
}

func (d *Dispatcher) takeLocked(token string) *pending {
	p, ok := d.byToken[token]
	if !ok {
		return nil
	}
	delete(d.byToken, token)
	if d.motion == p {
		d.motion = nil
	}
	if d.link == p {
		d.link = nil
	}
	p.timer.Stop()
	return p
}

func (d *Dispatcher) expire(token string) {
	p := d.take(token)
	if p == nil {
		return
	}
	d.log.Warn(context.Background(), "command unconfirmed",
		logging.Token(token),
		logging.String("command", p.cmd.Command.String()),
		logging.Duration("timeout", d.timeout),
	)
	d.emit(p.cmd, model.OutcomeUnconfirmed)
}

func (d *Dispatcher) confirmed(p *pending) {
	ctx := context.Background()
	switch p.cmd.Command.Kind {
	case model.CommandLink:
		if err := d.links.Link(p.cmd.Command.UnitID); err != nil {
			d.log.Warn(ctx, "confirmed link could not be applied",
				logging.Token(p.cmd.Token),
				logging.UnitID(p.cmd.Command.UnitID),
				logging.Err(err),
			)
			d.emit(p.cmd, model.OutcomeFailed)
			return
		}
	case model.CommandDetach:
		_ = d.links.Detach()
	}
	d.log.Info(ctx, "command confirmed",
		logging.Token(p.cmd.Token),
		logging.String("command", p.cmd.Command.String()),
	)
	d.emit(p.cmd, model.OutcomeConfirmed)
}

// observeUnit confirms the pending motion command once the controllable unit
// reports, after dispatch, the activity it implies.
func (d *Dispatcher) observeUnit(u model.UnitState) {
	if !u.Controllable {
		return
	}
	d.mu.Lock()
	var p *pending
	if m := d.motion; m != nil && m.expect != nil && *m.expect == u.Activity && u.LastUpdated.After(m.since) {
		p = d.takeLocked(m.cmd.Token)
	}
	n := len(d.byToken)
	d.mu.Unlock()
	if p == nil {
		return
	}
	d.setPending(n)
	d.confirmed(p)
}

func (d *Dispatcher) emit(cmd model.AcceptedCommand, status model.OutcomeStatus) {
	if d.metrics != nil {
		d.metrics.RecordOutcome(cmd.Command.Kind.String(), status.String())
	}
	out := model.Outcome{Command: cmd, Status: status, At: d.sched.Now()}

	d.outMu.Lock()
	fns := make([]func(model.Outcome), 0, len(d.outs))
	for id := 0; id < d.nextID; id++ {
		if fn, ok := d.outs[id]; ok {
			fns = append(fns, fn)
		}
	}
	d.outMu.Unlock()

	for _, fn := range fns {
		fn(out)
	}
}

func (d *Dispatcher) record(kind model.CommandKind, result string) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(kind.String(), result)
	}
}

func (d *Dispatcher) setPending(n int) {
	if d.metrics != nil {
		d.metrics.SetPendingCommands(n)
	}
}

// expectedActivity is the activity that confirms a command of kind issued
// while the unit reported from. A command whose effect is already the current
// activity cannot be told apart from a stale report and waits for its ack.
func expectedActivity(kind model.CommandKind, from model.ActivityState) *model.ActivityState {
	var a model.ActivityState
	switch kind {
	case model.CommandRunTask, model.CommandRunLoop:
		a = model.Task
	case model.CommandStopAll:
		a = model.Idle
	default:
		return nil
	}
	if a == from {
		return nil
	}
	return &a
}
