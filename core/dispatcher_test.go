package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/amr-fleet/internal/schedule"
	"github.com/signalsfoundry/amr-fleet/kb"
	"github.com/signalsfoundry/amr-fleet/model"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []model.AcceptedCommand
	err  error
}

func (r *recordingTransport) Send(_ context.Context, cmd model.AcceptedCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, cmd)
	return nil
}

type outcomeLog struct {
	mu  sync.Mutex
	all []model.Outcome
}

func (o *outcomeLog) add(out model.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.all = append(o.all, out)
}

func (o *outcomeLog) statuses(token string) []model.OutcomeStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	var s []model.OutcomeStatus
	for _, out := range o.all {
		if out.Command.Token == token {
			s = append(s, out.Status)
		}
	}
	return s
}

type harness struct {
	fleet     *kb.FleetRegistry
	links     *LinkManager
	transport *recordingTransport
	sched     *schedule.Fake
	d         *Dispatcher
	outcomes  *outcomeLog
}

func newHarness(t *testing.T, opts ...DispatcherOption) *harness {
	t.Helper()
	h := &harness{
		fleet:     newFleet(t, "B1", "B2"),
		transport: &recordingTransport{},
		sched:     schedule.NewFake(t0),
		outcomes:  &outcomeLog{},
	}
	h.links = NewLinkManager(h.fleet, nil)
	n := 0
	tokens := func() string {
		n++
		return fmt.Sprintf("tok-%d", n)
	}
	opts = append([]DispatcherOption{WithScheduler(h.sched), WithTokenSource(tokens)}, opts...)
	h.d = NewDispatcher(h.fleet, h.links, h.transport, opts...)
	h.d.OnOutcome(h.outcomes.add)
	t.Cleanup(h.d.Close)
	return h
}

func (h *harness) setActivity(t *testing.T, a model.ActivityState, sec int) {
	t.Helper()
	if _, err := h.fleet.ApplyTelemetry(model.TelemetryDelta{UnitID: "A1", Activity: &a, Timestamp: at(sec)}); err != nil {
		t.Fatalf("ApplyTelemetry: %v", err)
	}
}

func TestDispatchRunTaskWhileTaskIsBusy(t *testing.T) {
	h := newHarness(t)
	h.setActivity(t, model.Task, 1)

	_, err := h.d.Dispatch(context.Background(), model.RunTask("pick"))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("err %T is not a *Rejection", err)
	}
	if rej.Command.Kind != model.CommandRunTask {
		t.Fatalf("rejection command = %v, want run_task", rej.Command.Kind)
	}
	if len(h.transport.sent) != 0 {
		t.Fatalf("rejected command reached the transport")
	}
}

func TestDispatchPreconditions(t *testing.T) {
	cases := []struct {
		name     string
		activity model.ActivityState
		cmd      model.Command
		want     error
	}{
		{"goto while task", model.Task, model.GoTo(model.NewPose(1, 1, 0)), ErrBusy},
		{"go home while task", model.Task, model.GoHome(), ErrBusy},
		{"run loop while connected", model.ActivityConnected, model.RunLoop("patrol"), ErrBusy},
		{"goto while connected", model.ActivityConnected, model.GoTo(model.NewPose(1, 1, 0)), nil},
		{"run task while idle", model.Idle, model.RunTask("pick"), nil},
		{"detach while task", model.Task, model.Detach(), nil},
		{"goto nan", model.Idle, model.GoTo(model.Pose{X: math.NaN()}), ErrInvalidCommand},
		{"run task without ref", model.Idle, model.RunTask(" "), ErrInvalidCommand},
		{"link without unit", model.Idle, model.Link(""), ErrInvalidCommand},
		{"link unknown unit", model.Idle, model.Link("Z9"), kb.ErrUnknownUnit},
		{"link undetected unit", model.Idle, model.Link("B2"), ErrNotDetected},
		{"unknown kind", model.Idle, model.Command{}, ErrInvalidCommand},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.setActivity(t, tc.activity, 1)
			_, err := h.d.Dispatch(context.Background(), tc.cmd)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("Dispatch(%v) = %v, want accepted", tc.cmd, err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("Dispatch(%v) err = %v, want %v", tc.cmd, err, tc.want)
			}
		})
	}
}

func TestStopAllNeverFails(t *testing.T) {
	for _, a := range []model.ActivityState{model.Idle, model.Task, model.ActivityConnected} {
		h := newHarness(t)
		h.setActivity(t, a, 1)
		if _, err := h.d.Dispatch(context.Background(), model.StopAll()); err != nil {
			t.Fatalf("StopAll with activity %s: %v", a, err)
		}
		if _, err := h.d.Dispatch(context.Background(), model.StopAll()); err != nil {
			t.Fatalf("repeated StopAll with activity %s: %v", a, err)
		}
	}
}

func TestStopAllSupersedesPendingMotion(t *testing.T) {
	h := newHarness(t)
	goTo, err := h.d.Dispatch(context.Background(), model.GoTo(model.NewPose(3, 4, 0)))
	if err != nil {
		t.Fatalf("GoTo: %v", err)
	}
	stop, err := h.d.Dispatch(context.Background(), model.StopAll())
	if err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	if got := h.outcomes.statuses(goTo.Token); len(got) != 1 || got[0] != model.OutcomeSuperseded {
		t.Fatalf("goto outcomes = %v, want [superseded]", got)
	}
	if h.d.Confirm(goTo.Token) {
		t.Fatalf("Confirm on superseded token succeeded")
	}
	pending := h.d.Pending()
	if len(pending) != 1 || pending[0].Token != stop.Token {
		t.Fatalf("Pending = %+v, want only stop_all", pending)
	}
}

func TestPendingBlocksDoubleSubmission(t *testing.T) {
	h := newHarness(t)
	if _, err := h.d.Dispatch(context.Background(), model.GoHome()); err != nil {
		t.Fatalf("GoHome: %v", err)
	}
	if _, err := h.d.Dispatch(context.Background(), model.GoHome()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second GoHome err = %v, want ErrBusy", err)
	}
	// Link class is independent of motion.
	sight(t, h.fleet, "B1", model.InSight, at(1))
	if _, err := h.d.Dispatch(context.Background(), model.Link("B1")); err != nil {
		t.Fatalf("Link while motion pending: %v", err)
	}

	h.sched.Advance(DefaultConfirmTimeout)
	if _, err := h.d.Dispatch(context.Background(), model.GoHome()); err != nil {
		t.Fatalf("GoHome after timeout: %v", err)
	}
}

func TestTimeoutFiresExactlyOnce(t *testing.T) {
	h := newHarness(t, WithConfirmTimeout(2*time.Second))
	acc, err := h.d.Dispatch(context.Background(), model.GoTo(model.NewPose(1, 0, 0)))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	h.sched.Advance(time.Second)
	if got := h.outcomes.statuses(acc.Token); len(got) != 0 {
		t.Fatalf("outcomes before timeout = %v", got)
	}
	h.sched.Advance(time.Second)
	h.sched.Advance(time.Minute)

	got := h.outcomes.statuses(acc.Token)
	if len(got) != 1 || got[0] != model.OutcomeUnconfirmed {
		t.Fatalf("outcomes = %v, want [unconfirmed]", got)
	}
	if h.d.Confirm(acc.Token) {
		t.Fatalf("Confirm after timeout succeeded")
	}
	if got := h.outcomes.statuses(acc.Token); len(got) != 1 {
		t.Fatalf("phantom outcome after timeout: %v", got)
	}
	if len(h.transport.sent) != 1 {
		t.Fatalf("sent %d commands, want 1 (no retry)", len(h.transport.sent))
	}
}

func TestConfirmStopsTimer(t *testing.T) {
	h := newHarness(t)
	acc, err := h.d.Dispatch(context.Background(), model.GoTo(model.NewPose(1, 0, 0)))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !h.d.Confirm(acc.Token) {
		t.Fatalf("Confirm = false, want true")
	}
	if h.d.Confirm(acc.Token) {
		t.Fatalf("second Confirm = true, want false")
	}
	if n := h.sched.Pending(); n != 0 {
		t.Fatalf("scheduler has %d armed timers after confirm", n)
	}
	h.sched.Advance(time.Minute)
	got := h.outcomes.statuses(acc.Token)
	if len(got) != 1 || got[0] != model.OutcomeConfirmed {
		t.Fatalf("outcomes = %v, want [confirmed]", got)
	}
}

func TestLinkAppliedOnlyOnConfirmation(t *testing.T) {
	h := newHarness(t)
	sight(t, h.fleet, "B1", model.InSight, at(1))

	acc, err := h.d.Dispatch(context.Background(), model.Link("B1"))
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, ok := h.links.Current(); ok {
		t.Fatalf("link applied before confirmation")
	}
	if _, err := h.d.Dispatch(context.Background(), model.Link("B1")); !errors.Is(err, ErrBusy) {
		t.Fatalf("Link while link pending err = %v, want ErrBusy", err)
	}

	h.d.Confirm(acc.Token)
	if id, ok := h.links.Current(); !ok || id != "B1" {
		t.Fatalf("Current = (%q, %v), want (B1, true)", id, ok)
	}
	if _, err := h.d.Dispatch(context.Background(), model.Link("B1")); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("relink err = %v, want ErrAlreadyLinked", err)
	}

	det, err := h.d.Dispatch(context.Background(), model.Detach())
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	h.d.Confirm(det.Token)
	if _, ok := h.links.Current(); ok {
		t.Fatalf("still linked after confirmed detach")
	}
}

func TestDetachSupersedesPendingLink(t *testing.T) {
	h := newHarness(t)
	sight(t, h.fleet, "B1", model.InSight, at(1))
	link, _ := h.d.Dispatch(context.Background(), model.Link("B1"))
	if _, err := h.d.Dispatch(context.Background(), model.Detach()); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := h.outcomes.statuses(link.Token); len(got) != 1 || got[0] != model.OutcomeSuperseded {
		t.Fatalf("link outcomes = %v, want [superseded]", got)
	}
}

func TestActivityTelemetryConfirmsTask(t *testing.T) {
	h := newHarness(t)
	acc, err := h.d.Dispatch(context.Background(), model.RunTask("pick"))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	h.setActivity(t, model.Idle, 1)
	if got := h.outcomes.statuses(acc.Token); len(got) != 0 {
		t.Fatalf("confirmed on idle telemetry: %v", got)
	}
	h.setActivity(t, model.Task, 2)
	got := h.outcomes.statuses(acc.Token)
	if len(got) != 1 || got[0] != model.OutcomeConfirmed {
		t.Fatalf("outcomes = %v, want [confirmed]", got)
	}

	stop, _ := h.d.Dispatch(context.Background(), model.StopAll())
	h.setActivity(t, model.Idle, 3)
	if got := h.outcomes.statuses(stop.Token); len(got) != 1 || got[0] != model.OutcomeConfirmed {
		t.Fatalf("stop outcomes = %v, want [confirmed]", got)
	}
}

func TestStopAllFromIdleWaitsForAck(t *testing.T) {
	h := newHarness(t)
	if _, err := h.d.Dispatch(context.Background(), model.GoTo(model.NewPose(9, 9, 0))); err != nil {
		t.Fatalf("GoTo: %v", err)
	}
	stop, err := h.d.Dispatch(context.Background(), model.StopAll())
	if err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	p := model.NewPose(1, 1, 0)
	if _, err := h.fleet.ApplyTelemetry(model.TelemetryDelta{UnitID: "A1", Pose: &p, Timestamp: at(1)}); err != nil {
		t.Fatalf("ApplyTelemetry: %v", err)
	}
	h.setActivity(t, model.Idle, 2)
	if got := h.outcomes.statuses(stop.Token); len(got) != 0 {
		t.Fatalf("stop_all outcomes before ack = %v, want none", got)
	}

	if !h.d.Confirm(stop.Token) {
		t.Fatalf("Confirm(stop_all) = false, want true")
	}
	if got := h.outcomes.statuses(stop.Token); len(got) != 1 || got[0] != model.OutcomeConfirmed {
		t.Fatalf("stop_all outcomes = %v, want [confirmed]", got)
	}
}

func TestActivityReportedBeforeDispatchDoesNotConfirm(t *testing.T) {
	h := newHarness(t)
	h.setActivity(t, model.Task, 1)
	stop, err := h.d.Dispatch(context.Background(), model.StopAll())
	if err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	// A late delivery of a state older than the one dispatch checked against.
	h.d.observeUnit(model.UnitState{ID: "A1", Controllable: true, Activity: model.Idle, LastUpdated: at(1)})
	if got := h.outcomes.statuses(stop.Token); len(got) != 0 {
		t.Fatalf("stop_all outcomes after stale state = %v, want none", got)
	}
	h.setActivity(t, model.Idle, 2)
	if got := h.outcomes.statuses(stop.Token); len(got) != 1 || got[0] != model.OutcomeConfirmed {
		t.Fatalf("stop_all outcomes = %v, want [confirmed]", got)
	}
}

func TestConfirmedLinkToLostUnitFails(t *testing.T) {
	h := newHarness(t)
	sight(t, h.fleet, "B1", model.InSight, at(1))
	acc, err := h.d.Dispatch(context.Background(), model.Link("B1"))
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	sight(t, h.fleet, "B1", model.NotFound, at(2))

	if !h.d.Confirm(acc.Token) {
		t.Fatalf("Confirm = false, want true")
	}
	if got := h.outcomes.statuses(acc.Token); len(got) != 1 || got[0] != model.OutcomeFailed {
		t.Fatalf("link outcomes = %v, want [failed]", got)
	}
	if id, ok := h.links.Current(); ok {
		t.Fatalf("Current = (%q, true), want no link", id)
	}
	if len(h.d.Pending()) != 0 {
		t.Fatalf("Pending = %+v, want empty", h.d.Pending())
	}
}

func TestTransportFailureClearsPending(t *testing.T) {
	h := newHarness(t)
	h.transport.err = errors.New("port closed")

	_, err := h.d.Dispatch(context.Background(), model.GoHome())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if len(h.d.Pending()) != 0 {
		t.Fatalf("pending after transport failure: %+v", h.d.Pending())
	}
	if got := h.outcomes.statuses("tok-1"); len(got) != 1 || got[0] != model.OutcomeFailed {
		t.Fatalf("outcomes = %v, want [failed]", got)
	}

	h.transport.err = nil
	if _, err := h.d.Dispatch(context.Background(), model.GoHome()); err != nil {
		t.Fatalf("GoHome after recovery: %v", err)
	}
}

func TestTaskCatalog(t *testing.T) {
	h := newHarness(t, WithTaskCatalog("pick", "place"))
	if _, err := h.d.Dispatch(context.Background(), model.RunLoop("dance")); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	if _, err := h.d.Dispatch(context.Background(), model.RunLoop("place")); err != nil {
		t.Fatalf("RunLoop(place): %v", err)
	}
}

func TestConfirmRacesTimeout(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		acc, err := h.d.Dispatch(context.Background(), model.GoHome())
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.sched.Advance(DefaultConfirmTimeout)
		}()
		go func() {
			defer wg.Done()
			h.d.Confirm(acc.Token)
		}()
		wg.Wait()

		if got := h.outcomes.statuses(acc.Token); len(got) != 1 {
			t.Fatalf("iteration %d: outcomes = %v, want exactly one", i, got)
		}
	}
}

type dispatchCounter struct {
	mu       sync.Mutex
	results  map[string]int
	outcomes map[string]int
	pending  int
}

func (c *dispatchCounter) RecordDispatch(kind, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[kind+"/"+result]++
}

func (c *dispatchCounter) RecordOutcome(kind, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[kind+"/"+status]++
}

func (c *dispatchCounter) SetPendingCommands(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = n
}

func TestDispatchMetrics(t *testing.T) {
	m := &dispatchCounter{results: map[string]int{}, outcomes: map[string]int{}}
	h := newHarness(t, WithDispatchMetrics(m))
	h.setActivity(t, model.Task, 1)

	_, _ = h.d.Dispatch(context.Background(), model.RunTask("pick"))
	acc, _ := h.d.Dispatch(context.Background(), model.StopAll())
	if m.pending != 1 {
		t.Fatalf("pending gauge = %d, want 1", m.pending)
	}
	h.d.Confirm(acc.Token)

	if m.results["run_task/busy"] != 1 || m.results["stop_all/accepted"] != 1 {
		t.Fatalf("results = %v", m.results)
	}
	if m.outcomes["stop_all/confirmed"] != 1 || m.pending != 0 {
		t.Fatalf("outcomes = %v pending = %d", m.outcomes, m.pending)
	}
}

func TestReasonCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{reject(model.GoHome(), ErrBusy, "x"), "busy"},
		{fmt.Errorf("wrap: %w", ErrAlreadyLinked), "already_linked"},
		{fmt.Errorf("%w: Z9", kb.ErrUnknownUnit), "unknown_unit"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		if got := ReasonCode(tc.err); got != tc.want {
			t.Fatalf("ReasonCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
