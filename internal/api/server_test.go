package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/amr-fleet/core"
	"github.com/signalsfoundry/amr-fleet/internal/schedule"
	"github.com/signalsfoundry/amr-fleet/kb"
	"github.com/signalsfoundry/amr-fleet/model"
)

var t0 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

type stubTransport struct {
	mu  sync.Mutex
	err error
}

func (s *stubTransport) Send(context.Context, model.AcceptedCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type fixture struct {
	fleet     *kb.FleetRegistry
	links     *core.LinkManager
	d         *core.Dispatcher
	transport *stubTransport
	srv       *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fleet, err := kb.NewFleetRegistry("A1", []string{"B1", "B2"})
	if err != nil {
		t.Fatalf("NewFleetRegistry: %v", err)
	}
	f := &fixture{fleet: fleet, transport: &stubTransport{}}
	f.links = core.NewLinkManager(fleet, nil)
	n := 0
	f.d = core.NewDispatcher(fleet, f.links, f.transport,
		core.WithScheduler(schedule.NewFake(t0)),
		core.WithTaskCatalog("pick", "patrol"),
		core.WithTokenSource(func() string {
			n++
			return fmt.Sprintf("tok-%d", n)
		}),
	)
	t.Cleanup(f.d.Close)
	f.srv = httptest.NewServer(New(f.d, fleet, f.links, opts...).Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/api/commands", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func (f *fixture) get(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func (f *fixture) apply(t *testing.T, d model.TelemetryDelta) {
	t.Helper()
	if _, err := f.fleet.ApplyTelemetry(d); err != nil {
		t.Fatalf("ApplyTelemetry: %v", err)
	}
}

func TestDispatchAccepted(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, `{"kind":"goto","pose":{"x":1,"y":2,"theta":0}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%v)", resp.StatusCode, body)
	}
	if body["token"] != "tok-1" || body["target"] != "A1" {
		t.Fatalf("body = %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("response missing X-Request-ID")
	}

	var pending []model.AcceptedCommand
	f.get(t, "/api/pending", &pending)
	if len(pending) != 1 || pending[0].Token != "tok-1" || pending[0].Command.Kind != model.CommandGoTo {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestDispatchErrorMapping(t *testing.T) {
	f := newFixture(t)
	task := model.Task
	f.apply(t, model.TelemetryDelta{UnitID: "A1", Activity: &task, Timestamp: t0.Add(time.Second)})

	cases := []struct {
		body   string
		status int
		reason string
	}{
		{`{"kind":"run_task","task":"pick"}`, http.StatusConflict, "busy"},
		{`{"kind":"link","unit_id":"B1"}`, http.StatusConflict, "not_detected"},
		{`{"kind":"link","unit_id":"Z9"}`, http.StatusNotFound, "unknown_unit"},
		{`{"kind":"run_loop","task":"dance"}`, http.StatusNotFound, "unknown_task"},
		{`{"kind":"link"}`, http.StatusBadRequest, "invalid_command"},
		{`{"kind":"teleport"}`, http.StatusBadRequest, "invalid_command"},
		{`{"kind":"stop_all","extra":1}`, http.StatusBadRequest, "invalid_command"},
		{`not json`, http.StatusBadRequest, "invalid_command"},
	}
	for _, tc := range cases {
		resp, body := f.post(t, tc.body)
		if resp.StatusCode != tc.status || body["reason"] != tc.reason {
			t.Fatalf("POST %s = %d %v, want %d %s", tc.body, resp.StatusCode, body, tc.status, tc.reason)
		}
	}
}

func TestDispatchAlreadyLinkedConflict(t *testing.T) {
	f := newFixture(t)
	det := model.InSight
	f.apply(t, model.TelemetryDelta{UnitID: "B1", Detection: &det, Timestamp: t0.Add(time.Second)})
	f.apply(t, model.TelemetryDelta{UnitID: "B2", Detection: &det, Timestamp: t0.Add(time.Second)})
	if err := f.links.Link("B1"); err != nil {
		t.Fatalf("Link: %v", err)
	}

	resp, body := f.post(t, `{"kind":"link","unit_id":"B2"}`)
	if resp.StatusCode != http.StatusConflict || body["reason"] != "already_linked" {
		t.Fatalf("POST link = %d %v, want 409 already_linked", resp.StatusCode, body)
	}

	var link linkResponse
	f.get(t, "/api/link", &link)
	if !link.Linked || link.UnitID != "B1" {
		t.Fatalf("link = %+v, want B1", link)
	}
}

func TestDispatchTransportFailure(t *testing.T) {
	f := newFixture(t)
	f.transport.err = errors.New("port closed")
	resp, body := f.post(t, `{"kind":"stop_all"}`)
	if resp.StatusCode != http.StatusBadGateway || body["reason"] != "transport" {
		t.Fatalf("POST = %d %v, want 502 transport", resp.StatusCode, body)
	}
}

func TestUnitsEndpoints(t *testing.T) {
	f := newFixture(t)
	det := model.NotInSight
	f.apply(t, model.TelemetryDelta{UnitID: "B2", Detection: &det, Timestamp: t0.Add(time.Second)})

	var units []model.UnitState
	f.get(t, "/api/units", &units)
	if len(units) != 3 || units[0].ID != "A1" || !units[0].Controllable || units[2].ID != "B2" {
		t.Fatalf("units = %+v", units)
	}

	var raw map[string]any
	f.get(t, "/api/units/B2", &raw)
	if raw["id"] != "B2" || raw["detection"] != "not_in_sight" {
		t.Fatalf("B2 = %v", raw)
	}

	resp := f.get(t, "/api/units/Z9", &raw)
	if resp.StatusCode != http.StatusNotFound || raw["reason"] != "unknown_unit" {
		t.Fatalf("GET Z9 = %d %v, want 404 unknown_unit", resp.StatusCode, raw)
	}
}

func TestEmptyPendingAndLink(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/pending")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("pending body = %q, want []", raw)
	}

	var link linkResponse
	f.get(t, "/api/link", &link)
	if link.Linked || link.UnitID != "" {
		t.Fatalf("link = %+v, want none", link)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-ID") != "req-42" {
		t.Fatalf("healthz = %d id %q", resp.StatusCode, resp.Header.Get("X-Request-ID"))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/api/commands", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/commands = %d, want 405", resp.StatusCode)
	}
}

type routeLog struct {
	mu     sync.Mutex
	routes []string
}

func (l *routeLog) Instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		l.routes = append(l.routes, route)
		l.mu.Unlock()
		h.ServeHTTP(w, r)
	})
}

func TestObserverStreamAndInstrumentation(t *testing.T) {
	rl := &routeLog{}
	stream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	f := newFixture(t, WithObserverStream(stream), WithInstrumenter(rl))

	if resp := f.get(t, "/ws", nil); resp.StatusCode != http.StatusTeapot {
		t.Fatalf("GET /ws = %d, want stream handler", resp.StatusCode)
	}
	f.get(t, "/healthz", nil)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.routes) != 2 || rl.routes[0] != "GET /ws" || rl.routes[1] != "GET /healthz" {
		t.Fatalf("instrumented routes = %v", rl.routes)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{core.ErrBusy, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", core.ErrNotDetected), http.StatusConflict},
		{kb.ErrUnknownUnit, http.StatusNotFound},
		{core.ErrInvalidCommand, http.StatusBadRequest},
		{core.ErrTransport, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Fatalf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
