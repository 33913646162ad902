package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FleetCollector bundles the daemon's Prometheus metrics. It satisfies the
// recorder interfaces of the registry, the dispatcher, the ingestor and the
// websocket hub so each can drive its counters directly.
type FleetCollector struct {
	gatherer prometheus.Gatherer

	TelemetryApplied *prometheus.CounterVec
	TelemetryStale   *prometheus.CounterVec
	Frames           *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec

	Commands        *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	PendingCommands prometheus.Gauge
	LinkActive      prometheus.Gauge

	WebsocketClients prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPDurations    *prometheus.HistogramVec
}

// NewFleetCollector registers fleet metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice against the same
// registry returns the existing collectors.
func NewFleetCollector(reg prometheus.Registerer) (*FleetCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &FleetCollector{gatherer: gatherer}
	var err error

	if c.TelemetryApplied, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_telemetry_applied_total",
		Help: "Telemetry deltas applied to the registry, labeled by unit.",
	}, []string{"unit"}), "fleet_telemetry_applied_total"); err != nil {
		return nil, err
	}
	if c.TelemetryStale, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_telemetry_stale_total",
		Help: "Telemetry deltas ignored because they were not newer than the stored state.",
	}, []string{"unit"}), "fleet_telemetry_stale_total"); err != nil {
		return nil, err
	}
	if c.Frames, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_telemetry_frames_total",
		Help: "Raw telemetry frames received, labeled by codec.",
	}, []string{"codec"}), "fleet_telemetry_frames_total"); err != nil {
		return nil, err
	}
	if c.DecodeErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_telemetry_decode_errors_total",
		Help: "Telemetry frames dropped as malformed, labeled by codec.",
	}, []string{"codec"}), "fleet_telemetry_decode_errors_total"); err != nil {
		return nil, err
	}

	if c.Commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_commands_total",
		Help: "Dispatched commands, labeled by kind and result (accepted or a rejection reason).",
	}, []string{"kind", "result"}), "fleet_commands_total"); err != nil {
		return nil, err
	}
	if c.Outcomes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_command_outcomes_total",
		Help: "Resolved pending commands, labeled by kind and outcome status.",
	}, []string{"kind", "status"}), "fleet_command_outcomes_total"); err != nil {
		return nil, err
	}
	if c.PendingCommands, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_pending_commands",
		Help: "Commands awaiting confirmation.",
	}), "fleet_pending_commands"); err != nil {
		return nil, err
	}
	if c.LinkActive, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_link_active",
		Help: "1 while the controllable unit is linked to a monitored unit.",
	}), "fleet_link_active"); err != nil {
		return nil, err
	}

	if c.WebsocketClients, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_websocket_clients",
		Help: "Connected observer websocket clients.",
	}), "fleet_websocket_clients"); err != nil {
		return nil, err
	}
	if c.HTTPRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_http_requests_total",
		Help: "Handled intent API requests, labeled by route and status code.",
	}, []string{"route", "code"}), "fleet_http_requests_total"); err != nil {
		return nil, err
	}
	if c.HTTPDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "Intent API latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"route"}), "fleet_http_request_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *FleetCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *FleetCollector) RecordTelemetryApplied(unitID string) {
	if c == nil {
		return
	}
	c.TelemetryApplied.WithLabelValues(unitID).Inc()
}

func (c *FleetCollector) RecordStaleTelemetry(unitID string) {
	if c == nil {
		return
	}
	c.TelemetryStale.WithLabelValues(unitID).Inc()
}

func (c *FleetCollector) RecordFrame(codec string) {
	if c == nil {
		return
	}
	c.Frames.WithLabelValues(codec).Inc()
}

func (c *FleetCollector) RecordDecodeError(codec string) {
	if c == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(codec).Inc()
}

func (c *FleetCollector) RecordDispatch(kind, result string) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(kind, result).Inc()
}

func (c *FleetCollector) RecordOutcome(kind, status string) {
	if c == nil {
		return
	}
	c.Outcomes.WithLabelValues(kind, status).Inc()
}

func (c *FleetCollector) SetPendingCommands(n int) {
	if c == nil {
		return
	}
	c.PendingCommands.Set(float64(n))
}

// ObserveLink has the link manager's callback signature.
func (c *FleetCollector) ObserveLink(_ string, linked bool) {
	if c == nil {
		return
	}
	if linked {
		c.LinkActive.Set(1)
		return
	}
	c.LinkActive.Set(0)
}

func (c *FleetCollector) SetWebsocketClients(n int) {
	if c == nil {
		return
	}
	c.WebsocketClients.Set(float64(n))
}

// Instrument wraps h so every request is counted under route with its
// response status code, and timed.
func (c *FleetCollector) Instrument(route string, h http.Handler) http.Handler {
	if c == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(rec, r)
		c.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		c.HTTPDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes connection takeover through for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.code = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
