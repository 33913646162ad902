package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/signalsfoundry/amr-fleet/core"
	"github.com/signalsfoundry/amr-fleet/internal/api"
	"github.com/signalsfoundry/amr-fleet/internal/config"
	"github.com/signalsfoundry/amr-fleet/internal/hub"
	"github.com/signalsfoundry/amr-fleet/internal/ingest"
	"github.com/signalsfoundry/amr-fleet/internal/logging"
	"github.com/signalsfoundry/amr-fleet/internal/observability"
	"github.com/signalsfoundry/amr-fleet/internal/sim"
	"github.com/signalsfoundry/amr-fleet/internal/transport"
	"github.com/signalsfoundry/amr-fleet/kb"
	"github.com/signalsfoundry/amr-fleet/model"
	"github.com/signalsfoundry/amr-fleet/timectrl"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default ./fleetd.yaml when present)")
	httpAddr := flag.String("http-addr", "", "HTTP address for the intent API and /ws (overrides http.addr)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides metrics.addr)")
	source := flag.String("source", "", "telemetry source: sim, stdin or serial (overrides telemetry.source)")
	initConfig := flag.String("init-config", "", "write the default config to this path and exit")
	flag.Parse()

	if *initConfig != "" {
		if err := config.WriteDefault(*initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *source != "" {
		cfg.Telemetry.Source = *source
	}

	// stdout may carry the command stream, so logs go to stderr.
	var level slog.LevelVar
	level.Set(logging.ParseLevel(cfg.Log.Level))
	log := logging.New(logging.Config{
		Format:    cfg.Log.Format,
		AddSource: true,
		Output:    os.Stderr,
		Leveler:   &level,
	})
	ctx := context.Background()

	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTP.Addr), logging.Err(err))
		os.Exit(1)
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		// Only the log level is applied live; everything else needs a restart.
		err := config.Watch(stopCtx, *configPath, log, func(next config.Config) {
			level.Set(logging.ParseLevel(next.Log.Level))
		})
		if err != nil {
			log.Warn(ctx, "config changes will not be picked up", logging.Err(err))
		}
	}

	if err := run(stopCtx, cfg, log, lis); err != nil {
		log.Error(ctx, "fleetd exited", logging.Err(err))
		os.Exit(1)
	}
}

// link is the device side of the daemon: where commands go and telemetry
// comes from.
type link struct {
	transport core.Transport
	source    ingest.Source
	close     func()
}

// run wires the fleet core to its I/O and serves until ctx is done.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := observability.NewFleetCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	registry, err := kb.NewFleetRegistry(cfg.Roster.Controllable, cfg.Roster.Monitored,
		kb.WithMetricsRecorder(collector),
	)
	if err != nil {
		return err
	}
	links := core.NewLinkManager(registry, log)

	codec, err := ingest.NewCodec(cfg.Telemetry.Codec)
	if err != nil {
		return err
	}
	dev, err := openLink(ctx, cfg, codec, log)
	if err != nil {
		return err
	}
	defer dev.close()

	dispatcher := core.NewDispatcher(registry, links, dev.transport,
		core.WithConfirmTimeout(cfg.Dispatch.ConfirmTimeout),
		core.WithTaskCatalog(cfg.Dispatch.Tasks...),
		core.WithLogger(log),
		core.WithDispatchMetrics(collector),
	)
	defer dispatcher.Close()

	observers := hub.New(log, registry.List, collector)
	defer observers.Close()
	unsubs := []func(){
		registry.Subscribe(observers.PublishUnit),
		links.Subscribe(observers.PublishLink),
		links.Subscribe(collector.ObserveLink),
		dispatcher.OnOutcome(observers.PublishOutcome),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	ingestor := ingest.New(codec, registry,
		ingest.WithAckSink(dispatcher),
		ingest.WithLogger(log),
		ingest.WithMetrics(collector),
	)
	go func() {
		if err := ingestor.Run(ctx, dev.source); err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, "telemetry ingest stopped", logging.Err(err))
		}
	}()

	server := api.New(dispatcher, registry, links,
		api.WithLogger(log),
		api.WithObserverStream(observers),
		api.WithInstrumenter(collector),
	)
	httpSrv := &http.Server{Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "serving intent API", logging.String("addr", lis.Addr().String()))
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	metricsSrv := serveMetrics(cfg.Metrics.Addr, collector, log)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info(context.Background(), "shutting down fleetd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	observers.Close()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// openLink builds the command transport and telemetry source for the
// configured source.
func openLink(ctx context.Context, cfg config.Config, codec ingest.Codec, log logging.Logger) (link, error) {
	switch cfg.Telemetry.Source {
	case config.SourceSim:
		fleet, err := sim.New(sim.Config{
			Controllable: cfg.Roster.Controllable,
			Monitored:    cfg.Roster.Monitored,
			Home:         model.NewPose(cfg.Roster.Home.X, cfg.Roster.Home.Y, cfg.Roster.Home.Theta),
			Speed:        cfg.Sim.Speed,
			SensorRange:  cfg.Sim.SensorRange,
			TaskDuration: cfg.Sim.TaskDuration,
			Seed:         cfg.Sim.Seed,
		}, codec, log)
		if err != nil {
			return link{}, err
		}
		clock := timectrl.NewTimeController(time.Now(), cfg.Sim.Tick, timectrl.RealTime)
		clock.AddListener(fleet.Tick)
		clockCtx, stopClock := context.WithCancel(ctx)
		done := clock.Start(clockCtx, 0)
		log.Info(ctx, "simulated fleet started",
			logging.String("controllable", cfg.Roster.Controllable),
			logging.Int("monitored", len(cfg.Roster.Monitored)),
			logging.Duration("tick", cfg.Sim.Tick),
		)
		return link{
			transport: fleet,
			source:    fleet.Frames(),
			close: func() {
				stopClock()
				<-done
				fleet.Close()
				if n := fleet.Dropped(); n > 0 {
					log.Warn(context.Background(), "simulated frames dropped", logging.Int("count", int(n)))
				}
			},
		}, nil

	case config.SourceStdin:
		enc, err := transport.NewCodec(cfg.Transport.Encoding)
		if err != nil {
			return link{}, err
		}
		return link{
			transport: transport.NewLineTransport(os.Stdout, enc, log),
			source:    ingest.NewLineSource(os.Stdin),
			close:     func() {},
		}, nil

	case config.SourceSerial:
		enc, err := transport.NewCodec(cfg.Transport.Encoding)
		if err != nil {
			return link{}, err
		}
		port, err := transport.OpenSerial(cfg.Transport.Device, cfg.Transport.Baud)
		if err != nil {
			return link{}, err
		}
		log.Info(ctx, "serial link open",
			logging.String("device", cfg.Transport.Device),
			logging.Int("baud", cfg.Transport.Baud),
		)
		return link{
			transport: transport.NewLineTransport(port, enc, log),
			source:    ingest.NewLineSource(port),
			close:     func() { closeQuietly(port, log) },
		}, nil

	default:
		return link{}, fmt.Errorf("unknown telemetry source %q", cfg.Telemetry.Source)
	}
}

func serveMetrics(addr string, collector *observability.FleetCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func closeQuietly(c io.Closer, log logging.Logger) {
	if err := c.Close(); err != nil {
		log.Warn(context.Background(), "close failed", logging.Err(err))
	}
}
