// Command simulator runs the simulated fleet as a standalone device: it reads
// encoded commands on stdin and writes one telemetry frame per line on
// stdout, so it can stand in for the serial link of fleetd.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/signalsfoundry/amr-fleet/internal/ingest"
	"github.com/signalsfoundry/amr-fleet/internal/logging"
	"github.com/signalsfoundry/amr-fleet/internal/sim"
	"github.com/signalsfoundry/amr-fleet/internal/transport"
	"github.com/signalsfoundry/amr-fleet/timectrl"
)

type options struct {
	Duration    time.Duration
	Tick        time.Duration
	Accelerated bool
	Start       time.Time
	Codec       string
	Encoding    string
	Fleet       sim.Config
}

func main() {
	defaults := sim.DefaultConfig()
	duration := flag.Duration("duration", 0, "total simulation duration (0 runs until interrupted)")
	tick := flag.Duration("tick", 200*time.Millisecond, "tick interval")
	accelerated := flag.Bool("accelerated", false, "step as fast as possible instead of in real time")
	codec := flag.String("codec", ingest.CodecCSV, "telemetry line codec: csv or json")
	encoding := flag.String("encoding", "csv", "command line encoding: csv or json")
	controllable := flag.String("controllable", defaults.Controllable, "controllable unit id")
	monitored := flag.String("monitored", strings.Join(defaults.Monitored, ","), "comma-separated monitored unit ids")
	seed := flag.Int64("seed", defaults.Seed, "random seed for monitored unit placement")
	flag.Parse()

	// stdout carries telemetry.
	log := logging.NewFromEnv(os.Stderr)

	cfg := defaults
	cfg.Controllable = *controllable
	cfg.Monitored = strings.Split(*monitored, ",")
	cfg.Seed = *seed

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := options{
		Duration:    *duration,
		Tick:        *tick,
		Accelerated: *accelerated,
		Start:       time.Now().UTC(),
		Codec:       *codec,
		Encoding:    *encoding,
		Fleet:       cfg,
	}
	if err := simulate(ctx, opts, os.Stdin, os.Stdout, log); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}
}

// simulate runs the fleet until opts.Duration elapses or ctx is done.
func simulate(ctx context.Context, opts options, in io.Reader, out io.Writer, log logging.Logger) error {
	if opts.Codec != ingest.CodecCSV && opts.Codec != ingest.CodecJSON {
		return fmt.Errorf("codec %q is not line oriented; use csv or json", opts.Codec)
	}
	codec, err := ingest.NewCodec(opts.Codec)
	if err != nil {
		return err
	}
	commands, err := transport.NewCodec(opts.Encoding)
	if err != nil {
		return err
	}
	if opts.Tick <= 0 {
		return fmt.Errorf("tick must be positive")
	}
	if opts.Fleet.Buffer < 4096 {
		opts.Fleet.Buffer = 4096
	}
	fleet, err := sim.New(opts.Fleet, codec, log)
	if err != nil {
		return err
	}

	written := make(chan error, 1)
	go func() {
		written <- writeFrames(fleet.Frames(), out)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readCommands(ctx, ingest.NewLineSource(in), commands, fleet, log)

	mode := timectrl.RealTime
	if opts.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(opts.Start, opts.Tick, mode)
	tc.AddListener(fleet.Tick)

	log.Info(ctx, "starting simulation",
		logging.Duration("duration", opts.Duration),
		logging.Duration("tick", opts.Tick),
		logging.Bool("accelerated", opts.Accelerated),
	)
	<-tc.Start(ctx, opts.Duration)
	fleet.Close()

	if err := <-written; err != nil {
		return fmt.Errorf("write telemetry: %w", err)
	}
	if n := fleet.Dropped(); n > 0 {
		log.Warn(ctx, "telemetry frames dropped", logging.Int("count", int(n)))
	}
	log.Info(ctx, "simulation complete", logging.String("sim_time", tc.Now().Format(time.RFC3339)))
	return nil
}

func writeFrames(frames ingest.ChanSource, out io.Writer) error {
	w := bufio.NewWriter(out)
	var werr error
	for raw := range frames {
		if werr != nil {
			continue
		}
		if _, err := w.Write(append(raw, '\n')); err != nil {
			werr = err
			continue
		}
		werr = w.Flush()
	}
	return werr
}

// readCommands applies each decoded command line to the fleet. Bad lines are
// logged and skipped.
func readCommands(ctx context.Context, src ingest.Source, codec transport.Codec, fleet *sim.Fleet, log logging.Logger) {
	for {
		line, err := src.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn(ctx, "command input failed", logging.Err(err))
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		cmd, err := codec.DecodeCommand(line)
		if err != nil {
			log.Warn(ctx, "skipping command line", logging.String("line", string(line)), logging.Err(err))
			continue
		}
		if err := fleet.Send(ctx, cmd); err != nil {
			log.Warn(ctx, "command not applied", logging.Token(cmd.Token), logging.Err(err))
			continue
		}
		log.Debug(ctx, "command applied", logging.String("command", cmd.Command.String()), logging.Token(cmd.Token))
	}
}
