package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/amr-fleet/internal/logging"
	"github.com/signalsfoundry/amr-fleet/model"
)

// Applier is the write side of the fleet registry.
type Applier interface {
	ApplyTelemetry(delta model.TelemetryDelta) (bool, error)
}

// AckSink receives command acknowledgements carried in telemetry.
type AckSink interface {
	Ack(ctx context.Context, token string)
}

// Metrics receives ingest counters.
type Metrics interface {
	RecordFrame(codec string)
	RecordDecodeError(codec string)
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithAckSink forwards ack tokens to sink after the delta is applied.
func WithAckSink(sink AckSink) Option {
	return func(i *Ingestor) { i.acks = sink }
}

// WithClock sets the clock used to stamp frames that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// WithLogger sets the ingest logger.
func WithLogger(log logging.Logger) Option {
	return func(i *Ingestor) {
		if log != nil {
			i.log = log
		}
	}
}

// WithMetrics wires an ingest metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// Ingestor decodes frames and applies them to the registry. Each frame is
// handled in isolation; a bad frame never stops the ones after it.
type Ingestor struct {
	codec    Codec
	registry Applier
	acks     AckSink
	now      func() time.Time
	log      logging.Logger
	metrics  Metrics

	frames       atomic.Uint64
	decodeErrors atomic.Uint64
	rejected     atomic.Uint64
}

// New creates an Ingestor reading frames with codec.
func New(codec Codec, registry Applier, opts ...Option) *Ingestor {
	i := &Ingestor{
		codec:    codec,
		registry: registry,
		now:      time.Now,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest decodes raw and applies it. Decode failures wrap ErrDecode; registry
// errors such as an unknown unit are returned as is. Stale frames are not
// errors.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) error {
	i.frames.Add(1)
	if i.metrics != nil {
		i.metrics.RecordFrame(i.codec.Name())
	}

	delta, err := i.decode(raw)
	if err != nil {
		i.decodeErrors.Add(1)
		if i.metrics != nil {
			i.metrics.RecordDecodeError(i.codec.Name())
		}
		i.log.Warn(ctx, "dropping malformed telemetry",
			logging.String("codec", i.codec.Name()),
			logging.Int("bytes", len(raw)),
			logging.Err(err),
		)
		return err
	}
	if delta.Timestamp.IsZero() {
		delta.Timestamp = i.now()
	}

	applied, err := i.registry.ApplyTelemetry(delta)
	if err != nil {
		i.rejected.Add(1)
		i.log.Warn(ctx, "telemetry rejected by registry",
			logging.UnitID(delta.UnitID),
			logging.Err(err),
		)
		return err
	}
	if !applied {
		i.log.Debug(ctx, "stale telemetry dropped",
			logging.UnitID(delta.UnitID),
			logging.Any("timestamp", delta.Timestamp),
		)
	}
	if delta.Ack != "" && i.acks != nil {
		i.acks.Ack(ctx, delta.Ack)
	}
	return nil
}

// decode runs the codec and turns a codec panic into ErrDecode.
func (i *Ingestor) decode(raw []byte) (delta model.TelemetryDelta, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: codec panic: %v", ErrDecode, r)
		}
	}()
	return i.codec.Decode(raw)
}

// Run reads frames from src until it is exhausted or ctx is cancelled. Frame
// errors are logged and counted; only source errors end the loop.
func (i *Ingestor) Run(ctx context.Context, src Source) error {
	i.log.Info(ctx, "telemetry ingest started", logging.String("codec", i.codec.Name()))
	for {
		raw, err := src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				i.log.Info(ctx, "telemetry source closed")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read telemetry: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		_ = i.Ingest(ctx, raw)
	}
}

// Stats is a snapshot of ingest counters.
type Stats struct {
	Frames       uint64 `json:"frames"`
	DecodeErrors uint64 `json:"decode_errors"`
	Rejected     uint64 `json:"rejected"`
}

// Stats returns the counters since construction.
func (i *Ingestor) Stats() Stats {
	return Stats{
		Frames:       i.frames.Load(),
		DecodeErrors: i.decodeErrors.Load(),
		Rejected:     i.rejected.Load(),
	}
}
