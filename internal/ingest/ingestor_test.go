package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/amr-fleet/kb"
	"github.com/signalsfoundry/amr-fleet/model"
)

type ackRecorder struct {
	mu     sync.Mutex
	tokens []string
}

func (a *ackRecorder) Ack(_ context.Context, token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, token)
}

type ingestCounter struct {
	frames, decodeErrors int
}

func (c *ingestCounter) RecordFrame(string)       { c.frames++ }
func (c *ingestCounter) RecordDecodeError(string) { c.decodeErrors++ }

func newRegistry(t *testing.T) *kb.FleetRegistry {
	t.Helper()
	r, err := kb.NewFleetRegistry("A1", []string{"B1", "B2"})
	if err != nil {
		t.Fatalf("NewFleetRegistry: %v", err)
	}
	return r
}

func TestMalformedMessageIsDroppedOnce(t *testing.T) {
	r := newRegistry(t)
	metrics := &ingestCounter{}
	in := New(CSVCodec{}, r, WithMetrics(metrics))
	before := r.List()

	err := in.Ingest(context.Background(), []byte(",in_sight,1,2,0,1000"))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}

	after := r.List()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("state changed: %+v -> %+v", before[i], after[i])
		}
	}
	if got := in.Stats().DecodeErrors; got != 1 {
		t.Fatalf("DecodeErrors = %d, want 1", got)
	}
	if metrics.decodeErrors != 1 || metrics.frames != 1 {
		t.Fatalf("metrics frames=%d decode=%d, want 1/1", metrics.frames, metrics.decodeErrors)
	}
}

func TestNaNProgressKeepsSnapshotEncodable(t *testing.T) {
	r := newRegistry(t)
	in := New(CSVCodec{}, r)
	if err := in.Ingest(context.Background(), []byte("A1,,,,,5,,NaN")); !errors.Is(err, ErrDecode) {
		t.Fatalf("Ingest err = %v, want ErrDecode", err)
	}
	if p := r.Controllable().Progress; p != 0 {
		t.Fatalf("A1 progress = %v, want 0", p)
	}
	if _, err := json.Marshal(r.List()); err != nil {
		t.Fatalf("json.Marshal(List()): %v", err)
	}
}

func TestIngestAppliesAndForwardsAck(t *testing.T) {
	r := newRegistry(t)
	acks := &ackRecorder{}
	in := New(CSVCodec{}, r, WithAckSink(acks))

	if err := in.Ingest(context.Background(), []byte("A1,connected,1,2,0,1000,task,0.1,tok-9")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	a := r.Controllable()
	if a.Detection != model.Connected || a.Activity != model.Task || a.Pose != model.NewPose(1, 2, 0) {
		t.Fatalf("A1 = %+v", a)
	}
	if len(acks.tokens) != 1 || acks.tokens[0] != "tok-9" {
		t.Fatalf("acks = %v, want [tok-9]", acks.tokens)
	}
}

func TestIngestStampsMissingTimestamp(t *testing.T) {
	r := newRegistry(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := New(JSONCodec{}, r, WithClock(func() time.Time { return now }))

	if err := in.Ingest(context.Background(), []byte(`{"unit_id":"B2","detection":"not_in_sight"}`)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	b2, _ := r.Get("B2")
	if !b2.LastUpdated.Equal(now) || b2.Detection != model.NotInSight {
		t.Fatalf("B2 = %+v, want not_in_sight stamped %v", b2, now)
	}
}

func TestIngestUnknownUnitIsNotFatal(t *testing.T) {
	r := newRegistry(t)
	in := New(CSVCodec{}, r)
	if err := in.Ingest(context.Background(), []byte("C7,in_sight,0,0,0,1000")); !errors.Is(err, kb.ErrUnknownUnit) {
		t.Fatalf("err = %v, want ErrUnknownUnit", err)
	}
	if err := in.Ingest(context.Background(), []byte("B1,in_sight,0,0,0,1000")); err != nil {
		t.Fatalf("Ingest after unknown unit: %v", err)
	}
	if in.Stats().Rejected != 1 {
		t.Fatalf("Rejected = %d, want 1", in.Stats().Rejected)
	}
}

type panicCodec struct{ CSVCodec }

func (panicCodec) Decode([]byte) (model.TelemetryDelta, error) { panic("boom") }

func TestIngestRecoversCodecPanic(t *testing.T) {
	in := New(panicCodec{}, newRegistry(t))
	if err := in.Ingest(context.Background(), []byte("x")); !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestRunIsolatesBadFrames(t *testing.T) {
	r := newRegistry(t)
	in := New(CSVCodec{}, r)
	stream := strings.Join([]string{
		"B1,in_sight,1,1,0,1000",
		"garbage",
		"",
		"B1,not_in_sight,2,2,0,2000",
		"B1,in_sight,9,9,0,1500",
		"B2,in_sight,3,3,0,1000",
	}, "\n")

	if err := in.Run(context.Background(), NewLineSource(strings.NewReader(stream))); err != nil {
		t.Fatalf("Run: %v", err)
	}

	b1, _ := r.Get("B1")
	if b1.Detection != model.NotInSight || b1.Pose != model.NewPose(2, 2, 0) {
		t.Fatalf("B1 = %+v, want not_in_sight at (2, 2)", b1)
	}
	b2, _ := r.Get("B2")
	if b2.Detection != model.InSight {
		t.Fatalf("B2 = %+v, want in_sight", b2)
	}
	st := in.Stats()
	if st.DecodeErrors != 1 || st.Frames != 5 {
		t.Fatalf("stats = %+v, want 5 frames, 1 decode error", st)
	}
	if r.StaleCount() != 1 {
		t.Fatalf("StaleCount = %d, want 1", r.StaleCount())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ch := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	in := New(JSONCodec{}, newRegistry(t))
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx, ChanSource(ch)) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("port unplugged") }

func TestRunReturnsSourceError(t *testing.T) {
	err := New(CSVCodec{}, newRegistry(t)).Run(context.Background(), NewLineSource(failingReader{}))
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("Run = %v, want read error", err)
	}
}

func TestChanSourceEOF(t *testing.T) {
	ch := make(chan []byte, 1)
	ch <- []byte("x")
	close(ch)
	src := ChanSource(ch)
	if f, err := src.ReadFrame(context.Background()); err != nil || string(f) != "x" {
		t.Fatalf("ReadFrame = (%q, %v)", f, err)
	}
	if _, err := src.ReadFrame(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
