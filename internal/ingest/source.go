package ingest

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

// Source yields raw telemetry frames. ReadFrame returns io.EOF once the
// source is exhausted.
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

type lineResult struct {
	line []byte
	err  error
}

// LineSource splits a byte stream (stdin, a serial port) into newline
// terminated frames. A single reader goroutine owns the stream so ReadFrame
// can honour ctx even while the underlying Read blocks.
type LineSource struct {
	lines chan lineResult
}

// NewLineSource starts reading r.
func NewLineSource(r io.Reader) *LineSource {
	s := &LineSource{lines: make(chan lineResult, 16)}
	go s.pump(bufio.NewReader(r))
	return s
}

func (s *LineSource) pump(r *bufio.Reader) {
	defer close(s.lines)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			s.lines <- lineResult{line: bytes.TrimRight(line, "\r\n")}
		}
		if err != nil {
			s.lines <- lineResult{err: err}
			return
		}
	}
}

// ReadFrame returns the next line without its terminator.
func (s *LineSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-s.lines:
		if !ok {
			return nil, io.EOF
		}
		return res.line, res.err
	}
}

// ChanSource adapts a channel of frames, as produced by the simulator.
type ChanSource <-chan []byte

// ReadFrame returns the next frame, or io.EOF once the channel is closed.
func (c ChanSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-c:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}
