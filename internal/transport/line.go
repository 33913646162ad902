package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	serial "go.bug.st/serial"

	"github.com/signalsfoundry/amr-fleet/internal/logging"
	"github.com/signalsfoundry/amr-fleet/model"
)

// LineTransport writes one encoded command per line to w. Writes are
// serialised so concurrent dispatches never interleave bytes.
type LineTransport struct {
	enc Codec
	log logging.Logger

	mu sync.Mutex
	w  io.Writer
}

// NewLineTransport wraps w.
func NewLineTransport(w io.Writer, enc Codec, log logging.Logger) *LineTransport {
	if log == nil {
		log = logging.Noop()
	}
	return &LineTransport{enc: enc, log: log, w: w}
}

// Send encodes cmd and writes it followed by a newline.
func (t *LineTransport) Send(ctx context.Context, cmd model.AcceptedCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := t.enc.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Command.Kind, err)
	}

	t.mu.Lock()
	_, err = t.w.Write(append(line, '\n'))
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	t.log.Debug(ctx, "command written",
		logging.Token(cmd.Token),
		logging.String("encoding", t.enc.Name()),
	)
	return nil
}

// OpenSerial opens a serial device for both telemetry reads and command
// writes. The returned port implements io.ReadWriteCloser.
func OpenSerial(device string, baud int) (serial.Port, error) {
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return p, nil
}
