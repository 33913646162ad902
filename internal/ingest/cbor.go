package ingest

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/signalsfoundry/amr-fleet/model"
)

// Core Deterministic Encoding: the same delta always produces the same bytes.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ingest: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("ingest: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec reads and writes Message as a CBOR map keyed like the JSON form.
type CBORCodec struct{}

func (CBORCodec) Name() string { return CodecCBOR }

func (CBORCodec) Decode(raw []byte) (model.TelemetryDelta, error) {
	var m Message
	if err := cborDec.Unmarshal(raw, &m); err != nil {
		return model.TelemetryDelta{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return m.Delta()
}

func (CBORCodec) Encode(d model.TelemetryDelta) ([]byte, error) {
	return cborEnc.Marshal(MessageFromDelta(d))
}
