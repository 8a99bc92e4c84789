package store

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes events and records for a backend.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBORCodec uses core deterministic encoding. Struct fields follow their
// json tags, times are RFC 3339 strings and untyped maps decode as
// map[string]any, so payloads read back the same as with JSONCodec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() (CBORCodec, error) {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		return CBORCodec{}, fmt.Errorf("cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return CBORCodec{}, fmt.Errorf("cbor decoder: %w", err)
	}

	return CBORCodec{enc: enc, dec: dec}, nil
}

func (CBORCodec) Name() string { return "cbor" }

func (c CBORCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBORCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}
