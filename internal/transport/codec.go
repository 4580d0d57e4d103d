// Package transport carries envelopes between browsers, the control plane
// and workers. Frames are self-describing: every frame has a top-level
// "type" field, encoded as JSON text frames or deterministic CBOR binary
// frames.
package transport

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/flexigpt/hostrelay-go/spec"
)

// Codec encodes frames for one wire format.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// MessageType is the websocket frame type the encoding travels in.
	MessageType() int
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// CodecByName returns "json" or "cbor". The empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", spec.ErrInvalidArgument, name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) MessageType() int                   { return websocket.TextMessage }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// newCBORCodec uses Core Deterministic Encoding. Params and result data
// decode into map[string]any so handlers see the same shapes as with JSON.
func newCBORCodec() cborCodec {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string                         { return "cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
func (cborCodec) MessageType() int                     { return websocket.BinaryMessage }

// Frame is one received message whose body has not been decoded yet.
type Frame struct {
	Type  spec.MessageType
	data  []byte
	codec Codec
}

func (f Frame) Decode(v any) error {
	if err := f.codec.Unmarshal(f.data, v); err != nil {
		return fmt.Errorf("%w: decode %s frame: %w", spec.ErrInvalidArgument, f.Type, err)
	}
	return nil
}

func (f Frame) Len() int { return len(f.data) }

func parseFrame(c Codec, data []byte) (Frame, error) {
	var head struct {
		Type spec.MessageType `json:"type"`
	}
	if err := c.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: malformed %s frame: %w", spec.ErrInvalidArgument, c.Name(), err)
	}
	if head.Type == "" {
		return Frame{}, fmt.Errorf("%w: frame without type", spec.ErrInvalidArgument)
	}
	return Frame{Type: head.Type, data: data, codec: c}, nil
}
