package broadcast

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Frame operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpMessage     = "message"
	OpError       = "error"
)

// Frame is the unit exchanged between Relay and its clients.
type Frame struct {
	Op      string   `json:"op" cbor:"op"`
	Topic   string   `json:"topic,omitempty" cbor:"topic,omitempty"`
	Message *Message `json:"message,omitempty" cbor:"message,omitempty"`
	Error   string   `json:"error,omitempty" cbor:"error,omitempty"`
}

// Codec encodes frames for one websocket message type.
type Codec interface {
	Name() string
	// MessageType is websocket.TextMessage or websocket.BinaryMessage.
	MessageType() int
	Marshal(f Frame) ([]byte, error)
	Unmarshal(data []byte, f *Frame) error
}

// JSONCodec sends frames as JSON text messages.
type JSONCodec struct{}

func (JSONCodec) Name() string                          { return "json" }
func (JSONCodec) MessageType() int                      { return websocket.TextMessage }
func (JSONCodec) Marshal(f Frame) ([]byte, error)       { return json.Marshal(f) }
func (JSONCodec) Unmarshal(data []byte, f *Frame) error { return json.Unmarshal(data, f) }

// cborEnc uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// frame always produces identical bytes.
var cborEnc cbor.EncMode

var cborDec cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("broadcast: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("broadcast: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec sends frames as CBOR binary messages.
type CBORCodec struct{}

func (CBORCodec) Name() string                          { return "cbor" }
func (CBORCodec) MessageType() int                      { return websocket.BinaryMessage }
func (CBORCodec) Marshal(f Frame) ([]byte, error)       { return cborEnc.Marshal(f) }
func (CBORCodec) Unmarshal(data []byte, f *Frame) error { return cborDec.Unmarshal(data, f) }

// CodecByName returns the codec called name. An empty name means JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown broadcast codec %q (want json or cbor)", name)
	}
}
