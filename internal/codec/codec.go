// Package codec encodes samples for the MQTT sink.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec marshals values to and from one wire encoding.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) ContentType() string                { return "application/msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// ByName returns the codec called name ("json" or "msgpack").
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "json":
		return JSON, nil
	case "msgpack", "messagepack":
		return MsgPack, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q (want json or msgpack)", name)
	}
}
