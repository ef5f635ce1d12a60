package cluster

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes items and messages crossing a process boundary.
type Codec interface {
	// Encode serializes v to bytes
	Encode(v any) ([]byte, error)

	// Decode deserializes data into the value pointed to by v
	Decode(data []byte, v any) error

	// Name returns the codec identifier ("json", "msgpack")
	Name() string
}

const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec encodes with json-iterator in standard library compatible mode.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error)    { return jsonAPI.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return jsonAPI.Unmarshal(data, v) }
func (JSONCodec) Name() string                    { return CodecNameJSON }

// MsgpackCodec encodes as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(v any) ([]byte, error)    { return msgpack.Marshal(v) }
func (MsgpackCodec) Decode(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (MsgpackCodec) Name() string                    { return CodecNameMsgpack }

// EncodeItems serializes each item separately so a chunk keeps item boundaries.
func EncodeItems[T any](c Codec, items []T) ([][]byte, error) {
	out := make([][]byte, len(items))
	for i, it := range items {
		b, err := c.Encode(it)
		if err != nil {
			return nil, fmt.Errorf("encode item %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// DecodeItems is the inverse of EncodeItems.
func DecodeItems[T any](c Codec, data [][]byte) ([]T, error) {
	out := make([]T, len(data))
	for i, b := range data {
		if err := c.Decode(b, &out[i]); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", i, err)
		}
	}
	return out, nil
}
