// Package codec serializes embedding vectors for the durable stores.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownCodec is returned by ByName for unsupported names.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// Codec converts vectors to and from their persisted byte form.
type Codec interface {
	Name() string
	Encode(v []float32) ([]byte, error)
	Decode(data []byte) ([]float32, error)
}

// ByName returns the codec registered under name ("json" or "msgpack").
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSON stores vectors as a JSON number array, the layout of the legacy
// embedding_json column.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(v []float32) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json encode: %w", err)
	}
	return data, nil
}

func (JSON) Decode(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("codec: json decode: %w", err)
	}
	return v, nil
}

// Msgpack stores vectors as a msgpack float32 array.
type Msgpack struct{}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Encode(v []float32) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: msgpack encode: %w", err)
	}
	return data, nil
}

func (Msgpack) Decode(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v []float32
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("codec: msgpack decode: %w", err)
	}
	return v, nil
}
