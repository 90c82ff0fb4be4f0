// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package protocol

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/oops"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes a frame for transmission.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, oops.In("protocol").With("type", string(f.Type)).Wrap(err)
	}
	return data, nil
}

// Decode parses and validates a frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, oops.In("protocol").Hint("malformed frame").Wrap(err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, oops.In("protocol").With("type", string(f.Type)).Wrap(err)
	}
	return f, nil
}

// Copy round-trips a frame through the codec so that the receiver never
// shares memory with the sender.
func Copy(f Frame) (Frame, error) {
	data, err := Encode(f)
	if err != nil {
		return Frame{}, err
	}
	return Decode(data)
}

// Marshal and Unmarshal expose the frame codec for transports that need to
// plug it into their own framing (the go-plugin gRPC stream).
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
