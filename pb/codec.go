// Package pb carries the hand-maintained wire surface of the SimControl
// RPC service. Every payload on the platform is JSON, so the service runs
// over a registered JSON codec instead of generated protobuf code; the
// message structs here mirror the bus payloads one for one.
package pb

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName selects JSON framing. The client in this package pins every
// call to it; foreign clients pass it via grpc.CallContentSubtype.
const CodecName = "json"

type jsonCodec struct{}

// Marshal encodes a message struct as JSON.
func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes JSON into the provided message struct.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: unmarshal %T: %w", v, err)
	}
	return nil
}

// Name returns the registered codec name.
func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
