package messaging

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// codecName is registered with grpc's encoding package under a private
// name so hand-rolled JSON-serializable structs can serve as request/reply
// types without protoc-generated message types (DESIGN.md "pkg/messaging").
const codecName = "ravault-json"

// jsonCodec implements encoding.Codec (grpc's Marshal/Unmarshal/Name
// contract) over encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }
