package controlapi

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// Codec carries control API messages as plain JSON. It replaces connect's
// protobuf JSON codec, which only accepts generated messages.
type Codec struct{}

var _ connect.Codec = Codec{}

func (Codec) Name() string {
	return "json"
}

func (Codec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (Codec) Unmarshal(data []byte, message any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, message); err != nil {
		return fmt.Errorf("decode %T: %w", message, err)
	}
	return nil
}
