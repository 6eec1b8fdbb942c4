package client

import "encoding/json"

// Transformer encodes procedure inputs and decodes results.
type Transformer interface {
	Serialize(v any) (json.RawMessage, error)
	Deserialize(data json.RawMessage, v any) error
}

// JSON is the default Transformer.
type JSON struct{}

func (JSON) Serialize(v any) (json.RawMessage, error) { return json.Marshal(v) }

func (JSON) Deserialize(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Unmarshal(data, v)
}
