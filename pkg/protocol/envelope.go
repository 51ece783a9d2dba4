package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is a decoded frame: the type discriminator plus the raw body,
// which callers unpack with DecodeBody once they know the type.
type Envelope struct {
	Type MessageType `json:"type"`
	Raw  json.RawMessage
}

// Encode builds a flat JSON frame: the body's fields plus the "type" key.
// A nil body encodes as {"type":...} (end_utterance, reset).
func Encode(msgType MessageType, body any) ([]byte, error) {
	fields := map[string]any{}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", msgType, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("flatten %s body: %w", msgType, err)
		}
	}
	fields["type"] = msgType

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msgType, err)
	}
	return data, nil
}

func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	e.Raw = data
	return &e, nil
}

func DecodeBody[T any](e *Envelope) (*T, error) {
	var result T
	if err := json.Unmarshal(e.Raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s body to %T: %w", e.Type, result, err)
	}
	return &result, nil
}
