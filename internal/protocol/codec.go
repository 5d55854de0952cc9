package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// typeField is decoded first to recover the envelope's discriminator; the
// full frame (type plus every payload field as its sibling) is then handed
// to UnmarshalPayload, since spec.md §6's wire format puts "type" directly
// alongside the payload's own fields rather than nesting them under a
// "payload" key.
type typeField struct {
	Type MessageType `json:"type"`
}

// Marshal builds a complete wire frame for msgType/payload using sonic's
// JSON codec: payload is marshaled to an object, "type" is merged into it
// as a sibling field, matching the flat `{"type": ..., <payload fields>}`
// shape spec.md §6 and the original gateway's message construction use —
// there is no "payload" wrapper on the wire.
func Marshal(msgType MessageType, payload interface{}) ([]byte, error) {
	var fields map[string]json.RawMessage
	if payload != nil {
		b, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal payload for %q: %w", msgType, err)
		}
		if err := sonic.Unmarshal(b, &fields); err != nil {
			return nil, fmt.Errorf("protocol: flatten payload for %q: %w", msgType, err)
		}
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	typeRaw, err := sonic.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal type for %q: %w", msgType, err)
	}
	fields["type"] = typeRaw
	return sonic.Marshal(fields)
}

// Unmarshal parses a complete wire frame, returning its type and the raw
// frame bytes for a follow-up UnmarshalPayload call — the payload's fields
// live at the top level alongside "type", so the whole frame is the
// payload as far as UnmarshalPayload is concerned.
func Unmarshal(data []byte) (MessageType, []byte, error) {
	var t typeField
	if err := sonic.Unmarshal(data, &t); err != nil {
		return "", nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if t.Type == "" {
		return "", nil, fmt.Errorf("protocol: envelope missing type field")
	}
	return t.Type, data, nil
}

// UnmarshalPayload decodes a raw JSON payload into a typed struct.
func UnmarshalPayload[T any](raw []byte) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("protocol: unmarshal payload: %w", err)
	}
	return v, nil
}
