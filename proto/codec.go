package proto

import (
	"encoding/json"
)

// Deserializer turns raw transport bytes into a well-formed Message.
type Deserializer interface {
	Decode(raw []byte) (*Message, error)
}

// Serializer turns a Message into transport bytes.
type Serializer interface {
	Encode(msg *Message) ([]byte, error)
}

// Codec is both halves of the wire encoding.
type Codec interface {
	Serializer
	Deserializer
}

// JSONCodec is the default wire encoding.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses raw and validates the result. Any failure is reported as
// ErrMalformedPayload.
func (JSONCodec) Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, MalformedPayload("decode", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, MalformedPayload("decode", err)
	}
	return &msg, nil
}
