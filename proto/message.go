package proto

import (
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Message types understood by the dispatch layer. The routing core never
// interprets them.
const (
	TypeRequest                      = "request"
	TypeReply                        = "reply"
	TypeOneWay                       = "oneWay"
	TypeSubscriptionRequest          = "subscriptionRequest"
	TypeBroadcastSubscriptionRequest = "broadcastSubscriptionRequest"
	TypeSubscriptionReply            = "subscriptionReply"
	TypeSubscriptionStop             = "subscriptionStop"
	TypePublication                  = "publication"
	TypeMulticast                    = "multicast"
)

// Message is the envelope every transport carries. The routing core reads
// only the headers; Payload is passed through untouched.
type Message struct {
	ID         string            `json:"msgId"`
	Type       string            `json:"type"`
	Sender     string            `json:"sender,omitempty"`    // sender participant id
	Recipient  string            `json:"recipient"`           // recipient participant id
	ExpiryDate int64             `json:"expiryDate"`          // UNIX timestamp in milliseconds
	ReplyTo    json.RawMessage   `json:"replyTo,omitempty"`   // serialized Address, see MarshalAddress
	Headers    map[string]string `json:"headers,omitempty"`   // custom headers
	Payload    json.RawMessage   `json:"payload,omitempty"`   // opaque to the routing core
}

// NewMessage returns a message with a fresh id that expires ttl from now.
func NewMessage(typ, sender, recipient string, payload json.RawMessage, ttl time.Duration) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Type:       typ,
		Sender:     sender,
		Recipient:  recipient,
		ExpiryDate: time.Now().Add(ttl).UnixMilli(),
		Payload:    payload,
	}
}

// Validate reports whether m carries the headers every transport relies on.
func (m *Message) Validate() error {
	switch {
	case m == nil:
		return errors.New("message is nil")
	case m.ID == "":
		return errors.New("message id is required")
	case m.Type == "":
		return errors.New("message type is required")
	case m.Recipient == "":
		return errors.New("message recipient is required")
	case m.ExpiryDate <= 0:
		return errors.New("message expiry date is required")
	}
	if len(m.ReplyTo) > 0 {
		if _, err := UnmarshalAddress(m.ReplyTo); err != nil {
			return err
		}
	}
	return nil
}

// Expiry returns the expiry header as a time.
func (m *Message) Expiry() time.Time {
	return time.UnixMilli(m.ExpiryDate)
}

// Expired reports whether the message expiry is at or before now.
func (m *Message) Expired(now time.Time) bool {
	return !now.Before(m.Expiry())
}

// SetReplyTo stores a serialized reply address.
func (m *Message) SetReplyTo(a Address) error {
	b, err := MarshalAddress(a)
	if err != nil {
		return err
	}
	m.ReplyTo = b
	return nil
}

// ReplyAddress decodes the reply address, if any.
func (m *Message) ReplyAddress() (Address, bool, error) {
	if len(m.ReplyTo) == 0 {
		return nil, false, nil
	}
	a, err := UnmarshalAddress(m.ReplyTo)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// Clone returns a deep copy so each listener can own its message.
func (m *Message) Clone() *Message {
	c := *m
	c.Headers = maps.Clone(m.Headers)
	if m.ReplyTo != nil {
		c.ReplyTo = append(json.RawMessage(nil), m.ReplyTo...)
	}
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &c
}
