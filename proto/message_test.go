package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage(TypeRequest, "proxy-1", "provider-1", json.RawMessage(`{"op":"get"}`), time.Minute)

	require.NoError(t, msg.Validate())
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Expired(time.Now()))
	assert.True(t, msg.Expired(time.Now().Add(2*time.Minute)))
}

func TestMessage_Validate(t *testing.T) {
	good := func() *Message {
		return &Message{ID: "1", Type: TypeOneWay, Recipient: "p", ExpiryDate: 1}
	}

	require.NoError(t, good().Validate())

	m := good()
	m.ID = ""
	assert.Error(t, m.Validate())

	m = good()
	m.Type = ""
	assert.Error(t, m.Validate())

	m = good()
	m.Recipient = ""
	assert.Error(t, m.Validate())

	m = good()
	m.ExpiryDate = 0
	assert.Error(t, m.Validate())

	m = good()
	m.ReplyTo = json.RawMessage(`{"_typeName":"BrowserAddress"}`)
	assert.Error(t, m.Validate())

	var nilMsg *Message
	assert.Error(t, nilMsg.Validate())
}

func TestMessage_ReplyTo(t *testing.T) {
	msg := NewMessage(TypeRequest, "a", "b", nil, time.Minute)

	_, ok, err := msg.ReplyAddress()
	require.NoError(t, err)
	assert.False(t, ok)

	reply := MustAddress(NewChannelAddress("http://localhost/bp", "cc-9"))
	require.NoError(t, msg.SetReplyTo(reply))

	got, ok, err := msg.ReplyAddress()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Address(reply), got)
}

func TestMessage_Clone(t *testing.T) {
	msg := NewMessage(TypeRequest, "a", "b", json.RawMessage(`{"x":1}`), time.Minute)
	msg.Headers = map[string]string{"k": "v"}

	c := msg.Clone()
	c.Headers["k"] = "changed"
	c.Payload[1] = 'y'

	assert.Equal(t, "v", msg.Headers["k"])
	assert.Equal(t, `{"x":1}`, string(msg.Payload))
	assert.Equal(t, msg.ID, c.ID)
}

func TestJSONCodec(t *testing.T) {
	var codec JSONCodec
	msg := NewMessage(TypePublication, "provider", "proxy", json.RawMessage(`[1,2,3]`), time.Minute)

	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	got, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Type, got.Type)
	assert.JSONEq(t, string(msg.Payload), string(got.Payload))

	_, err = codec.Decode([]byte(`{"msgId":`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = codec.Decode([]byte(`{"msgId":"1","type":"request"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
