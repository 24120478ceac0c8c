package proto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddresses_Valid(t *testing.T) {
	cases := []struct {
		name string
		addr func() (Address, error)
		typ  AddressType
	}{
		{"inprocess", func() (Address, error) { return NewInProcessAddress("provider-1") }, InProcessAddressType},
		{"browser", func() (Address, error) { return NewBrowserAddress("frame-7") }, BrowserAddressType},
		{"channel", func() (Address, error) {
			return NewChannelAddress("http://localhost:8080/bounceproxy", "cc-1")
		}, ChannelAddressType},
		{"websocket", func() (Address, error) { return NewWebSocketAddress("ws", "localhost", 4242, "/ws") }, WebSocketAddressType},
		{"websocket ip", func() (Address, error) { return NewWebSocketAddress("wss", "10.0.0.1", 443, "") }, WebSocketAddressType},
		{"wsclient", func() (Address, error) { return NewWebSocketClientAddress("client-1") }, WebSocketClientAddressType},
		{"mqtt", func() (Address, error) { return NewMqttAddress("tcp://localhost:1883", "app/provider-1") }, MqttAddressType},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a, err := c.addr()
			require.NoError(t, err)
			assert.Equal(t, c.typ, a.Type())
		})
	}
}

func TestNewAddresses_Invalid(t *testing.T) {
	cases := []struct {
		name string
		err  func() error
	}{
		{"inprocess empty", func() error { _, err := NewInProcessAddress(""); return err }},
		{"browser empty", func() error { _, err := NewBrowserAddress(""); return err }},
		{"channel no url", func() error { _, err := NewChannelAddress("", "cc-1"); return err }},
		{"channel bad scheme", func() error { _, err := NewChannelAddress("ftp://host/x", "cc-1"); return err }},
		{"channel no id", func() error { _, err := NewChannelAddress("http://host/x", ""); return err }},
		{"channel slash in id", func() error { _, err := NewChannelAddress("http://host/x", "a/b"); return err }},
		{"websocket bad protocol", func() error { _, err := NewWebSocketAddress("http", "localhost", 80, ""); return err }},
		{"websocket no host", func() error { _, err := NewWebSocketAddress("ws", "", 80, ""); return err }},
		{"websocket port range", func() error { _, err := NewWebSocketAddress("ws", "localhost", 70000, ""); return err }},
		{"websocket relative path", func() error { _, err := NewWebSocketAddress("ws", "localhost", 80, "ws"); return err }},
		{"wsclient empty", func() error { _, err := NewWebSocketClientAddress(""); return err }},
		{"mqtt no broker", func() error { _, err := NewMqttAddress("", "t"); return err }},
		{"mqtt wildcard topic", func() error { _, err := NewMqttAddress("tcp://localhost:1883", "a/#"); return err }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.err()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAddress)
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestAddress_StructuralEquality(t *testing.T) {
	a := MustAddress(NewChannelAddress("http://localhost/bp", "cc-1"))
	b := MustAddress(NewChannelAddress("http://localhost/bp", "cc-1"))
	c := MustAddress(NewChannelAddress("http://localhost/bp", "cc-2"))

	var x, y, z Address = a, b, c
	assert.True(t, x == y)
	assert.False(t, x == z)

	m := map[Address]int{x: 1}
	m[y]++
	assert.Equal(t, 2, m[x])
	assert.Len(t, m, 1)
}

func TestAddress_DifferentVariantsNeverEqual(t *testing.T) {
	var a Address = InProcessAddress{Name: "x"}
	var b Address = BrowserAddress{WindowID: "x"}
	assert.False(t, a == b)
}

func TestAddress_RoundTrip(t *testing.T) {
	addrs := []Address{
		MustAddress(NewInProcessAddress("p")),
		MustAddress(NewBrowserAddress("w")),
		MustAddress(NewChannelAddress("https://example.com/bp", "cc")),
		MustAddress(NewWebSocketAddress("ws", "localhost", 8080, "/ws")),
		MustAddress(NewWebSocketClientAddress("c")),
		MustAddress(NewMqttAddress("tcp://broker:1883", "topic/a")),
	}

	for _, a := range addrs {
		t.Run(string(a.Type()), func(t *testing.T) {
			b, err := MarshalAddress(a)
			require.NoError(t, err)
			assert.Contains(t, string(b), `"_typeName":"`+string(a.Type())+`"`)

			got, err := UnmarshalAddress(b)
			require.NoError(t, err)
			assert.True(t, got == a, "expected %v, got %v", a, got)
		})
	}
}

func TestUnmarshalAddress_Errors(t *testing.T) {
	_, err := UnmarshalAddress([]byte(`{"name":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = UnmarshalAddress([]byte(`{"_typeName":"CarrierPigeonAddress"}`))
	assert.ErrorIs(t, err, ErrUnknownAddressType)

	_, err = UnmarshalAddress([]byte(`{"_typeName":"BrowserAddress"}`))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = UnmarshalAddress([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestError_KindsAreDistinct(t *testing.T) {
	err := NotReady("build", "global address not assigned")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, errors.Is(err, ErrTransport))
	assert.True(t, IsRetryable(err))

	wrapped := Transport("transmit", errors.New("connection reset"))
	assert.ErrorIs(t, wrapped, ErrTransport)
	assert.False(t, IsRetryable(wrapped))
	assert.Contains(t, wrapped.Error(), "connection reset")
}
