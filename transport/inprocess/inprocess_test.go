package inprocess

import (
	"context"
	"testing"
	"time"

	"github.com/mbocsi/msgroute/messaging"
	"github.com/mbocsi/msgroute/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_TransmitReachesSkeleton(t *testing.T) {
	tr := NewTransport(nil)
	addr, err := tr.Bind("provider")
	require.NoError(t, err)

	got := make(chan *proto.Message, 1)
	tr.Skeleton().RegisterListener(messaging.ListenerFunc(func(m *proto.Message) error {
		got <- m
		return nil
	}))

	stub, err := tr.Factory().Build(addr)
	require.NoError(t, err)
	assert.Equal(t, addr, stub.Address())

	msg := proto.NewMessage(proto.TypeOneWay, "consumer", "provider", nil, time.Minute)
	require.NoError(t, stub.Transmit(context.Background(), msg))

	select {
	case m := <-got:
		assert.Equal(t, msg.ID, m.ID)
		assert.NotSame(t, msg, m)
	default:
		t.Fatal("message was not delivered")
	}
}

func TestTransport_UnboundEndpoint(t *testing.T) {
	tr := NewTransport(nil)
	addr, err := tr.Bind("gone")
	require.NoError(t, err)
	tr.Unbind("gone")

	stub, err := tr.Factory().Build(addr)
	require.NoError(t, err, "factory without deferred configuration builds immediately")

	err = stub.Transmit(context.Background(), proto.NewMessage(proto.TypeOneWay, "a", "gone", nil, time.Minute))
	assert.ErrorIs(t, err, proto.ErrTransport)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestTransport_FactoryRejectsForeignAddress(t *testing.T) {
	tr := NewTransport(nil)
	_, err := tr.Factory().Build(proto.MustAddress(proto.NewBrowserAddress("w1")))
	assert.ErrorIs(t, err, proto.ErrInvalidAddress)
}

func TestTransport_Meta(t *testing.T) {
	tr := NewTransport(nil)
	tr.SetName("local")
	tr.SetMaxEndpoints(1)
	_, err := tr.Bind("a")
	require.NoError(t, err)
	_, err = tr.Bind("b")
	assert.Error(t, err)

	meta := tr.Meta()
	assert.Equal(t, "local", meta.Name)
	assert.Equal(t, proto.InProcessAddressType, meta.Type)
	assert.Equal(t, 1, meta.Clients)
	assert.True(t, meta.Ready)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx) }()
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, tr.Shutdown())
	assert.False(t, tr.Meta().Connected)
}
