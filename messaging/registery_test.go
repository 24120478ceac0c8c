package messaging

import (
	"log/slog"
	"testing"

	"github.com/mbocsi/msgroute/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkeletonRegistry_SameInstancePerVariant(t *testing.T) {
	reg := NewSkeletonRegistry(nil)
	ws := NewSkeleton(proto.WebSocketAddressType)
	ch := NewSkeleton(proto.ChannelAddressType)
	require.NoError(t, reg.SetSkeletons(map[proto.AddressType]*Skeleton{
		proto.WebSocketAddressType: ws,
		proto.ChannelAddressType:   ch,
	}))

	a1 := proto.MustAddress(proto.NewWebSocketAddress("ws", "example.com", 8080, "/a"))
	a2 := proto.MustAddress(proto.NewWebSocketAddress("wss", "other.org", 443, ""))

	s1, err := reg.GetSkeleton(a1)
	require.NoError(t, err)
	s2, err := reg.GetSkeleton(a2)
	require.NoError(t, err)
	assert.Same(t, ws, s1)
	assert.Same(t, s1, s2)

	s3, err := reg.GetSkeleton(proto.MustAddress(proto.NewChannelAddress("http://bounce.local/channels/", "c1")))
	require.NoError(t, err)
	assert.Same(t, ch, s3)
}

func TestSkeletonRegistry_UnknownType(t *testing.T) {
	logger, rec := newRecordingLogger()
	reg := NewSkeletonRegistry(logger)
	require.NoError(t, reg.SetSkeletons(map[proto.AddressType]*Skeleton{
		proto.InProcessAddressType: NewSkeleton(proto.InProcessAddressType),
		proto.BrowserAddressType:   NewSkeleton(proto.BrowserAddressType),
	}))

	_, err := reg.GetSkeleton(proto.MustAddress(proto.NewMqttAddress("tcp://broker:1883", "joynr/x")))
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ErrUnknownAddressType)
	assert.False(t, proto.IsRetryable(err))
	assert.Equal(t, 1, rec.count(slog.LevelError))

	_, err = reg.GetSkeleton(nil)
	assert.ErrorIs(t, err, proto.ErrInvalidAddress)
}

func TestSkeletonRegistry_SetIsIdempotent(t *testing.T) {
	reg := NewSkeletonRegistry(nil)
	sk := NewSkeleton(proto.InProcessAddressType)
	table := map[proto.AddressType]*Skeleton{proto.InProcessAddressType: sk}

	require.NoError(t, reg.SetSkeletons(table))
	require.NoError(t, reg.SetSkeletons(table))

	got, err := reg.GetSkeletonByType(proto.InProcessAddressType)
	require.NoError(t, err)
	assert.Same(t, sk, got)
	assert.Equal(t, []proto.AddressType{proto.InProcessAddressType}, reg.Types())
}

func TestSkeletonRegistry_CallerMapIsCopied(t *testing.T) {
	reg := NewSkeletonRegistry(nil)
	table := map[proto.AddressType]*Skeleton{proto.InProcessAddressType: NewSkeleton(proto.InProcessAddressType)}
	require.NoError(t, reg.SetSkeletons(table))

	table[proto.BrowserAddressType] = NewSkeleton(proto.BrowserAddressType)
	_, err := reg.GetSkeletonByType(proto.BrowserAddressType)
	assert.ErrorIs(t, err, proto.ErrUnknownAddressType)
}

func TestSkeletonRegistry_RejectsMismatchedEntries(t *testing.T) {
	reg := NewSkeletonRegistry(nil)
	err := reg.SetSkeletons(map[proto.AddressType]*Skeleton{
		proto.BrowserAddressType: NewSkeleton(proto.InProcessAddressType),
	})
	assert.Error(t, err)

	err = reg.SetSkeletons(map[proto.AddressType]*Skeleton{proto.BrowserAddressType: nil})
	assert.Error(t, err)
	assert.Empty(t, reg.Types())
}
