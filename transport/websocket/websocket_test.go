package websocket

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbocsi/msgroute/messaging"
	"github.com/mbocsi/msgroute/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, opts ServerOptions) (*Server, proto.WebSocketAddress) {
	t.Helper()
	srv := NewServer(opts, nil)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})

	host, portStr, err := net.SplitHostPort(hs.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, proto.MustAddress(proto.NewWebSocketAddress("ws", host, port, "/"))
}

func listen(sk *messaging.Skeleton) <-chan *proto.Message {
	ch := make(chan *proto.Message, 4)
	sk.RegisterListener(messaging.ListenerFunc(func(m *proto.Message) error {
		ch <- m
		return nil
	}))
	return ch
}

func waitFor(t *testing.T, ch <-chan *proto.Message) *proto.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestClient_NotReadyUntilLocalAddress(t *testing.T) {
	c := NewClient(nil, nil)
	target := proto.MustAddress(proto.NewWebSocketAddress("ws", "localhost", 8080, "/ws"))

	_, err := c.Factory().Build(target)
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ErrNotReady)
	assert.True(t, proto.IsRetryable(err))
	assert.False(t, c.Meta().Ready)

	require.NoError(t, c.SetLocalAddress(proto.MustAddress(proto.NewWebSocketClientAddress("me"))))
	stub, err := c.Factory().Build(target)
	require.NoError(t, err)
	assert.Equal(t, target, stub.Address())
	assert.True(t, c.Meta().Ready)
}

func TestWebSocket_RoundTrip(t *testing.T) {
	srv, srvAddr := startServer(t, ServerOptions{})
	fromClients := listen(srv.Skeleton())

	client := NewClient(nil, nil)
	t.Cleanup(func() { client.Shutdown() })
	fromServer := listen(client.Skeleton())
	require.NoError(t, client.SetLocalAddress(proto.MustAddress(proto.NewWebSocketClientAddress("client-1"))))

	up, err := client.Factory().Build(srvAddr)
	require.NoError(t, err)
	req := proto.NewMessage(proto.TypeRequest, "consumer", "provider", []byte(`{"q":1}`), time.Minute)
	require.NoError(t, up.Transmit(context.Background(), req))

	got := waitFor(t, fromClients)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, []string{"client-1"}, srv.ClientIDs())

	down, err := srv.Factory().Build(proto.MustAddress(proto.NewWebSocketClientAddress("client-1")))
	require.NoError(t, err)
	reply := proto.NewMessage(proto.TypeReply, "provider", "consumer", []byte(`{"a":2}`), time.Minute)
	require.NoError(t, down.Transmit(context.Background(), reply))

	got = waitFor(t, fromServer)
	assert.Equal(t, reply.ID, got.ID)
	assert.JSONEq(t, `{"a":2}`, string(got.Payload))
}

func TestServer_ConcurrentConnectsRespectMaxClients(t *testing.T) {
	srv, srvAddr := startServer(t, ServerOptions{MaxClients: 2})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := http.Header{}
			h.Set(HeaderClientID, "c"+strconv.Itoa(i))
			ws, _, err := websocket.DefaultDialer.Dial(srvAddr.URL(), h)
			if err != nil {
				return
			}
			t.Cleanup(func() { ws.Close() })
		}()
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, len(srv.ClientIDs()), 2)
	assert.LessOrEqual(t, srv.Meta().Clients, 2)
}

func TestServer_RegisterRefusesNewIDsWhenFull(t *testing.T) {
	srv := NewServer(ServerOptions{MaxClients: 1}, nil)
	assert.True(t, srv.register(newConn(nil), "a"))
	assert.False(t, srv.register(newConn(nil), "b"))
	assert.Equal(t, []string{"a"}, srv.ClientIDs())
}

func TestServer_UnknownClientIsTransportError(t *testing.T) {
	srv, _ := startServer(t, ServerOptions{})
	stub, err := srv.Factory().Build(proto.MustAddress(proto.NewWebSocketClientAddress("ghost")))
	require.NoError(t, err, "server-side stubs have no deferred configuration")

	err = stub.Transmit(context.Background(), proto.NewMessage(proto.TypeOneWay, "a", "b", nil, time.Minute))
	assert.ErrorIs(t, err, proto.ErrTransport)
	assert.ErrorIs(t, err, ErrClientNotConnected)
}

func TestClient_DialFailureIsTransportError(t *testing.T) {
	c := NewClient(nil, nil)
	require.NoError(t, c.SetLocalAddress(proto.MustAddress(proto.NewWebSocketClientAddress("me"))))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	stub, err := c.Factory().Build(proto.MustAddress(proto.NewWebSocketAddress("ws", "127.0.0.1", port, "/")))
	require.NoError(t, err)
	err = stub.Transmit(context.Background(), proto.NewMessage(proto.TypeOneWay, "a", "b", nil, time.Minute))
	assert.ErrorIs(t, err, proto.ErrTransport)
}

func TestServer_MalformedFrameDropped(t *testing.T) {
	srv, srvAddr := startServer(t, ServerOptions{})
	fromClients := listen(srv.Skeleton())

	client := NewClient(nil, nil)
	t.Cleanup(func() { client.Shutdown() })
	require.NoError(t, client.SetLocalAddress(proto.MustAddress(proto.NewWebSocketClientAddress("c"))))
	stub, err := client.Factory().Build(srvAddr)
	require.NoError(t, err)

	// A message missing its recipient is dropped by the skeleton; the
	// following well-formed one still arrives on the same connection.
	bad := proto.NewMessage(proto.TypeOneWay, "a", "b", nil, time.Minute)
	bad.Recipient = ""
	require.NoError(t, stub.Transmit(context.Background(), bad))
	good := proto.NewMessage(proto.TypeOneWay, "a", "b", nil, time.Minute)
	require.NoError(t, stub.Transmit(context.Background(), good))

	assert.Equal(t, good.ID, waitFor(t, fromClients).ID)
}

func TestServer_Meta(t *testing.T) {
	srv := NewServer(ServerOptions{Addr: "localhost:0", MaxClients: 3}, nil)
	srv.SetName("gateway")
	meta := srv.Meta()
	assert.Equal(t, "gateway", meta.Name)
	assert.Equal(t, proto.WebSocketClientAddressType, meta.Type)
	assert.Equal(t, 3, meta.MaxClients)
	assert.True(t, meta.Ready)
}
