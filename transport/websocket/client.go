package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/msgroute/messaging"
	"github.com/mbocsi/msgroute/proto"
	"github.com/mbocsi/msgroute/transport"
)

var _ transport.Driver = (*Client)(nil)

// Client connects out to WebSocket servers. Every stub it builds dials its
// server on first use, identifying itself with our own
// WebSocketClientAddress, and feeds replies into a skeleton for
// WebSocketAddress.
type Client struct {
	dialer   *websocket.Dialer
	codec    proto.Codec
	skeleton *messaging.Skeleton
	local    *messaging.Deferred[proto.WebSocketClientAddress]
	logger   *slog.Logger

	mu        sync.Mutex
	stubs     map[*clientStub]struct{}
	connected bool
}

func NewClient(dialer *websocket.Dialer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	codec := proto.JSONCodec{}
	return &Client{
		dialer:   dialer,
		codec:    codec,
		skeleton: messaging.NewSkeleton(proto.WebSocketAddressType, messaging.WithDeserializer(codec), messaging.WithSkeletonLogger(logger)),
		local:    messaging.NewDeferred[proto.WebSocketClientAddress](),
		logger:   logger,
		stubs:    make(map[*clientStub]struct{}),
	}
}

// SetLocalAddress delivers our own client address. Until it arrives the stub
// factory reports NotReady.
func (c *Client) SetLocalAddress(addr proto.WebSocketClientAddress) error {
	if err := proto.ValidateAddress(addr); err != nil {
		return err
	}
	c.local.Set(addr)
	c.logger.Info("WebSocket client address assigned", "id", addr.ID)
	return nil
}

func (c *Client) LocalAddress() (proto.WebSocketClientAddress, bool) { return c.local.Get() }

func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("Starting WebSocket client transport")
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Shutdown closes every connection opened by this client's stubs.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	stubs := c.stubs
	c.stubs = make(map[*clientStub]struct{})
	c.connected = false
	c.mu.Unlock()

	var errs []error
	for st := range stubs {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("WebSocket client transport shut down")
	return errors.Join(errs...)
}

func (c *Client) Meta() transport.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	var addr string
	local, ready := c.local.Get()
	if ready {
		addr = local.String()
	}
	return transport.Metadata{
		Name:        "WebSocket Client",
		Type:        proto.WebSocketAddressType,
		Protocol:    "websocket",
		Address:     addr,
		Description: "Outbound WebSocket connections",
		Clients:     len(c.stubs),
		Connected:   c.connected,
		Ready:       ready,
	}
}

func (c *Client) Skeleton() *messaging.Skeleton   { return c.skeleton }
func (c *Client) Factory() messaging.StubFactory { return &clientFactory{c: c} }

func (c *Client) forget(st *clientStub) {
	c.mu.Lock()
	delete(c.stubs, st)
	c.mu.Unlock()
}

type clientFactory struct {
	c *Client
}

func (f *clientFactory) Type() proto.AddressType { return proto.WebSocketAddressType }

func (f *clientFactory) Build(addr proto.Address) (messaging.Stub, error) {
	a, err := messaging.AddressAs[proto.WebSocketAddress]("build websocket stub", addr)
	if err != nil {
		return nil, err
	}
	local, ok := f.c.local.Get()
	if !ok {
		return nil, proto.NotReady("build websocket stub", "own websocket client address not assigned yet")
	}
	st := &clientStub{addr: a, clientID: local.ID, c: f.c}
	f.c.mu.Lock()
	f.c.stubs[st] = struct{}{}
	f.c.mu.Unlock()
	return st, nil
}

// clientStub owns one outbound connection, dialed lazily and redialed after
// it drops.
type clientStub struct {
	addr     proto.WebSocketAddress
	clientID string
	c        *Client

	mu   sync.Mutex
	conn *conn
}

func (st *clientStub) Address() proto.Address { return st.addr }

func (st *clientStub) Transmit(ctx context.Context, msg *proto.Message) error {
	data, err := st.c.codec.Encode(msg)
	if err != nil {
		return proto.Transport("websocket transmit", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conn == nil {
		if err := st.dial(ctx); err != nil {
			return proto.Transport("websocket transmit", err)
		}
	}
	if err := st.conn.write(ctx, data); err != nil {
		st.conn.close()
		st.conn = nil
		return proto.Transport("websocket transmit", err)
	}
	st.c.logger.Debug("Sent WebSocket message", "to", st.addr.URL(), "id", msg.ID, "type", msg.Type, "size", len(data))
	return nil
}

// dial must be called with st.mu held.
func (st *clientStub) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set(HeaderClientID, st.clientID)
	ws, _, err := st.c.dialer.DialContext(ctx, st.addr.URL(), header)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	c := newConn(ws)
	st.conn = c
	st.c.logger.Info("Connected to WebSocket server", "url", st.addr.URL())

	go func() {
		c.readLoop(st.c.logger, st.c.skeleton.Receive)
		st.mu.Lock()
		if st.conn == c {
			st.conn = nil
		}
		st.mu.Unlock()
		c.close()
	}()
	return nil
}

func (st *clientStub) Close() error {
	st.c.forget(st)
	st.mu.Lock()
	c := st.conn
	st.conn = nil
	st.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.close()
}
