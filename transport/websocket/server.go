package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/msgroute/messaging"
	"github.com/mbocsi/msgroute/proto"
	"github.com/mbocsi/msgroute/transport"
)

var ErrClientNotConnected = errors.New("websocket client not connected")

var _ transport.Driver = (*Server)(nil)

type ServerOptions struct {
	// Addr makes the server listen on its own. When empty, mount the Server
	// as an http.Handler instead.
	Addr       string
	Path       string
	MaxClients int

	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
}

// Server accepts WebSocket clients. Inbound frames go to a skeleton for
// WebSocketClientAddress; stubs built by its factory write to a connected
// client by id.
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader
	server   *http.Server
	codec    proto.Codec
	skeleton *messaging.Skeleton
	logger   *slog.Logger

	name        string
	description string
	clients     map[string]*conn
	cmu         sync.RWMutex
	connected   bool
}

func NewServer(opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxClients == 0 {
		opts.MaxClients = 16
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	codec := proto.JSONCodec{}
	return &Server{
		opts:        opts,
		upgrader:    websocket.Upgrader{CheckOrigin: checkOrigin},
		codec:       codec,
		skeleton:    messaging.NewSkeleton(proto.WebSocketClientAddressType, messaging.WithDeserializer(codec), messaging.WithSkeletonLogger(logger)),
		logger:      logger,
		name:        "WebSocket Server",
		description: "Accepts WebSocket clients",
		clients:     make(map[string]*conn),
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.cmu.Lock()
	s.connected = true
	s.cmu.Unlock()

	if s.opts.Addr == "" {
		s.logger.Info("Starting WebSocket server on shared HTTP router")
		<-ctx.Done()
		return nil
	}

	s.logger.Info("Starting WebSocket server", "addr", s.opts.Addr)
	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s)
	s.cmu.Lock()
	s.server = &http.Server{Addr: s.opts.Addr, Handler: mux}
	srv := s.server
	s.cmu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cmu.Lock()
			s.connected = false
			s.cmu.Unlock()
			return err
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.cmu.RLock()
	clientCount := len(s.clients)
	s.cmu.RUnlock()
	if s.opts.MaxClients > 0 && clientCount >= s.opts.MaxClients {
		s.logger.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	id := r.Header.Get(HeaderClientID)
	if id == "" {
		id = transport.GenerateID("ws")
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}
	go s.handleConnection(newConn(ws), id, r.RemoteAddr)
}

// register adds c under id. A reconnect replaces the old connection; a new id
// is refused once MaxClients are connected.
func (s *Server) register(c *conn, id string) bool {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if old, ok := s.clients[id]; ok {
		s.logger.Warn("WebSocket client reconnected, replacing connection", "id", id)
		old.close()
	} else if s.opts.MaxClients > 0 && len(s.clients) >= s.opts.MaxClients {
		return false
	}
	s.clients[id] = c
	return true
}

func (s *Server) handleConnection(c *conn, id, remoteAddr string) {
	if !s.register(c, id) {
		s.logger.Warn("Max clients reached, closing connection", "remote_addr", remoteAddr, "id", id)
		c.closeWith(websocket.CloseTryAgainLater, "too many clients")
		return
	}
	s.logger.Info("WebSocket client connected", "addr", remoteAddr, "id", id)

	defer func() {
		s.cmu.Lock()
		if s.clients[id] == c {
			delete(s.clients, id)
		}
		s.cmu.Unlock()
		c.close()
		s.logger.Info("WebSocket client disconnected", "addr", remoteAddr, "id", id)
	}()

	c.readLoop(s.logger, s.skeleton.Receive)
}

// Shutdown stops the listener, if any, and closes every client connection.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down WebSocket server", "addr", s.opts.Addr)
	s.cmu.Lock()
	s.connected = false
	srv := s.server
	clients := s.clients
	s.clients = make(map[string]*conn)
	s.cmu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) Meta() transport.Metadata {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	return transport.Metadata{
		Name:        s.name,
		Type:        proto.WebSocketClientAddressType,
		Protocol:    "websocket",
		Address:     s.opts.Addr,
		Description: s.description,
		Clients:     len(s.clients),
		MaxClients:  s.opts.MaxClients,
		Connected:   s.connected,
		Ready:       true,
	}
}

func (s *Server) SetName(name string)               { s.name = name }
func (s *Server) SetDescription(description string) { s.description = description }

// ClientIDs lists the currently connected clients.
func (s *Server) ClientIDs() []string {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) Skeleton() *messaging.Skeleton   { return s.skeleton }
func (s *Server) Factory() messaging.StubFactory { return &serverFactory{s: s} }

func (s *Server) client(id string) (*conn, bool) {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

type serverFactory struct {
	s *Server
}

func (f *serverFactory) Type() proto.AddressType { return proto.WebSocketClientAddressType }

func (f *serverFactory) Build(addr proto.Address) (messaging.Stub, error) {
	a, err := messaging.AddressAs[proto.WebSocketClientAddress]("build websocket client stub", addr)
	if err != nil {
		return nil, err
	}
	return &serverStub{addr: a, s: f.s}, nil
}

// serverStub writes to a client connected to our Server. The connection is
// looked up per message so reconnects are picked up.
type serverStub struct {
	addr proto.WebSocketClientAddress
	s    *Server
}

func (st *serverStub) Address() proto.Address { return st.addr }

func (st *serverStub) Transmit(ctx context.Context, msg *proto.Message) error {
	c, ok := st.s.client(st.addr.ID)
	if !ok {
		return proto.Transport("websocket transmit", fmt.Errorf("%w: %s", ErrClientNotConnected, st.addr.ID))
	}
	data, err := st.s.codec.Encode(msg)
	if err != nil {
		return proto.Transport("websocket transmit", err)
	}
	if err := c.write(ctx, data); err != nil {
		return proto.Transport("websocket transmit", err)
	}
	st.s.logger.Debug("Sent WebSocket message", "to", st.addr.ID, "id", msg.ID, "type", msg.Type, "size", len(data))
	return nil
}
