package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/msgroute/config"
	"github.com/mbocsi/msgroute/proto"
	"github.com/mbocsi/msgroute/transport"
	"github.com/mbocsi/msgroute/transport/browser"
	"github.com/mbocsi/msgroute/transport/channel"
	"github.com/mbocsi/msgroute/transport/inprocess"
	"github.com/mbocsi/msgroute/transport/mqtt"
	"github.com/mbocsi/msgroute/transport/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const Version = "0.1.0"

// Server is the process-level composition: a Coordinator with the drivers
// enabled in the config, plus the HTTP server for the channel proxy, the
// WebSocket endpoint and metrics.
type Server struct {
	config      *config.Config
	coordinator *Coordinator
	router      chi.Router
	logger      *slog.Logger

	InProcess *inprocess.Transport
	Browser   *browser.Transport
	Channel   *channel.Transport
	Proxy     *channel.Proxy
	WSServer  *websocket.Server
	WSClient  *websocket.Client
	MQTT      *mqtt.Transport
}

func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var mcpServer *MCPServer
	if cfg.MCP.Enabled {
		mcpServer = NewMCPServer(cfg.MCP.Addr)
	}
	policy := cfg.Retry.Policy()
	s := &Server{
		config: cfg,
		coordinator: NewCoordinator(CoordinatorOptions{
			Logger:      logger,
			RetryPolicy: &policy,
			MCPServer:   mcpServer,
		}),
		router: chi.NewRouter(),
		logger: logger,
	}

	if err := s.setupDrivers(); err != nil {
		return nil, err
	}
	s.routes()
	return s, nil
}

func (s *Server) setupDrivers() error {
	cfg := s.config
	var drivers []transport.Driver

	if cfg.InProcess.Enabled {
		s.InProcess = inprocess.NewTransport(s.logger)
		s.InProcess.SetMaxEndpoints(cfg.InProcess.MaxEndpoints)
		for _, name := range cfg.InProcess.Endpoints {
			if _, err := s.InProcess.Bind(name); err != nil {
				return err
			}
		}
		drivers = append(drivers, s.InProcess)
	}

	if cfg.Browser.Enabled {
		s.Browser = browser.NewTransport(nil, s.logger)
		for _, id := range cfg.Browser.Windows {
			if _, err := s.Browser.AttachLocal(id); err != nil {
				return err
			}
		}
		drivers = append(drivers, s.Browser)
	}

	if cfg.Channel.Proxy {
		s.Proxy = channel.NewProxy(
			channel.WithPollTimeout(cfg.Channel.PollTimeout),
			channel.WithMaxQueued(cfg.Channel.MaxQueued),
			channel.WithProxyLogger(s.logger),
		)
	}
	if cfg.Channel.Enabled {
		s.Channel = channel.NewTransport(channel.Options{
			EndpointURL:   cfg.Channel.EndpointURL,
			ChannelID:     cfg.Channel.ChannelID,
			RetryInterval: cfg.Channel.RetryInterval,
			Client:        &http.Client{Timeout: cfg.Channel.PollTimeout + 10*time.Second},
		}, s.logger)
		drivers = append(drivers, s.Channel)
	}

	if cfg.WebSocket.Server.Enabled {
		s.WSServer = websocket.NewServer(websocket.ServerOptions{
			Addr:       cfg.WebSocket.Server.Addr,
			Path:       cfg.WebSocket.Server.Path,
			MaxClients: cfg.WebSocket.Server.MaxClients,
		}, s.logger)
		drivers = append(drivers, s.WSServer)
	}

	if cfg.WebSocket.Client.Enabled {
		s.WSClient = websocket.NewClient(nil, s.logger)
		id := cfg.WebSocket.Client.ID
		if id == "" {
			id = transport.GenerateID("wsc")
		}
		local, err := proto.NewWebSocketClientAddress(id)
		if err != nil {
			return err
		}
		if err := s.WSClient.SetLocalAddress(local); err != nil {
			return err
		}
		drivers = append(drivers, s.WSClient)
	}

	if cfg.MQTT.Enabled {
		s.MQTT = mqtt.NewTransport(mqtt.Options{
			BrokerURI:      cfg.MQTT.BrokerURI,
			ClientID:       cfg.MQTT.ClientID,
			Topic:          cfg.MQTT.Topic,
			QoS:            byte(cfg.MQTT.QoS),
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, s.logger)
		drivers = append(drivers, s.MQTT)
	}

	for _, d := range drivers {
		if err := s.coordinator.RegisterDriver(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) routes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router.Handle("/metrics", promhttp.Handler())
	if s.Proxy != nil {
		s.router.Mount("/channels", s.Proxy.Routes())
	}
	if s.WSServer != nil && s.config.WebSocket.Server.Addr == "" {
		s.router.Handle(s.config.WebSocket.Server.Path, s.WSServer)
	}
}

func (s *Server) Coordinator() *Coordinator { return s.coordinator }

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves HTTP and runs the coordinator until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{Addr: s.config.HTTP.Addr, Handler: s.router}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", "addr", s.config.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return httpServer.Shutdown(sctx)
	})
	g.Go(func() error { return s.coordinator.Start(gctx) })

	return g.Wait()
}
