package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbocsi/msgroute/messaging"
	"github.com/mbocsi/msgroute/proto"
	"github.com/mbocsi/msgroute/transport"
	"golang.org/x/sync/errgroup"
)

// Coordinator owns both registries and every driver. It installs each
// driver's skeleton and stub factory, dispatches inbound messages to local
// participants, and runs the drivers.
type Coordinator struct {
	Skeletons    *messaging.SkeletonRegistry
	Router       *messaging.Router
	Sender       *messaging.Sender
	Participants *ParticipantRegistry
	MCPServer    *MCPServer

	mu       sync.RWMutex
	drivers  []transport.Driver
	dispatch messaging.Listener
	logger   *slog.Logger
}

type CoordinatorOptions struct {
	Logger      *slog.Logger
	RetryPolicy *messaging.RetryPolicy
	MCPServer   *MCPServer // Optional
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	router := messaging.NewRouter(logger)
	senderOpts := []messaging.SenderOption{messaging.WithSenderLogger(logger)}
	if opts.RetryPolicy != nil {
		senderOpts = append(senderOpts, messaging.WithRetryPolicy(*opts.RetryPolicy))
	}

	c := &Coordinator{
		Skeletons:    messaging.NewSkeletonRegistry(logger),
		Router:       router,
		Sender:       messaging.NewSender(router, senderOpts...),
		Participants: NewParticipantRegistry(),
		MCPServer:    opts.MCPServer,
		logger:       logger,
	}
	c.dispatch = messaging.ListenerFunc(c.Handle)
	if c.MCPServer != nil {
		c.MCPServer.RegisterTools(c)
	}
	return c
}

// RegisterDriver adds d and reinstalls both registries. Each address type
// can be served by one driver only.
func (c *Coordinator) RegisterDriver(d transport.Driver) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := d.Skeleton().Type()
	if d.Factory().Type() != t {
		return fmt.Errorf("driver %q: skeleton serves %s but factory builds %s", d.Meta().Name, t, d.Factory().Type())
	}
	for _, existing := range c.drivers {
		if existing.Skeleton().Type() == t {
			return fmt.Errorf("driver %q: address type %s already served by %q", d.Meta().Name, t, existing.Meta().Name)
		}
	}

	drivers := append(c.drivers, d)
	skeletons := make(map[proto.AddressType]*messaging.Skeleton, len(drivers))
	factories := make(map[proto.AddressType]messaging.StubFactory, len(drivers))
	for _, d := range drivers {
		skeletons[d.Skeleton().Type()] = d.Skeleton()
		factories[d.Factory().Type()] = d.Factory()
	}
	if err := c.Skeletons.SetSkeletons(skeletons); err != nil {
		return err
	}
	if err := c.Router.SetFactories(factories); err != nil {
		return err
	}

	d.Skeleton().RegisterListener(c.dispatch)
	c.drivers = drivers
	c.logger.Info("Registered driver", "name", d.Meta().Name, "type", t)
	return nil
}

func (c *Coordinator) Drivers() []transport.Driver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]transport.Driver(nil), c.drivers...)
}

// RegisterParticipant makes id reachable for inbound messages on every
// transport.
func (c *Coordinator) RegisterParticipant(id string, p Participant) {
	c.Participants.Store(id, p)
	c.logger.Info("Registered participant", "id", id)
}

func (c *Coordinator) UnregisterParticipant(id string) {
	c.Participants.Delete(id)
	c.logger.Info("Unregistered participant", "id", id)
}

// Send routes msg to addr, waiting out NotReady destinations per the retry
// policy.
func (c *Coordinator) Send(ctx context.Context, msg *proto.Message, addr proto.Address) error {
	return c.Sender.Send(ctx, msg, addr)
}

// Start runs every driver and the MCP server until ctx is done or one of
// them fails, then shuts all of them down.
func (c *Coordinator) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if c.MCPServer != nil {
		g.Go(func() error { return c.MCPServer.Start(gctx) })
	}
	for _, d := range c.Drivers() {
		g.Go(func() error {
			if err := d.Start(gctx); err != nil {
				c.logger.Error("Driver failed", "name", d.Meta().Name, "error", err)
				return fmt.Errorf("driver %q: %w", d.Meta().Name, err)
			}
			return nil
		})
	}

	<-gctx.Done()
	c.logger.Info("Shutting down drivers")

	var errs []error
	for _, d := range c.Drivers() {
		if err := d.Shutdown(); err != nil {
			c.logger.Error("There was an error when shutting down driver", "name", d.Meta().Name, "error", err)
			errs = append(errs, err)
		}
	}
	if err := c.Router.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
