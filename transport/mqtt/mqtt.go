package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/mbocsi/msgroute/messaging"
	"github.com/mbocsi/msgroute/proto"
	"github.com/mbocsi/msgroute/transport"
)

var _ transport.Driver = (*Transport)(nil)

var ErrNotConnected = errors.New("mqtt client not connected")

// Client is the part of a paho client the transport uses. One client is
// shared by every stub.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

type Options struct {
	// BrokerURI, e.g. tcp://localhost:1883. When empty the client and local
	// address are delivered through SetClient and SetLocalAddress.
	BrokerURI string
	ClientID  string

	// Topic we receive on. Defaults to msgroute/<ClientID>.
	Topic string
	QoS   byte

	ConnectTimeout time.Duration
}

// Transport publishes to topics on one broker and receives on its own topic.
type Transport struct {
	opts     Options
	codec    proto.Codec
	skeleton *messaging.Skeleton
	local    *messaging.Deferred[proto.MqttAddress]
	logger   *slog.Logger

	// client is set only once it is subscribed to the local topic, and
	// cleared when the connection goes away.
	mu         sync.Mutex
	client     Client
	subscribed string
	connected  bool
}

func NewTransport(opts Options, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClientID == "" {
		opts.ClientID = transport.GenerateID("msgroute")
	}
	if opts.Topic == "" {
		opts.Topic = "msgroute/" + opts.ClientID
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	codec := proto.JSONCodec{}
	return &Transport{
		opts:     opts,
		codec:    codec,
		skeleton: messaging.NewSkeleton(proto.MqttAddressType, messaging.WithDeserializer(codec), messaging.WithSkeletonLogger(logger)),
		local:    messaging.NewDeferred[proto.MqttAddress](),
		logger:   logger,
	}
}

// SetClient delivers a connected broker client. When the local address is
// already known the client is subscribed first and kept only on success.
func (t *Transport) SetClient(c Client) error {
	if c == nil {
		return fmt.Errorf("mqtt client is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client, t.subscribed = nil, ""
	if local, ok := t.local.Get(); ok {
		if err := t.subscribeLocked(c, local.Topic); err != nil {
			return err
		}
	}
	t.client = c
	return nil
}

// SetLocalAddress delivers the address we receive on.
func (t *Transport) SetLocalAddress(addr proto.MqttAddress) error {
	if err := proto.ValidateAddress(addr); err != nil {
		return err
	}
	t.local.Set(addr)
	t.logger.Info("MQTT local address assigned", "address", addr.String())

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || t.subscribed == addr.Topic {
		return nil
	}
	if err := t.subscribeLocked(t.client, addr.Topic); err != nil {
		t.client, t.subscribed = nil, ""
		return err
	}
	return nil
}

func (t *Transport) LocalAddress() (proto.MqttAddress, bool) { return t.local.Get() }

// dropClient forgets the client after the connection is lost or closed.
// Stubs fail until a new client is delivered.
func (t *Transport) dropClient() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client, t.subscribed = nil, ""
}

// readyClient returns the client if it is subscribed to our local topic.
func (t *Transport) readyClient() (Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	local, ok := t.local.Get()
	if !ok || t.client == nil || t.subscribed != local.Topic {
		return nil, false
	}
	return t.client, true
}

// subscribeLocked must be called with t.mu held.
func (t *Transport) subscribeLocked(c Client, topic string) error {
	tok := c.Subscribe(topic, t.opts.QoS, func(_ paho.Client, m paho.Message) {
		t.skeleton.Receive(m.Payload())
	})
	if !tok.WaitTimeout(t.opts.ConnectTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	t.subscribed = topic
	t.logger.Info("Subscribed to MQTT topic", "topic", topic)
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	if t.opts.BrokerURI == "" {
		t.logger.Info("Starting MQTT transport with externally supplied client")
		<-ctx.Done()
		return nil
	}

	t.logger.Info("Starting MQTT transport", "broker", t.opts.BrokerURI, "client_id", t.opts.ClientID)
	local, err := proto.NewMqttAddress(t.opts.BrokerURI, t.opts.Topic)
	if err != nil {
		return err
	}
	if err := t.SetLocalAddress(local); err != nil {
		return err
	}

	// OnConnect fires after the first connect and after every reconnect, so
	// the subscription is restored each time.
	po := paho.NewClientOptions().
		AddBroker(t.opts.BrokerURI).
		SetClientID(t.opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(t.opts.ConnectTimeout).
		SetOnConnectHandler(func(c paho.Client) {
			if err := t.SetClient(c); err != nil {
				t.logger.Error("Failed to subscribe after connect", "broker", t.opts.BrokerURI, "error", err)
			}
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			t.dropClient()
			t.logger.Warn("MQTT connection lost", "broker", t.opts.BrokerURI, "error", err)
		})
	pc := paho.NewClient(po)

	tok := pc.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return nil
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", t.opts.BrokerURI, err)
	}

	<-ctx.Done()
	t.dropClient()
	pc.Unsubscribe(t.opts.Topic).WaitTimeout(time.Second)
	pc.Disconnect(250)
	return nil
}

func (t *Transport) Shutdown() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.logger.Info("MQTT transport shut down")
	return nil
}

func (t *Transport) Meta() transport.Metadata {
	_, ready := t.readyClient()
	local, hasLocal := t.local.Get()
	addr := t.opts.BrokerURI
	if hasLocal {
		addr = local.String()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return transport.Metadata{
		Name:        "MQTT Transport",
		Type:        proto.MqttAddressType,
		Protocol:    "mqtt",
		Address:     addr,
		Description: "Publish/subscribe through an MQTT broker",
		Connected:   t.connected,
		Ready:       ready,
	}
}

func (t *Transport) Skeleton() *messaging.Skeleton   { return t.skeleton }
func (t *Transport) Factory() messaging.StubFactory { return &factory{t: t} }

type factory struct {
	t *Transport
}

func (f *factory) Type() proto.AddressType { return proto.MqttAddressType }

func (f *factory) Build(addr proto.Address) (messaging.Stub, error) {
	a, err := messaging.AddressAs[proto.MqttAddress]("build mqtt stub", addr)
	if err != nil {
		return nil, err
	}
	local, ok := f.t.local.Get()
	if !ok {
		return nil, proto.NotReady("build mqtt stub", "own mqtt address not assigned yet")
	}
	if _, ok := f.t.readyClient(); !ok {
		return nil, proto.NotReady("build mqtt stub", "broker client not connected yet")
	}
	if a.BrokerURI != local.BrokerURI {
		return nil, proto.InvalidAddress("build mqtt stub", "broker %s is not the connected broker %s", a.BrokerURI, local.BrokerURI)
	}
	return &stub{addr: a, t: f.t}, nil
}

// stub publishes through whichever client the transport currently holds.
type stub struct {
	addr proto.MqttAddress
	t    *Transport

	mu sync.Mutex // keeps publish order per destination
}

func (s *stub) Address() proto.Address { return s.addr }

func (s *stub) Transmit(ctx context.Context, msg *proto.Message) error {
	data, err := s.t.codec.Encode(msg)
	if err != nil {
		return proto.Transport("mqtt transmit", err)
	}

	c, ok := s.t.readyClient()
	if !ok {
		return proto.Transport("mqtt transmit", ErrNotConnected)
	}
	s.mu.Lock()
	tok := c.Publish(s.addr.Topic, s.t.opts.QoS, false, data)
	s.mu.Unlock()

	select {
	case <-tok.Done():
	case <-ctx.Done():
		return proto.Transport("mqtt transmit", ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return proto.Transport("mqtt transmit", err)
	}
	s.t.logger.Debug("Published MQTT message", "topic", s.addr.Topic, "id", msg.ID, "size", len(data))
	return nil
}
