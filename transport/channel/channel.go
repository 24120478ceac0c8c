package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mbocsi/msgroute/messaging"
	"github.com/mbocsi/msgroute/proto"
	"github.com/mbocsi/msgroute/transport"
)

var _ transport.Driver = (*Transport)(nil)

type Options struct {
	// EndpointURL is the bounce proxy that hosts our own channel,
	// e.g. http://localhost:8080/channels/. Leave empty when the global
	// address is delivered externally through SetGlobalAddress.
	EndpointURL string

	// ChannelID requests a specific channel id. Generated when empty.
	ChannelID string

	// RetryInterval is the pause after a failed create or poll.
	RetryInterval time.Duration

	// Client performs every HTTP call. Its timeout must exceed the proxy's
	// long-poll timeout.
	Client *http.Client
}

// Transport receives from one channel on a bounce proxy and sends to any
// channel on any proxy.
type Transport struct {
	opts     Options
	codec    proto.Codec
	skeleton *messaging.Skeleton
	global   *messaging.Deferred[proto.ChannelAddress]
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
}

func NewTransport(opts Options, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: time.Minute}
	}
	codec := proto.JSONCodec{}
	return &Transport{
		opts:     opts,
		codec:    codec,
		skeleton: messaging.NewSkeleton(proto.ChannelAddressType, messaging.WithDeserializer(codec), messaging.WithSkeletonLogger(logger)),
		global:   messaging.NewDeferred[proto.ChannelAddress](),
		logger:   logger,
	}
}

// SetGlobalAddress delivers our own channel address. Until it arrives the
// stub factory reports NotReady.
func (t *Transport) SetGlobalAddress(addr proto.ChannelAddress) error {
	if err := proto.ValidateAddress(addr); err != nil {
		return err
	}
	t.global.Set(addr)
	t.logger.Info("Channel global address assigned", "address", addr.String())
	return nil
}

// GlobalAddress returns our own channel address once assigned.
func (t *Transport) GlobalAddress() (proto.ChannelAddress, bool) {
	return t.global.Get()
}

// Ready is closed once the global address is known.
func (t *Transport) Ready() <-chan struct{} { return t.global.Ready() }

// Start creates our channel on the proxy, publishes the resulting global
// address and long-polls the channel into the skeleton until ctx is done.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	if t.opts.EndpointURL == "" {
		t.logger.Info("Starting channel transport in send-only mode")
		<-ctx.Done()
		return nil
	}

	t.logger.Info("Starting channel transport", "endpoint", t.opts.EndpointURL)
	var addr proto.ChannelAddress
	for {
		var err error
		addr, err = t.createChannel(ctx)
		if err == nil {
			break
		}
		t.logger.Warn("Failed to create channel, retrying", "endpoint", t.opts.EndpointURL, "error", err)
		if !sleep(ctx, t.opts.RetryInterval) {
			return nil
		}
	}
	if err := t.SetGlobalAddress(addr); err != nil {
		return err
	}

	for {
		err := t.poll(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			t.logger.Warn("Channel poll failed", "channel", addr.ChannelID, "error", err)
			if !sleep(ctx, t.opts.RetryInterval) {
				break
			}
		}
	}

	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.deleteChannel(dctx, addr); err != nil {
		t.logger.Warn("Failed to remove channel", "channel", addr.ChannelID, "error", err)
	}
	return nil
}

func (t *Transport) Shutdown() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.logger.Info("Channel transport shut down")
	return nil
}

func (t *Transport) Meta() transport.Metadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := t.opts.EndpointURL
	g, ready := t.global.Get()
	if ready {
		addr = g.String()
	}
	return transport.Metadata{
		Name:        "Channel Transport",
		Type:        proto.ChannelAddressType,
		Protocol:    "http-longpoll",
		Address:     addr,
		Description: "HTTP long-poll channels on a bounce proxy",
		Connected:   t.connected,
		Ready:       ready,
	}
}

func (t *Transport) Skeleton() *messaging.Skeleton   { return t.skeleton }
func (t *Transport) Factory() messaging.StubFactory { return &factory{t: t} }

func (t *Transport) createChannel(ctx context.Context) (proto.ChannelAddress, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.EndpointURL, nil)
	if err != nil {
		return proto.ChannelAddress{}, err
	}
	if t.opts.ChannelID != "" {
		req.Header.Set(HeaderChannelID, t.opts.ChannelID)
	}
	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return proto.ChannelAddress{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return proto.ChannelAddress{}, statusError(resp)
	}

	var body struct {
		ChannelID string `json:"channelId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return proto.ChannelAddress{}, fmt.Errorf("decode create response: %w", err)
	}
	return proto.NewChannelAddress(t.opts.EndpointURL, body.ChannelID)
}

func (t *Transport) poll(ctx context.Context) error {
	addr, _ := t.global.Get()
	u, err := channelURL(addr, "/")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusOK:
	default:
		return statusError(resp)
	}

	var batch []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}
	for _, raw := range batch {
		t.skeleton.Receive(raw)
	}
	return nil
}

func (t *Transport) deleteChannel(ctx context.Context, addr proto.ChannelAddress) error {
	u, err := channelURL(addr, "/")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return statusError(resp)
	}
	return nil
}

type factory struct {
	t *Transport
}

func (f *factory) Type() proto.AddressType { return proto.ChannelAddressType }

func (f *factory) Build(addr proto.Address) (messaging.Stub, error) {
	a, err := messaging.AddressAs[proto.ChannelAddress]("build channel stub", addr)
	if err != nil {
		return nil, err
	}
	own, ok := f.t.global.Get()
	if !ok {
		return nil, proto.NotReady("build channel stub", "own channel address not assigned yet")
	}
	target, err := channelURL(a, "message/")
	if err != nil {
		return nil, proto.InvalidAddress("build channel stub", "%w", err)
	}
	return &stub{addr: a, target: target, sender: own.ChannelID, t: f.t}, nil
}

type stub struct {
	addr   proto.ChannelAddress
	target string
	sender string
	t      *Transport
}

func (s *stub) Address() proto.Address { return s.addr }

func (s *stub) Transmit(ctx context.Context, msg *proto.Message) error {
	data, err := s.t.codec.Encode(msg)
	if err != nil {
		return proto.Transport("channel transmit", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, bytes.NewReader(data))
	if err != nil {
		return proto.Transport("channel transmit", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSenderChannel, s.sender)

	resp, err := s.t.opts.Client.Do(req)
	if err != nil {
		return proto.Transport("channel transmit", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return proto.Transport("channel transmit", statusError(resp))
	}
	s.t.logger.Debug("Posted channel message", "channel", s.addr.ChannelID, "id", msg.ID, "size", len(data))
	return nil
}

func channelURL(addr proto.ChannelAddress, suffix string) (string, error) {
	if addr.ChannelID == "" {
		return "", errors.New("channel address not assigned")
	}
	return url.JoinPath(addr.MessagingEndpointURL, url.PathEscape(addr.ChannelID), suffix)
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(msg))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
