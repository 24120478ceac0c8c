package channel

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/msgroute/transport"
)

// Request and response headers of the bounce proxy API.
const (
	HeaderChannelID     = "X-Msgroute-Channel-Id"
	HeaderSenderChannel = "X-Msgroute-Sender-Channel"
)

const maxMessageSize = 4 << 20

type channelQueue struct {
	msgs []json.RawMessage
	wake chan struct{} // closed and replaced whenever msgs grows or the channel is removed
}

func newChannelQueue() *channelQueue {
	return &channelQueue{wake: make(chan struct{})}
}

func (q *channelQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Proxy is an HTTP long-poll bounce proxy. Senders POST messages into a
// channel; the channel owner long-polls them out with GET.
type Proxy struct {
	mu       sync.Mutex
	channels map[string]*channelQueue

	pollTimeout time.Duration
	maxQueued   int
	logger      *slog.Logger
}

type ProxyOption func(*Proxy)

// WithPollTimeout sets how long a GET waits for messages before answering 204.
func WithPollTimeout(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.pollTimeout = d }
}

// WithMaxQueued bounds the undelivered messages per channel.
func WithMaxQueued(n int) ProxyOption {
	return func(p *Proxy) { p.maxQueued = n }
}

func WithProxyLogger(l *slog.Logger) ProxyOption {
	return func(p *Proxy) { p.logger = l }
}

func NewProxy(opts ...ProxyOption) *Proxy {
	p := &Proxy{
		channels:    make(map[string]*channelQueue),
		pollTimeout: 25 * time.Second,
		maxQueued:   1024,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Routes returns the proxy API. Mount it under the path that channel
// addresses use as their messaging endpoint, e.g. /channels.
func (p *Proxy) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/", p.HandleCreate)
	r.Get("/{id}/", p.HandlePoll)
	r.Delete("/{id}/", p.HandleDelete)
	r.Post("/{id}/message/", p.HandleMessage)
	return r
}

// Channels returns the number of open channels.
func (p *Proxy) Channels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

func (p *Proxy) HandleCreate(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderChannelID)
	if id == "" {
		id = transport.GenerateID("ch")
	}

	p.mu.Lock()
	_, exists := p.channels[id]
	if !exists {
		p.channels[id] = newChannelQueue()
	}
	p.mu.Unlock()

	if !exists {
		p.logger.Info("Created channel", "channel", id)
	}
	w.Header().Set("Location", id+"/")
	w.Header().Set(HeaderChannelID, id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"channelId": id})
}

func (p *Proxy) HandleMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxMessageSize {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "message is not valid JSON", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	q, ok := p.channels[id]
	if !ok {
		p.mu.Unlock()
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	if p.maxQueued > 0 && len(q.msgs) >= p.maxQueued {
		p.mu.Unlock()
		p.logger.Warn("Channel queue full, rejecting message", "channel", id)
		http.Error(w, "channel queue full", http.StatusServiceUnavailable)
		return
	}
	q.msgs = append(q.msgs, json.RawMessage(body))
	q.signal()
	p.mu.Unlock()

	p.logger.Debug("Queued channel message", "channel", id, "sender", r.Header.Get(HeaderSenderChannel), "size", len(body))
	w.WriteHeader(http.StatusCreated)
}

func (p *Proxy) HandlePoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timer := time.NewTimer(p.pollTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		q, ok := p.channels[id]
		if !ok {
			p.mu.Unlock()
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		if len(q.msgs) > 0 {
			msgs := q.msgs
			q.msgs = nil
			p.mu.Unlock()

			if err := writeBatch(w, r, msgs); err != nil {
				p.requeue(id, msgs)
				p.logger.Warn("Failed to write channel messages, requeued", "channel", id, "count", len(msgs), "error", err)
			}
			return
		}
		wake := q.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// requeue puts an undelivered batch back at the head of the channel.
func (p *Proxy) requeue(id string, msgs []json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.channels[id]
	if !ok {
		return
	}
	q.msgs = append(msgs, q.msgs...)
	q.signal()
}

func writeBatch(w http.ResponseWriter, r *http.Request, msgs []json.RawMessage) error {
	if err := r.Context().Err(); err != nil {
		return err
	}
	body, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(append(body, '\n')); err != nil {
		return err
	}
	return http.NewResponseController(w).Flush()
}

func (p *Proxy) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p.mu.Lock()
	q, ok := p.channels[id]
	if ok {
		delete(p.channels, id)
		q.signal()
	}
	p.mu.Unlock()

	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	p.logger.Info("Removed channel", "channel", id)
	w.WriteHeader(http.StatusNoContent)
}
