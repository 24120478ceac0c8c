package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/mbocsi/msgroute/proto"
	"github.com/trickstertwo/xclock"
)

var (
	// ErrRetryExhausted is returned when every allowed attempt was NotReady.
	ErrRetryExhausted = errors.New("messaging: retry attempts exhausted")

	// ErrRetryTimeout is returned when the send deadline passed while the
	// destination was still NotReady.
	ErrRetryTimeout = errors.New("messaging: retry deadline exceeded")

	// ErrMessageExpired is returned when the message expired before a stub
	// could be obtained.
	ErrMessageExpired = errors.New("messaging: message expired")
)

// BackoffFunc returns the wait before retry attempt n (1 for the first retry).
type BackoffFunc func(attempt int) time.Duration

// ConstantBackoff waits delay between attempts with ±jitter variation
// (0.2 = ±20%).
func ConstantBackoff(delay time.Duration, jitter float64) BackoffFunc {
	return func(int) time.Duration {
		return applyJitter(delay, jitter)
	}
}

// ExponentialBackoff waits initial*factor^(n-1), capped at max (0 = no cap),
// with ±jitter variation.
func ExponentialBackoff(initial time.Duration, factor float64, max time.Duration, jitter float64) BackoffFunc {
	ceiling := max
	if ceiling <= 0 {
		ceiling = math.MaxInt64
	}
	return func(attempt int) time.Duration {
		f := float64(initial) * math.Pow(factor, float64(attempt-1))
		d := ceiling
		if !math.IsNaN(f) && f < float64(ceiling) {
			d = time.Duration(f)
		}
		return applyJitter(d, jitter)
	}
}

// applyJitter never returns more than MaxInt64 nor less than zero.
func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	f := float64(d) + (rand.Float64()*2-1)*jitter*float64(d)
	switch {
	case f <= 0:
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	}
	return time.Duration(f)
}

// minBackoff is the floor for every wait between attempts.
const minBackoff = time.Millisecond

// RetryPolicy governs how a Sender reacts to NotReady. Other errors are never
// retried.
type RetryPolicy struct {
	// Backoff computes the wait between attempts. Defaults to exponential
	// backoff from 100ms to 5s with ±20% jitter.
	Backoff BackoffFunc

	// MaxAttempts bounds the number of GetStub calls including the first.
	// Zero or negative means no limit other than the deadline.
	MaxAttempts int

	// Timeout bounds the whole send. Zero means only the context deadline
	// and the message expiry apply.
	Timeout time.Duration
}

// DefaultRetryPolicy is used by NewSender when no policy is given.
var DefaultRetryPolicy = RetryPolicy{
	Backoff:     ExponentialBackoff(100*time.Millisecond, 2, 5*time.Second, 0.2),
	MaxAttempts: 0,
	Timeout:     time.Minute,
}

// Sender is the caller-side glue around a Router: it retries NotReady with
// backoff, transmits once, and invalidates the stub after a transport failure.
type Sender struct {
	router *Router
	policy RetryPolicy
	clock  xclock.Clock
	logger *slog.Logger
}

type SenderOption func(*Sender)

func WithRetryPolicy(p RetryPolicy) SenderOption {
	return func(s *Sender) { s.policy = p }
}

func WithClock(c xclock.Clock) SenderOption {
	return func(s *Sender) { s.clock = c }
}

func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

func NewSender(router *Router, opts ...SenderOption) *Sender {
	s := &Sender{
		router: router,
		policy: DefaultRetryPolicy,
		clock:  xclock.Default(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.policy.Backoff == nil {
		s.policy.Backoff = DefaultRetryPolicy.Backoff
	}
	return s
}

// Send delivers msg to addr. The send gives up at the earliest of the policy
// timeout, the context deadline, and the message expiry.
func (s *Sender) Send(ctx context.Context, msg *proto.Message, addr proto.Address) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	start := s.clock.Now()
	if s.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.Timeout)
		defer cancel()
	}

	stub, err := s.stub(ctx, msg, addr)
	if err != nil {
		return err
	}

	if err := stub.Transmit(ctx, msg); err != nil {
		mTransmitFailures.WithLabelValues(string(addr.Type())).Inc()
		s.router.Invalidate(addr)
		s.logger.Warn("Failed to transmit message",
			"id", msg.ID,
			"address", addr.String(),
			"elapsed", s.clock.Since(start),
			"error", err,
		)
		return err
	}

	s.logger.Debug("Message sent", "id", msg.ID, "type", msg.Type, "address", addr.String(), "elapsed", s.clock.Since(start))
	return nil
}

func (s *Sender) stub(ctx context.Context, msg *proto.Message, addr proto.Address) (Stub, error) {
	for attempt := 1; ; attempt++ {
		stub, err := s.router.GetStub(addr)
		if err == nil {
			return stub, nil
		}
		if !proto.IsRetryable(err) {
			return nil, err
		}
		if s.policy.MaxAttempts > 0 && attempt >= s.policy.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		wait := max(s.policy.Backoff(attempt), minBackoff)
		if until := msg.Expiry().Sub(s.clock.Now()); until <= wait {
			return nil, fmt.Errorf("%w: %w", ErrMessageExpired, err)
		}

		s.logger.Debug("Destination not ready, retrying", "id", msg.ID, "address", addr.String(), "attempt", attempt, "wait", wait)

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrRetryTimeout, err)
			}
			return nil, ctx.Err()
		case <-timer.C():
		}
	}
}
