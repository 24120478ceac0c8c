package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbocsi/msgroute/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrUnknownParticipant = errors.New("no local participant")

var mDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "msgroute",
	Subsystem: "dispatch",
	Name:      "messages_total",
	Help:      "Inbound messages handed to local participants, by outcome",
}, []string{"outcome"})

// Handle is the dispatch listener installed on every skeleton. It delivers
// msg to the local participant named by its recipient.
func (c *Coordinator) Handle(msg *proto.Message) error {
	if msg.Expired(time.Now()) {
		mDispatched.WithLabelValues("expired").Inc()
		c.logger.Debug("Dropping expired message", "id", msg.ID, "type", msg.Type, "recipient", msg.Recipient, "expiry", msg.Expiry())
		return nil
	}

	switch msg.Type {
	case proto.TypeRequest, proto.TypeReply, proto.TypeOneWay,
		proto.TypeSubscriptionRequest, proto.TypeBroadcastSubscriptionRequest,
		proto.TypeSubscriptionReply, proto.TypeSubscriptionStop,
		proto.TypePublication, proto.TypeMulticast:
	default:
		c.logger.Warn("Unhandled message type", "type", msg.Type, "sender", msg.Sender)
	}

	p, ok := c.Participants.Get(msg.Recipient)
	if !ok {
		mDispatched.WithLabelValues("unknown_recipient").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, msg.Recipient)
	}

	ctx, cancel := context.WithDeadline(context.Background(), msg.Expiry())
	defer cancel()
	if err := p.HandleMessage(ctx, msg); err != nil {
		mDispatched.WithLabelValues("failed").Inc()
		return fmt.Errorf("participant %s: %w", msg.Recipient, err)
	}

	mDispatched.WithLabelValues("delivered").Inc()
	c.logger.Debug("Message dispatched",
		"id", msg.ID,
		"type", msg.Type,
		"sender", msg.Sender,
		"recipient", msg.Recipient,
		"bytes", len(msg.Payload),
	)
	return nil
}
