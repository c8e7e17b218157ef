// internal/feedback/subscriber.go
package feedback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subscriber feeds out-of-band correction signals from NATS into the
// ledger. Tooling that notices a breakdown after the fact (a postmortem
// bot, a CI guard) publishes a Signal as JSON on the configured
// subject; a reply, when requested, carries the deltas produced.
type Subscriber struct {
	conn    *nats.Conn
	subject string
	ledger  *Ledger
	logger  *zap.Logger
	sub     *nats.Subscription
}

// NewSubscriber creates a subscriber on an established connection.
func NewSubscriber(conn *nats.Conn, subject string, ledger *Ledger, logger *zap.Logger) (*Subscriber, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		conn:    conn,
		subject: subject,
		ledger:  ledger,
		logger:  logger,
	}, nil
}

// Start subscribes to the signal subject. Malformed messages are
// logged and dropped; they never stop the subscription.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("signal subscriber started", zap.String("subject", s.subject))
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	var sig Signal
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		s.logger.Warn("dropping malformed signal",
			zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if sig.Description == "" || len(sig.Roles) == 0 {
		s.logger.Warn("dropping incomplete signal",
			zap.String("signal_id", sig.ID))
		return
	}

	deltas, err := s.ledger.Ingest(ctx, sig)
	if err != nil {
		s.logger.Error("signal ingestion failed",
			zap.String("signal_id", sig.ID), zap.Error(err))
		return
	}

	s.logger.Info("signal ingested",
		zap.String("signal_id", sig.ID),
		zap.Int("severity", Severity(sig).Value),
		zap.Int("deltas", len(deltas)))

	if msg.Reply != "" {
		payload, err := json.Marshal(deltas)
		if err != nil {
			return
		}
		if err := msg.Respond(payload); err != nil {
			s.logger.Warn("failed to reply with deltas",
				zap.String("signal_id", sig.ID), zap.Error(err))
		}
	}
}

// Drain unsubscribes and lets in-flight handlers finish.
func (s *Subscriber) Drain() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}
