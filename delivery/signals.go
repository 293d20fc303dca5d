package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SignalKind identifies an inbound protocol event.
type SignalKind string

const (
	SignalSent            SignalKind = "sent"
	SignalDeliveryReceipt SignalKind = "delivery_receipt"
	SignalAcknowledged    SignalKind = "acknowledged"
	SignalSendFailed      SignalKind = "send_failed"
)

// Signal is one event reported by the protocol layer. Sent and SendFailed
// address a message by ID; receipts and acknowledgements by account and token.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	Account   string     `json:"account,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Token     string     `json:"token,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Handle applies one protocol signal.
func (t *Tracker) Handle(ctx context.Context, signal Signal) error {
	switch signal.Kind {
	case SignalSent:
		return t.RecordSent(ctx, signal.MessageID, signal.Token)
	case SignalDeliveryReceipt:
		return t.RecordDelivered(ctx, signal.Account, signal.Token)
	case SignalAcknowledged:
		return t.RecordAcknowledged(ctx, signal.Account, signal.Token)
	case SignalSendFailed:
		return t.RecordError(ctx, signal.MessageID, signal.Reason)
	default:
		return fmt.Errorf("unknown signal kind %q", signal.Kind)
	}
}

// Run applies signals until the channel closes or ctx is done. Failed
// signals are logged and do not stop the loop.
func (t *Tracker) Run(ctx context.Context, signals <-chan Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case signal, ok := <-signals:
			if !ok {
				return nil
			}
			if err := t.Handle(ctx, signal); err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.logger.WithFields(logrus.Fields{
					"function":   "Run",
					"kind":       signal.Kind,
					"message_id": signal.MessageID,
					"token":      signal.Token,
				}).WithError(err).Error("Failed to apply protocol signal")
			}
		}
	}
}
