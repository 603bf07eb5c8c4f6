package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sensoralert/internal/domain"
)

// Deliverer sends one plain-text message to a recipient address such as a phone number.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, text string) error
}

// ContactResolver maps user id to a Deliverer address.
type ContactResolver interface {
	ContactFor(ctx context.Context, userID string) (string, error)
}

// DelivererSink forwards fired events to a per-user Deliverer.
// Params: deliverer, contact resolver, and logger.
// Returns: event sink for Notifier.
type DelivererSink struct {
	deliverer Deliverer
	contacts  ContactResolver
	logger    *slog.Logger
}

// NewDelivererSink creates sink.
func NewDelivererSink(deliverer Deliverer, contacts ContactResolver, logger *slog.Logger) *DelivererSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DelivererSink{deliverer: deliverer, contacts: contacts, logger: logger}
}

// HandleEvent delivers short alert text to event recipient.
// Params: context and fired event.
// Returns: lookup or delivery error; users without contact are skipped.
func (s *DelivererSink) HandleEvent(ctx context.Context, event domain.AlertEvent) error {
	contact, err := s.contacts.ContactFor(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("resolve contact for %s: %w", event.UserID, err)
	}
	contact = strings.TrimSpace(contact)
	if contact == "" {
		s.logger.Debug("no contact for alert recipient", "user_id", event.UserID, "event_id", event.ID)
		return nil
	}
	if err := s.deliverer.Deliver(ctx, contact, AlertText(event)); err != nil {
		return fmt.Errorf("deliver alert %s: %w", event.ID, err)
	}
	return nil
}

// AlertText renders compact single-line alert text.
func AlertText(event domain.AlertEvent) string {
	name := event.DeviceName
	if name == "" {
		name = event.DeviceID
	}
	return fmt.Sprintf("[%s] %s: %s at %s", event.Level, name, event.Reasons, event.OccurredAt.UTC().Format("2006-01-02 15:04 UTC"))
}
