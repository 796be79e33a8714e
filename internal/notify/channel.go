// Package notify delivers user notifications driven by bus events.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ticketmesh/kite/internal/domain"
)

// ErrUnknownChannel is returned by NewChannel for unsupported channel kinds.
var ErrUnknownChannel = fmt.Errorf("unknown notification channel")

// NewChannel selects a delivery channel by configuration value. Unsupported
// kinds fail fast.
func NewChannel(kind string, logger *slog.Logger) (domain.NotificationChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch kind {
	case "email":
		return &EmailChannel{logger: logger.With("channel", "email")}, nil
	case "in_app":
		return &InAppChannel{logger: logger.With("channel", "in_app")}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, kind)
	}
}

// EmailChannel delivers over email. Delivery is a structured log until an
// SMTP relay is wired in; the send contract is the stable part.
type EmailChannel struct {
	logger *slog.Logger
}

func (c *EmailChannel) Send(ctx context.Context, userID, message string, metadata map[string]any) error {
	c.logger.Info("email notification sent",
		"user_id", userID,
		"message", message,
		"metadata", metadata,
	)
	return nil
}

// InAppChannel delivers to the user's in-app inbox.
type InAppChannel struct {
	logger *slog.Logger
}

func (c *InAppChannel) Send(ctx context.Context, userID, message string, metadata map[string]any) error {
	c.logger.Info("in-app notification sent",
		"user_id", userID,
		"message", message,
		"metadata", metadata,
	)
	return nil
}
