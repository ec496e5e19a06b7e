package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/ports"
)

const outboxKey = "regorch:notifications"

// Message is one queued notification.
type Message struct {
	To       string         `json:"to"`
	Template string         `json:"template"`
	Vars     map[string]any `json:"vars,omitempty"`
	QueuedAt time.Time      `json:"queued_at"`
}

// Outbox implements ports.NotificationSender by pushing messages onto a
// Redis list. Rendering and delivery happen downstream.
type Outbox struct {
	client *redis.Client
	clock  ports.Clock
	logger *zap.Logger
}

// NewOutbox creates a new Redis notification outbox
func NewOutbox(client *redis.Client, clock ports.Clock, logger *zap.Logger) *Outbox {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Outbox{client: client, clock: clock, logger: logger}
}

// Send queues a notification
func (o *Outbox) Send(ctx context.Context, to, template string, vars map[string]any) error {
	if to == "" {
		return domain.Validation("notification recipient is required")
	}

	data, err := json.Marshal(Message{To: to, Template: template, Vars: vars, QueuedAt: o.clock.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := o.client.LPush(ctx, outboxKey, data).Err(); err != nil {
		return domain.ExternalService(err, "queue notification")
	}

	o.logger.Debug("notification queued",
		zap.String("template", template),
		zap.String("to", to))

	return nil
}

// Pending returns the number of queued notifications
func (o *Outbox) Pending(ctx context.Context) (int64, error) {
	n, err := o.client.LLen(ctx, outboxKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox length: %w", err)
	}
	return n, nil
}

var _ ports.NotificationSender = (*Outbox)(nil)
