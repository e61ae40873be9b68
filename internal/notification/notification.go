package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KindTransferCompleted is sent to the source owner when a transfer settles.
	KindTransferCompleted = "transfer_completed"
	// KindTransferFailed is sent to the source owner when a transfer fails.
	KindTransferFailed = "transfer_failed"
	// KindTransferReceived is sent to the destination owner of an internal transfer.
	KindTransferReceived = "transfer_received"
)

// Message describes a notification payload.
type Message struct {
	Kind          string    `json:"kind"`
	Destination   string    `json:"destination"`
	TransferID    string    `json:"transfer_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Body          string    `json:"body"`
	SentAt        time.Time `json:"sent_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"destination", message.Destination,
		"transfer_id", message.TransferID,
		"tx_id", message.TransactionID,
		"body", message.Body)
	return nil
}

// RedisNotifier publishes notifications as JSON on a Redis channel for
// downstream delivery workers.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier constructs a pub/sub notifier.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// Send publishes the message.
func (n *RedisNotifier) Send(ctx context.Context, message Message) error {
	if message.SentAt.IsZero() {
		message.SentAt = time.Now().UTC()
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Fanout sends to every notifier and returns the first error.
type Fanout []Notifier

// Send implements Notifier.
func (f Fanout) Send(ctx context.Context, message Message) error {
	var first error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
