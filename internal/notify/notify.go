package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Type names a user-facing alert. Delivery (email/push) belongs to an external service.
type Type string

const (
	TypeLowBalance            Type = "low_balance"
	TypeUsageNearLimit        Type = "usage_near_limit"
	TypePaymentConfirmed      Type = "payment_confirmed"
	TypePaymentFailed         Type = "payment_failed"
	TypeSubscriptionActivated Type = "subscription_activated"
	TypeSubscriptionRenewed   Type = "subscription_renewed"
	TypeSubscriptionCancelled Type = "subscription_cancelled"
	TypeSubscriptionInactive  Type = "subscription_inactive"
)

type Notification struct {
	UserID    string         `json:"user_id"`
	Type      Type           `json:"type"`
	Cycle     string         `json:"cycle,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notifier is the outbound alert hook. Implementations must not touch ledger state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "notification", "user_id", n.UserID, "type", n.Type, "cycle", n.Cycle, "data", n.Data)
	return nil
}

// RedisPublisher publishes notifications as JSON on a pub/sub channel
// consumed by the email/push service.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "billing:notifications"
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, n Notification) error {
	if p.rdb == nil {
		return errors.New("notify: redis client is nil")
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, raw).Err()
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, x := range m {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
