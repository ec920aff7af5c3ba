package announcement

import (
	"context"
	"time"
)

// Announcement is broadcast when a purchase with an amount grants rewards.
type Announcement struct {
	EventID    string    `json:"event_id"`
	ProviderID string    `json:"provider_id"`
	UserID     string    `json:"user_id"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers announcements. Callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, a Announcement) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Announcement) error { return nil }
