package domain

import (
	"fmt"
	"strings"
	"time"

	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
)

type EventType string

const (
	EventPurchase              EventType = "Purchase"
	EventSubscriptionCreated   EventType = "SubscriptionCreated"
	EventSubscriptionRenewed   EventType = "SubscriptionRenewed"
	EventSubscriptionCancelled EventType = "SubscriptionCancelled"
)

func (t EventType) Valid() bool {
	switch t {
	case EventPurchase, EventSubscriptionCreated, EventSubscriptionRenewed, EventSubscriptionCancelled:
		return true
	}
	return false
}

// RewardEvent is a normalized provider fact. EntitledTierIDs is the full set of
// tiers the user holds right now, never a delta.
type RewardEvent struct {
	EventID    string                      `json:"event_id"`
	Type       EventType                   `json:"type"`
	ProviderID string                      `json:"provider_id"`
	UserID     string                      `json:"user_id"`
	Origin     assignmentdomain.Provenance `json:"origin"`
	// ProviderReference is used when Origin is unset.
	ProviderReference string   `json:"provider_reference"`
	EntitledTierIDs   []string `json:"entitled_tier_ids"`
	// PreviousTierIDs replaces the stored snapshot as the diff baseline when non-nil.
	PreviousTierIDs      []string       `json:"previous_tier_ids,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
	AnnouncementAmount   *float64       `json:"announcement_amount,omitempty"`
	AnnouncementCurrency string         `json:"announcement_currency,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Reference is the idempotency half paired with ProviderID.
func (e RewardEvent) Reference() string {
	if e.Origin.Kind != "" && e.Origin.Kind != assignmentdomain.OriginWebhook {
		return e.Origin.ProviderReference()
	}
	if ref := strings.TrimSpace(e.ProviderReference); ref != "" {
		return ref
	}
	return strings.TrimSpace(e.Origin.Reference)
}

// Normalize trims identifiers, lower-cases the provider and checks required fields.
func (e RewardEvent) Normalize() (RewardEvent, error) {
	e.EventID = strings.TrimSpace(e.EventID)
	e.ProviderID = strings.ToLower(strings.TrimSpace(e.ProviderID))
	e.UserID = strings.TrimSpace(e.UserID)
	e.ProviderReference = e.Reference()

	switch {
	case e.ProviderID == "":
		return e, fmt.Errorf("%w: provider_id is required", ErrInvalidEvent)
	case e.UserID == "":
		return e, fmt.Errorf("%w: user_id is required", ErrInvalidEvent)
	case e.ProviderReference == "":
		return e, fmt.Errorf("%w: provider_reference is required", ErrInvalidEvent)
	case e.EntitledTierIDs == nil:
		return e, fmt.Errorf("%w: entitled_tier_ids is required", ErrInvalidEvent)
	}
	if e.Type == "" {
		e.Type = EventSubscriptionRenewed
	}
	if !e.Type.Valid() {
		return e, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if e.EventID == "" {
		e.EventID = e.ProviderID + ":" + e.ProviderReference
	}
	if e.Origin.Kind == "" {
		e.Origin = assignmentdomain.ParseProvenance(e.ProviderReference)
	}
	e.EntitledTierIDs = cleanTiers(e.EntitledTierIDs)
	if e.PreviousTierIDs != nil {
		e.PreviousTierIDs = cleanTiers(e.PreviousTierIDs)
	}
	return e, nil
}

// ShouldAnnounce reports whether a purchase carries an amount worth broadcasting.
func (e RewardEvent) ShouldAnnounce() bool {
	return e.Type == EventPurchase && e.AnnouncementAmount != nil && *e.AnnouncementAmount > 0
}

func cleanTiers(tiers []string) []string {
	out := make([]string, 0, len(tiers))
	seen := make(map[string]struct{}, len(tiers))
	for _, tier := range tiers {
		tier = strings.TrimSpace(tier)
		if tier == "" {
			continue
		}
		if _, ok := seen[tier]; ok {
			continue
		}
		seen[tier] = struct{}{}
		out = append(out, tier)
	}
	return out
}

// DiffTiers returns the tiers present only in current and those present only in previous.
func DiffTiers(previous, current []string) (added, removed []string) {
	prev := make(map[string]struct{}, len(previous))
	for _, tier := range previous {
		prev[tier] = struct{}{}
	}
	cur := make(map[string]struct{}, len(current))
	for _, tier := range current {
		cur[tier] = struct{}{}
		if _, ok := prev[tier]; !ok {
			added = append(added, tier)
		}
	}
	for _, tier := range previous {
		if _, ok := cur[tier]; !ok {
			removed = append(removed, tier)
		}
	}
	return added, removed
}
