package domain

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type OriginKind string

const (
	OriginWebhook        OriginKind = "webhook"
	OriginReconciliation OriginKind = "reconciliation"
	OriginDriftSync      OriginKind = "drift_sync"
	OriginAdmin          OriginKind = "admin"
)

type SyncKind string

const (
	SyncMember     SyncKind = "member"
	SyncRevoke     SyncKind = "revoke"
	SyncTierUpdate SyncKind = "tier-update"
)

const (
	reconciliationPrefix = "reconciliation:"
	syncPrefix           = "sync:"
	adminPrefix          = "admin:"
)

// Provenance records what caused an assignment. Only the fields of the
// active variant are set.
type Provenance struct {
	Kind OriginKind `json:"kind"`
	// Reference is the provider transaction reference of a webhook origin.
	Reference string `json:"reference,omitempty"`
	// MappingID is the reconciled product mapping.
	MappingID snowflake.ID `json:"mapping_id,omitempty"`
	SyncKind  SyncKind     `json:"sync_kind,omitempty"`
	// SourceID is the member or assignment id a drift sync acted on, or the
	// grant id of a manual admin grant.
	SourceID string `json:"source_id,omitempty"`
}

func WebhookOrigin(reference string) Provenance {
	return Provenance{Kind: OriginWebhook, Reference: reference}
}

func ReconciliationOrigin(mappingID snowflake.ID) Provenance {
	return Provenance{Kind: OriginReconciliation, MappingID: mappingID}
}

func DriftSyncOrigin(kind SyncKind, sourceID string) Provenance {
	return Provenance{Kind: OriginDriftSync, SyncKind: kind, SourceID: sourceID}
}

// AdminOrigin marks an assignment granted by hand rather than by a provider.
func AdminOrigin(grantID string) Provenance {
	return Provenance{Kind: OriginAdmin, SourceID: grantID}
}

// ProviderReference renders the idempotency reference stored with the assignment.
func (p Provenance) ProviderReference() string {
	switch p.Kind {
	case OriginReconciliation:
		return reconciliationPrefix + p.MappingID.String()
	case OriginDriftSync:
		return fmt.Sprintf("%s%s:%s", syncPrefix, p.SyncKind, p.SourceID)
	case OriginAdmin:
		return adminPrefix + p.SourceID
	default:
		return p.Reference
	}
}

func (p Provenance) String() string {
	return p.ProviderReference()
}

// ParseProvenance recovers the provenance of a stored provider reference.
// Anything that is not a recognised internal reference is a webhook origin.
func ParseProvenance(reference string) Provenance {
	switch {
	case strings.HasPrefix(reference, reconciliationPrefix):
		id, err := snowflake.ParseString(strings.TrimPrefix(reference, reconciliationPrefix))
		if err == nil && id != 0 {
			return ReconciliationOrigin(id)
		}
	case strings.HasPrefix(reference, syncPrefix):
		rest := strings.TrimPrefix(reference, syncPrefix)
		for _, kind := range []SyncKind{SyncMember, SyncRevoke, SyncTierUpdate} {
			prefix := string(kind) + ":"
			if strings.HasPrefix(rest, prefix) && len(rest) > len(prefix) {
				return DriftSyncOrigin(kind, strings.TrimPrefix(rest, prefix))
			}
		}
	case strings.HasPrefix(reference, adminPrefix) && len(reference) > len(adminPrefix):
		return AdminOrigin(strings.TrimPrefix(reference, adminPrefix))
	}
	return WebhookOrigin(reference)
}
