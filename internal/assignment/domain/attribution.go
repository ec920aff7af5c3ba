package domain

import (
	"strings"

	"github.com/bwmarrin/snowflake"
)

// AttributableTo reports whether a counts toward the given product mapping for
// an association on (providerID, productID). Checked in order: the assignment
// was granted by reconciling that mapping; it records that mapping id; it was
// granted for that product at the same provider.
func AttributableTo(a Assignment, mappingID snowflake.ID, providerID, productID string) bool {
	origin := a.Origin()
	if origin.Kind == OriginReconciliation {
		if origin.MappingID == mappingID {
			return true
		}
	}
	if a.ProductMappingID != nil {
		if *a.ProductMappingID == mappingID {
			return true
		}
	}
	return strings.EqualFold(a.ProviderID, providerID) && a.HasTier(productID)
}
