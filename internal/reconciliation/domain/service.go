package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrMappingNotFound = errors.New("reconciliation_mapping_not_found")
	ErrInvalidUser     = errors.New("invalid_reconciliation_user")
)

type Service interface {
	// ReconcileMapping reconciles a stored mapping against its current definition.
	ReconcileMapping(ctx context.Context, mappingID snowflake.ID, dryRun bool) (*ReconciliationResult, error)
	PreviewReconciliation(ctx context.Context, mappingID snowflake.ID) (*ReconciliationResult, error)
	ReconcileAllMappings(ctx context.Context, dryRun bool) (*ReconciliationResult, error)
	ReconcileUserAssociations(ctx context.Context, userID, eventIDPrefix string, dryRun bool) (*ReconciliationResult, error)
}
