package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ActionType string

const (
	ActionAdded   ActionType = "Added"
	ActionRemoved ActionType = "Removed"
)

// Action is one planned or executed change for one user.
type Action struct {
	Type         ActionType    `json:"type"`
	RewardID     snowflake.ID  `json:"reward_id"`
	AssignmentID *snowflake.ID `json:"assignment_id,omitempty"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
}

// UserEntry groups the actions for one user under one mapping.
type UserEntry struct {
	UserID           string       `json:"user_id"`
	ProductMappingID snowflake.ID `json:"product_mapping_id"`
	ProviderID       string       `json:"provider_id"`
	ProductID        string       `json:"product_id"`
	Actions          []Action     `json:"actions"`
	Success          bool         `json:"success"`
	Error            string       `json:"error,omitempty"`
}

// ReconciliationResult reports affected users only. Counts cover successfully
// executed actions, or every planned action in a dry run.
type ReconciliationResult struct {
	ProductMappingID *snowflake.ID `json:"product_mapping_id,omitempty"`
	DryRun           bool          `json:"dry_run"`
	UsersAffected    int           `json:"users_affected"`
	RewardsAdded     int           `json:"rewards_added"`
	RewardsRevoked   int           `json:"rewards_revoked"`
	Users            []UserEntry   `json:"users"`
	Errors           []string      `json:"errors"`
	Success          bool          `json:"success"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
}

func (r *ReconciliationResult) PlannedActions() int {
	total := 0
	for _, user := range r.Users {
		total += len(user.Actions)
	}
	return total
}

// Merge folds other into r, used when reconciling several mappings at once.
func (r *ReconciliationResult) Merge(other *ReconciliationResult) {
	if other == nil {
		return
	}
	r.UsersAffected += other.UsersAffected
	r.RewardsAdded += other.RewardsAdded
	r.RewardsRevoked += other.RewardsRevoked
	r.Users = append(r.Users, other.Users...)
	r.Errors = append(r.Errors, other.Errors...)
}

func (r *ReconciliationResult) HasErrors() bool {
	return len(r.Errors) > 0
}
