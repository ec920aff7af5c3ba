package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	driftdomain "github.com/smallbiznis/rewardsync/internal/drift/domain"
	productmappingdomain "github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	rewarddomain "github.com/smallbiznis/rewardsync/internal/reward/domain"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/task"
	"github.com/smallbiznis/rewardsync/internal/userlock"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"nil", nil, http.StatusInternalServerError, "internal_error"},
		{"wrapped invalid event", fmt.Errorf("%w: user_id is required", rewardeventdomain.ErrInvalidEvent), http.StatusBadRequest, "validation_error"},
		{"reward conflict", &rewarddomain.ConflictError{RewardID: 1, MappingIDs: []snowflake.ID{2}}, http.StatusConflict, "conflict"},
		{"mapping conflict", &productmappingdomain.ConflictError{MappingID: 1, Associations: 3}, http.StatusConflict, "conflict"},
		{"duplicate product", productmappingdomain.ErrDuplicateProduct, http.StatusConflict, "conflict"},
		{"not active", assignmentdomain.ErrNotActive, http.StatusConflict, "conflict"},
		{"already queued", task.ErrAlreadyQueued, http.StatusConflict, "conflict"},
		{"unknown drift provider", driftdomain.ErrUnknownProvider, http.StatusNotFound, "not_found"},
		{"mapping missing for tier", fmt.Errorf("%w: tier9", rewardeventdomain.ErrMappingNotFound), http.StatusUnprocessableEntity, "unprocessable_event"},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"lock busy", userlock.ErrLockNotAcquired, http.StatusServiceUnavailable, "service_unavailable"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.typ, payload.Type)
		})
	}
}

func TestMapErrorValidationCode(t *testing.T) {
	_, payload := mapError(fmt.Errorf("%w: weeks", rewarddomain.ErrInvalidDuration))
	if assert.Len(t, payload.Errors, 1) {
		assert.Equal(t, "invalid_reward_duration", payload.Errors[0].Code)
		assert.Equal(t, "reward_duration", payload.Errors[0].Field)
		assert.Equal(t, "invalid_reward_duration: weeks", payload.Errors[0].Message)
	}
}

func TestClassifyErrorForLog(t *testing.T) {
	typ, code := classifyErrorForLog(rewarddomain.ErrInvalidName)
	assert.Equal(t, "client", typ)
	assert.Equal(t, "invalid_reward_name", code)

	typ, code = classifyErrorForLog(errors.New("db down"))
	assert.Equal(t, "server", typ)
	assert.Equal(t, "internal_error", code)
}
