package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	driftdomain "github.com/smallbiznis/rewardsync/internal/drift/domain"
	productmappingdomain "github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	reconciliationdomain "github.com/smallbiznis/rewardsync/internal/reconciliation/domain"
	rewarddomain "github.com/smallbiznis/rewardsync/internal/reward/domain"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/task"
	rewardproviderdomain "github.com/smallbiznis/rewardsync/internal/rewardprovider/domain"
	"github.com/smallbiznis/rewardsync/internal/userlock"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// validationSentinels are reported as 400 with the sentinel text as the error code.
var validationSentinels = []error{
	ErrInvalidRequest,
	rewarddomain.ErrInvalidName,
	rewarddomain.ErrInvalidModule,
	rewarddomain.ErrInvalidDuration,
	productmappingdomain.ErrInvalidName,
	productmappingdomain.ErrInvalidType,
	productmappingdomain.ErrInvalidProduct,
	productmappingdomain.ErrUnknownReward,
	rewardproviderdomain.ErrInvalidProvider,
	rewardeventdomain.ErrInvalidEvent,
	rewardeventdomain.ErrInvalidAssignRequest,
	rewardeventdomain.ErrRewardInactive,
	assignmentdomain.ErrInvalidReason,
	reconciliationdomain.ErrInvalidUser,
	driftdomain.ErrInvalidLink,
	driftdomain.ErrNoResult,
	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidTimeRange,
	auditdomain.ErrInvalidAction,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if code, ok := validationErrorCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: err.Error(),
				},
			},
		}
	}

	var rewardConflict *rewarddomain.ConflictError
	if errors.As(err, &rewardConflict) {
		ids := make([]string, 0, len(rewardConflict.MappingIDs))
		for _, id := range rewardConflict.MappingIDs {
			ids = append(ids, id.String())
		}
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: rewarddomain.ErrRewardInUse.Error(),
			Details: map[string]any{"product_mapping_ids": ids},
		}
	}

	var mappingConflict *productmappingdomain.ConflictError
	if errors.As(err, &mappingConflict) {
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: productmappingdomain.ErrMappingInUse.Error(),
			Details: map[string]any{"active_associations": mappingConflict.Associations},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, rewarddomain.ErrRewardInUse),
		errors.Is(err, productmappingdomain.ErrMappingInUse),
		errors.Is(err, productmappingdomain.ErrDuplicateProduct),
		errors.Is(err, assignmentdomain.ErrNotActive),
		errors.Is(err, task.ErrAlreadyQueued):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, rewardeventdomain.ErrProviderNotConfigured),
		errors.Is(err, rewardeventdomain.ErrMappingNotFound):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable_event",
			Message: err.Error(),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, userlock.ErrLockNotAcquired):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same taxonomy clients see.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError {
		return "server", code
	}
	return "client", code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationErrorCode(err error) (string, bool) {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error(), true
		}
	}
	return "", false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, rewarddomain.ErrNotFound),
		errors.Is(err, productmappingdomain.ErrNotFound),
		errors.Is(err, rewardproviderdomain.ErrNotFound),
		errors.Is(err, rewardeventdomain.ErrRewardNotFound),
		errors.Is(err, assignmentdomain.ErrNotFound),
		errors.Is(err, reconciliationdomain.ErrMappingNotFound),
		errors.Is(err, driftdomain.ErrUnknownProvider),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, task.ErrAlreadyQueued):
		return task.ErrAlreadyQueued.Error()
	case errors.Is(err, assignmentdomain.ErrNotActive):
		return assignmentdomain.ErrNotActive.Error()
	case errors.Is(err, productmappingdomain.ErrDuplicateProduct):
		return productmappingdomain.ErrDuplicateProduct.Error()
	default:
		return "conflict"
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}
