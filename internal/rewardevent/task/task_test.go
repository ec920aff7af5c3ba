package task

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) ProcessRewardEvent(ctx context.Context, event domain.RewardEvent) (*assignmentdomain.Assignment, error) {
	args := m.Called(ctx, event)
	a, _ := args.Get(0).(*assignmentdomain.Assignment)
	return a, args.Error(1)
}

func (m *mockService) AssignReward(ctx context.Context, req domain.AssignRewardRequest) (*assignmentdomain.Assignment, error) {
	return nil, nil
}

func (m *mockService) RevokeAssignment(ctx context.Context, id snowflake.ID, reason string) (*assignmentdomain.Assignment, error) {
	return nil, nil
}

func (m *mockService) ExpireAssignments(ctx context.Context, limit int) (int, error) {
	return 0, nil
}

func (m *mockService) ListUserAssignments(ctx context.Context, userID string, includeInactive bool) ([]assignmentdomain.Assignment, error) {
	return nil, nil
}

func newTask(t *testing.T) (*asynq.Task, domain.RewardEvent) {
	t.Helper()
	event, err := domain.RewardEvent{
		ProviderID:        "patreon",
		UserID:            "u1",
		ProviderReference: "pledge-1",
		EntitledTierIDs:   []string{"t1"},
	}.Normalize()
	require.NoError(t, err)
	task, err := NewProcessEventTask(event)
	require.NoError(t, err)
	return task, event
}

func TestNewProcessEventTask(t *testing.T) {
	task, event := newTask(t)
	assert.Equal(t, TypeProcessEvent, task.Type())
	assert.Equal(t, "patreon:pledge-1", TaskID(event))
}

func TestHandlerProcessesEvent(t *testing.T) {
	task, event := newTask(t)
	svc := &mockService{}
	svc.On("ProcessRewardEvent", mock.Anything, mock.MatchedBy(func(e domain.RewardEvent) bool {
		return e.UserID == event.UserID && e.ProviderReference == event.ProviderReference
	})).Return(&assignmentdomain.Assignment{ID: 7}, nil)

	h := NewHandler(HandlerParams{Svc: svc, Log: zaptest.NewLogger(t)})
	require.NoError(t, h.HandleProcessEventTask(context.Background(), task))
	svc.AssertExpectations(t)
}

func TestHandlerSkipsRetryForPermanentErrors(t *testing.T) {
	task, _ := newTask(t)
	svc := &mockService{}
	svc.On("ProcessRewardEvent", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: tier t1", domain.ErrMappingNotFound))

	h := NewHandler(HandlerParams{Svc: svc, Log: zaptest.NewLogger(t)})
	err := h.HandleProcessEventTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandlerRetriesTransientErrors(t *testing.T) {
	task, _ := newTask(t)
	svc := &mockService{}
	svc.On("ProcessRewardEvent", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	h := NewHandler(HandlerParams{Svc: svc, Log: zaptest.NewLogger(t)})
	err := h.HandleProcessEventTask(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	h := NewHandler(HandlerParams{Svc: &mockService{}, Log: zaptest.NewLogger(t)})
	err := h.HandleProcessEventTask(context.Background(), asynq.NewTask(TypeProcessEvent, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
