package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	TypeProcessEvent = "reward:process_event"
	Queue            = "reward-events"
)

// ErrAlreadyQueued means an identical provider event is already waiting in the queue.
var ErrAlreadyQueued = errors.New("reward_event_already_queued")

func TaskID(event domain.RewardEvent) string {
	return event.ProviderID + ":" + event.ProviderReference
}

func NewProcessEventTask(event domain.RewardEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProcessEvent, payload,
		asynq.Queue(Queue),
		asynq.TaskID(TaskID(event)),
		asynq.MaxRetry(10),
		asynq.Timeout(2*time.Minute),
		asynq.Retention(24*time.Hour),
	), nil
}

type Enqueuer interface {
	Enqueue(ctx context.Context, event domain.RewardEvent) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

// Enqueue validates the event first so malformed payloads are rejected at the edge.
func (e *enqueuerImpl) Enqueue(ctx context.Context, event domain.RewardEvent) (*asynq.TaskInfo, error) {
	event, err := event.Normalize()
	if err != nil {
		return nil, err
	}
	task, err := NewProcessEventTask(event)
	if err != nil {
		return nil, err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, ErrAlreadyQueued
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

type Handler struct {
	svc domain.Service
	log *zap.Logger
}

type HandlerParams struct {
	fx.In

	Svc domain.Service
	Log *zap.Logger
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{svc: p.Svc, log: p.Log.Named("rewardevent.task")}
}

func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProcessEvent, h.HandleProcessEventTask)
}

// HandleProcessEventTask runs one queued event. Events that can never succeed
// are not retried.
func (h *Handler) HandleProcessEventTask(ctx context.Context, t *asynq.Task) error {
	var event domain.RewardEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	log := h.log.With(
		zap.String("task_type", t.Type()),
		zap.String("event_id", event.EventID),
		zap.String("provider_id", event.ProviderID),
	)

	assignment, err := h.svc.ProcessRewardEvent(ctx, event)
	if err != nil {
		if permanent(err) {
			log.Warn("reward event rejected", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if assignment != nil {
		log.Debug("reward event task done", zap.String("assignment_id", assignment.ID.String()))
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidEvent) ||
		errors.Is(err, domain.ErrProviderNotConfigured) ||
		errors.Is(err, domain.ErrMappingNotFound)
}
