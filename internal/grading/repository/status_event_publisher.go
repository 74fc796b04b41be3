package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gradingnode/internal/common/mq"
	"gradingnode/internal/grading/executor"
	appErr "gradingnode/pkg/errors"
)

// StatusEventFinal marks the event carrying a submission's final status.
const StatusEventFinal = "final"

// StatusEvent is the payload published for downstream consumers.
type StatusEvent struct {
	Type      string                `json:"type"`
	Status    executor.StatusUpdate `json:"status"`
	CreatedAt int64                 `json:"createdAt"`
}

// StatusEventPublisher publishes status events for async processing.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, status executor.StatusUpdate) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(producer mq.Producer, topic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{producer: producer, topic: topic}
}

// PublishFinalStatus publishes a final status event keyed by submission id.
func (p *MQStatusEventPublisher) PublishFinalStatus(ctx context.Context, status executor.StatusUpdate) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("status topic is required")
	}
	if status.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(StatusEvent{
		Type:      StatusEventFinal,
		Status:    status,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal status event failed: %w", err)
	}
	message := mq.NewMessage(status.SubmissionID, payload).WithHeader("event", StatusEventFinal)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish status event failed")
	}
	return nil
}
