package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// Default topics.
const (
	TopicEvents      = "stageflow.events"
	TopicInbound     = "stageflow.events.inbound"
	TopicDeadLetters = "stageflow.dlq"
)

// EventPublisher mirrors routed pipeline events onto a Kafka topic, keyed by
// task id so consumers see each task's events in order.
type EventPublisher struct {
	producer Producer
	topic    string
}

// NewEventPublisher returns a publisher writing to topic (TopicEvents when empty).
func NewEventPublisher(p Producer, topic string) *EventPublisher {
	if topic == "" {
		topic = TopicEvents
	}
	return &EventPublisher{producer: p, topic: topic}
}

// Publish encodes ev and writes it to the events topic.
func (p *EventPublisher) Publish(ctx context.Context, ev domain.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Kind, err)
	}
	return p.producer.Publish(ctx, Message{
		Topic: p.topic,
		Key:   []byte(ev.TaskID()),
		Value: value,
		Headers: []segkafka.Header{
			{Key: HeaderEventKind, Value: []byte(ev.Kind)},
			{Key: HeaderStage, Value: []byte(ev.Stage)},
		},
	})
}

// DeadLetterNotice is the message written to the dead-letter topic.
type DeadLetterNotice struct {
	TaskID       string    `json:"task_id"`
	Stage        string    `json:"stage"`
	OriginTaskID string    `json:"origin_task_id,omitempty"`
	RetryCount   int       `json:"retry_count"`
	Error        string    `json:"error"`
	Payload      []byte    `json:"payload,omitempty"`
	DeadAt       time.Time `json:"dead_at"`
}

// DeadLetterPublisher forwards dead-lettered tasks to an external topic for
// alerting and manual follow-up.
type DeadLetterPublisher struct {
	producer Producer
	topic    string
}

// NewDeadLetterPublisher returns a publisher writing to topic (TopicDeadLetters when empty).
func NewDeadLetterPublisher(p Producer, topic string) *DeadLetterPublisher {
	if topic == "" {
		topic = TopicDeadLetters
	}
	return &DeadLetterPublisher{producer: p, topic: topic}
}

// PublishDeadLetter writes a notice for task.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, task *domain.Task) error {
	notice := DeadLetterNotice{
		TaskID:       task.ID,
		Stage:        task.Type,
		OriginTaskID: task.OriginTaskID,
		RetryCount:   task.RetryCount,
		Error:        task.Error,
		Payload:      task.Payload,
		DeadAt:       time.Now().UTC(),
	}
	if task.CompletedAt != nil {
		notice.DeadAt = *task.CompletedAt
	}
	value, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", task.ID, err)
	}
	return p.producer.Publish(ctx, Message{
		Topic: p.topic,
		Key:   []byte(task.ID),
		Value: value,
		Headers: []segkafka.Header{
			{Key: HeaderEventKind, Value: []byte(domain.EventTaskDeadLettered)},
			{Key: HeaderStage, Value: []byte(task.Type)},
		},
	})
}

// EventHandler receives decoded events from EventSubscriber.
type EventHandler func(ctx context.Context, ev domain.Event) error

// EventSubscriber feeds events reported by out-of-process executors into a
// local handler. It reads TopicInbound, never the mirror topic, so routed
// events are not consumed back.
type EventSubscriber struct {
	consumer Consumer
}

// NewEventSubscriber wraps c.
func NewEventSubscriber(c Consumer) *EventSubscriber {
	return &EventSubscriber{consumer: c}
}

// Run blocks until ctx is cancelled.
func (s *EventSubscriber) Run(ctx context.Context, handle EventHandler) error {
	return s.consumer.Subscribe(ctx, func(ctx context.Context, msg Message) error {
		ev, err := DecodeEvent(msg)
		if err != nil {
			return err
		}
		return handle(ctx, ev)
	})
}

// DecodeEvent parses an events-topic message. Malformed messages wrap ErrSkip.
func DecodeEvent(msg Message) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("%w: decode event at offset %d: %v", ErrSkip, msg.Offset, err)
	}
	if ev.Kind == "" {
		ev.Kind = domain.EventKind(HeaderCarrier(msg.Headers).Get(HeaderEventKind))
	}
	if ev.Kind == "" || ev.Task == nil || ev.Task.ID == "" {
		return ev, fmt.Errorf("%w: event at offset %d has no kind or task", ErrSkip, msg.Offset)
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev, nil
}
