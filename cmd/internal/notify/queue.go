package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskDeliver is the asynq task type consumed by the notification system.
const TaskDeliver = "notify:deliver"

const (
	defaultQueueName = "notifications"
	defaultMaxRetry  = 5
	defaultRetention = 24 * time.Hour
)

// Enqueuer is the subset of *asynq.Client used by QueueSink.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink hands notifications to the external notification system as
// asynq tasks on Redis.
type QueueSink struct {
	client    Enqueuer
	queue     string
	maxRetry  int
	retention time.Duration
}

// QueueOption configures a QueueSink.
type QueueOption func(*QueueSink)

// WithQueue sets the asynq queue name (default: "notifications").
func WithQueue(name string) QueueOption {
	return func(s *QueueSink) {
		if name != "" {
			s.queue = name
		}
	}
}

// WithMaxRetry sets the downstream retry budget per task.
func WithMaxRetry(n int) QueueOption {
	return func(s *QueueSink) {
		if n >= 0 {
			s.maxRetry = n
		}
	}
}

// NewQueueSink constructs a QueueSink over client.
func NewQueueSink(client Enqueuer, opts ...QueueOption) (*QueueSink, error) {
	if client == nil {
		return nil, errors.New("notify: nil enqueuer")
	}
	s := &QueueSink{
		client:    client,
		queue:     defaultQueueName,
		maxRetry:  defaultMaxRetry,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// NewAsynqClient connects an asynq client to the Redis at redisURL.
func NewAsynqClient(redisURL string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}

func (s *QueueSink) Notify(ctx context.Context, n Notification) error {
	task, err := NewDeliverTask(n)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.MaxRetry(s.maxRetry),
		asynq.Retention(s.retention),
	)
	if err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

// NewDeliverTask encodes n as a notify:deliver task.
func NewDeliverTask(n Notification) (*asynq.Task, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeliver, payload), nil
}

// ParseDeliverTask decodes a notify:deliver task.
func ParseDeliverTask(t *asynq.Task) (Notification, error) {
	if t == nil || t.Type() != TaskDeliver {
		return Notification{}, errors.New("notify: not a deliver task")
	}
	var n Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return Notification{}, fmt.Errorf("notify: decode task: %w", err)
	}
	return n, n.Validate()
}
