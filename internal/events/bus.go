package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event kinds published on the orchestration stream.
const (
	WorkflowStarted   = "workflow.started"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	WorkflowCancelled = "workflow.cancelled"
	WorkflowGated     = "workflow.awaiting_approval"
	ExecutionRecorded = "execution.recorded"
	ApprovalRequested = "approval.requested"
	ApprovalResolved  = "approval.resolved"
	ApprovalExpired   = "approval.expired"
)

// Event is one orchestration lifecycle notification for the dashboard.
type Event struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	WorkflowID string            `json:"workflow_id"`
	Fields     map[string]string `json:"fields,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

const stream = "missionctl:events"

// Bus publishes orchestration events over Redis Streams.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewBus creates a Redis-backed event bus.
func NewBus(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// Publish appends an event to the orchestration stream.
func (b *Bus) Publish(ctx context.Context, kind, workflowID string, fields map[string]string) error {
	ev := &Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		WorkflowID: workflowID,
		Fields:     fields,
		Timestamp:  time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	b.logger.Debug("published event",
		zap.String("kind", kind),
		zap.String("workflow", workflowID))
	return nil
}

// Subscribe listens for orchestration events.
// Returns a channel that emits events. Cancel the context to stop.
func (b *Bus) Subscribe(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
