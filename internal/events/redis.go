package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-plex/internal/executor"
	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
	"fleet-plex/internal/store"
)

const publishTimeout = 2 * time.Second

// RedisPublisher publishes execution events on a Redis channel so other
// processes can follow executions.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

// NewRedisPublisher creates a publisher on the executions event channel.
func NewRedisPublisher(client *redis.Client, logger *logging.Logger) *RedisPublisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisPublisher{
		client:  client,
		channel: store.Channel(store.ResourceExecution),
		logger:  logger,
	}
}

func (p *RedisPublisher) publish(e Event) {
	payload, err := e.encode()
	if err != nil {
		p.logger.Error("failed to encode event", "error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("failed to publish event",
			"execution_id", e.ExecutionID,
			"type", string(e.Type),
			"error", err.Error(),
		)
	}
}

// OnHostStart implements executor.StartListener
func (p *RedisPublisher) OnHostStart(executionID string, conn model.ServerConnection) {
	p.publish(hostStartEvent(executionID, conn))
}

// OnProgress implements executor.Listener
func (p *RedisPublisher) OnProgress(executionID, connectionID string, result model.CommandResult) {
	p.publish(progressEvent(executionID, connectionID, result))
}

// OnComplete implements executor.Listener
func (p *RedisPublisher) OnComplete(executionID string, summary executor.Summary) {
	p.publish(completeEvent(executionID, summary))
}

// Subscribe delivers events from the executions channel to fn until ctx is done.
func Subscribe(ctx context.Context, client *redis.Client, fn func(Event)) error {
	sub := client.Subscribe(ctx, store.Channel(store.ResourceExecution))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := Decode([]byte(msg.Payload))
			if err != nil {
				continue
			}
			fn(e)
		}
	}
}
