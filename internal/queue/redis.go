package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	EventQueueName      = "suiterunner:run-events"
	DeadLetterQueueName = "suiterunner:run-events:dead"
)

// RedisClient implements Client using Redis
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// Publish sends a run event to the queue
func (r *RedisClient) Publish(ctx context.Context, event RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, EventQueueName, data).Err()
}

// Subscribe starts listening for events and processes them with the handler until ctx is done.
// Events whose handler panics are moved to the dead letter queue.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(RunEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			raw, event, err := r.getNewEvent(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			} else if err != nil {
				log.Error().
					Err(err).
					Msg("Error encountered when fetching event from queue")
				continue
			} else if event == nil {
				continue
			}

			if err := processEvent(handler, *event); err != nil {
				log.Error().
					Err(err).
					Str("run_id", event.RunID).
					Msg("Error encountered when processing event")
				if err := r.client.RPush(ctx, DeadLetterQueueName, raw).Err(); err != nil {
					log.Error().Err(err).Str("run_id", event.RunID).Msg("Could not dead letter event")
				}
			}
		}
	}
}

func (r *RedisClient) getNewEvent(ctx context.Context) ([]byte, *RunEvent, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, EventQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No event available
			return nil, nil, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil, nil
	}

	raw := []byte(result[1])
	var event RunEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return raw, nil, fmt.Errorf("could not parse message into RunEvent. %w", err)
	}
	return raw, &event, nil
}

func processEvent(handler func(RunEvent), event RunEvent) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			// Log the panic
			log.Error().Interface("panic", rcv).Str("run_id", event.RunID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	handler(event)
	return nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
