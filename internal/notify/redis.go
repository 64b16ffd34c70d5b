package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/utils"
)

const channel = "generation.events"

// Event is the lifecycle record mirrored to redis for dashboards and
// external consumers. It is observability only: nothing in the pipeline
// depends on delivery.
type Event struct {
	Type           string    `json:"type"`
	GenerationID   string    `json:"generation_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	Queue          string    `json:"queue,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type redisPublisher struct {
	log    *logger.Logger
	client *redis.Client
}

// NewRedisPublisher connects from REDIS_ADDR/REDIS_PASSWORD/REDIS_DB. An
// empty REDIS_ADDR returns a no-op publisher so the pipeline runs without
// redis in development and tests.
func NewRedisPublisher(log *logger.Logger) (Publisher, error) {
	addr := utils.GetEnv("REDIS_ADDR", "", log)
	if addr == "" {
		log.Info("REDIS_ADDR not set, event mirroring disabled")
		return nopPublisher{}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: utils.GetEnv("REDIS_PASSWORD", "", log),
		DB:       utils.GetEnvAsInt("REDIS_DB", 0, log),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisPublisher{
		log:    log.With("service", "EventPublisher"),
		client: client,
	}, nil
}

func (p *redisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.log.Warn("Failed to publish event", "type", ev.Type, "error", err)
		return err
	}
	return nil
}

func (p *redisPublisher) Close() error { return p.client.Close() }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
func (nopPublisher) Close() error                         { return nil }
