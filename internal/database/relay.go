package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const relaySource = "product-rag-scraper"

// RedisClient is the subset of the redis client the relay uses.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// OutboxRepo is the part of OutboxRepository the relay drives.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

// Relay publishes outbox events to their Redis streams.
type Relay struct {
	db           *DB
	redis        RedisClient
	outbox       OutboxRepo
	logger       *slog.Logger
	interval     time.Duration
	batchSize    int
	streamMaxLen int64
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StreamMaxLen approximately caps every target stream. Zero keeps all entries.
	StreamMaxLen int64
}

// OutboxStats backs the health check.
type OutboxStats struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

func NewRelay(db *DB, redisClient RedisClient, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	return &Relay{
		db:           db,
		redis:        redisClient,
		outbox:       NewOutboxRepository(db),
		logger:       logger.With("component", "relay"),
		interval:     config.PollInterval,
		batchSize:    config.BatchSize,
		streamMaxLen: config.StreamMaxLen,
	}
}

// Start drains the outbox once, then again on every tick until ctx ends.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("relay started", "interval", r.interval, "batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.processEvents(ctx); err != nil {
			r.logger.Error("outbox poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// processEvents publishes one batch. A failed event is recorded on its row
// and does not stop the rest of the batch.
func (r *Relay) processEvents(ctx context.Context) error {
	events, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	var published int
	for _, event := range events {
		log := r.logger.With("event_id", event.ID, "event_type", event.EventType, "aggregate_id", event.AggregateID)

		if err := r.publishToRedis(ctx, event); err != nil {
			log.Warn("publish failed", "error", err, "retry_count", event.RetryCount)
			if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
				log.Error("failed to record publish failure", "error", markErr)
			}
			continue
		}

		if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
			log.Error("event published but not marked processed", "error", err)
			continue
		}
		published++
	}

	r.logger.Debug("outbox batch done", "fetched", len(events), "published", published)
	return nil
}

// streamEnvelope is the JSON document stored under the "data" field of each
// stream entry.
type streamEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      streamMetadata  `json:"metadata"`
}

type streamMetadata struct {
	Source       string `json:"source"`
	OutboxID     string `json:"outbox_id"`
	RetryCount   int    `json:"retry_count"`
	TargetStream string `json:"target_stream"`
}

func (r *Relay) publishToRedis(ctx context.Context, event *OutboxEvent) error {
	if !json.Valid(event.Payload) {
		return fmt.Errorf("event %s has an invalid JSON payload", event.ID)
	}

	data, err := json.Marshal(streamEnvelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.UTC().Format(time.RFC3339),
		Payload:       event.Payload,
		Metadata: streamMetadata{
			Source:       relaySource,
			OutboxID:     event.ID.String(),
			RetryCount:   event.RetryCount,
			TargetStream: event.TargetStream,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode stream entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: map[string]interface{}{
			"data":           string(data),
			"type":           event.EventType,
			"event_type":     event.EventType,
			"original_id":    event.ID.String(),
			"aggregate_id":   event.AggregateID,
			"aggregate_type": event.AggregateType,
			"timestamp":      strconv.FormatInt(event.CreatedAt.UnixNano(), 10),
		},
	}
	if r.streamMaxLen > 0 {
		args.MaxLen = r.streamMaxLen
		args.Approx = true
	}

	if err := r.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Stats counts events still waiting for delivery and events given up on.
func (r *Relay) Stats(ctx context.Context) (OutboxStats, error) {
	var stats OutboxStats
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COUNT(*) FILTER (WHERE status = $3)
		FROM outbox_event`

	err := r.db.pool.QueryRow(ctx, query,
		OutboxStatusPending, OutboxStatusFailed, OutboxStatusDeadLetter,
	).Scan(&stats.Pending, &stats.DeadLetter)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("failed to get outbox stats: %w", err)
	}

	return stats, nil
}
