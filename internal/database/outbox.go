package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Outbox delivery states. Failed events are picked up again once
// next_retry_at has passed; dead letters are never retried.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"
)

const (
	// MaxRetryCount is the number of failed deliveries after which an event
	// becomes a dead letter.
	MaxRetryCount = 5

	maxRetryBackoff = 5 * time.Minute

	DefaultTargetStream = "stream:product_vectors"
)

const (
	EventProductIndexed = "PRODUCT_INDEXED"
	EventRunCompleted   = "WORKFLOW_RUN_COMPLETED"
	EventRunFailed      = "WORKFLOW_RUN_FAILED"
)

// OutboxEvent is one row of outbox_event. The db tags are the column names
// GetPending maps rows onto.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

// NewOutboxEvent marshals payload into a pending event for the default stream.
func NewOutboxEvent(aggregateType, aggregateID, eventType string, payload any) (*OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		TargetStream:  DefaultTargetStream,
	}, nil
}

func (e *OutboxEvent) validate() error {
	switch {
	case e.AggregateType == "":
		return fmt.Errorf("outbox event requires aggregate type")
	case e.AggregateID == "":
		return fmt.Errorf("outbox event requires aggregate id")
	case e.EventType == "":
		return fmt.Errorf("outbox event requires event type")
	case len(e.Payload) == 0:
		return fmt.Errorf("outbox event requires payload")
	}
	return nil
}

// applyDefaults fills the fields a caller may leave empty.
func (e *OutboxEvent) applyDefaults(now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = OutboxStatusPending
	}
	if e.TargetStream == "" {
		e.TargetStream = DefaultTargetStream
	}
	e.CreatedAt = now
	if e.NextRetryAt == nil {
		e.NextRetryAt = &now
	}
}

type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertWithTx stages event inside tx, so it is only visible to the relay
// if the surrounding write commits.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	event.applyDefaults(time.Now())

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (
			id, aggregate_type, aggregate_id, event_type, payload,
			target_stream, status, retry_count, created_at, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, event.Payload,
		event.TargetStream, event.Status, event.RetryCount, event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event %s: %w", event.EventType, err)
	}
	return nil
}

// Insert writes a standalone event in its own transaction.
func (r *OutboxRepository) Insert(ctx context.Context, event *OutboxEvent) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return r.InsertWithTx(ctx, tx, event)
	})
}

// GetPending returns up to limit deliverable events, oldest first.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload,
		       target_stream, status, retry_count, error_message,
		       created_at, processed_at, next_retry_at
		FROM outbox_event
		WHERE status IN ($1, $2) AND next_retry_at <= NOW()
		ORDER BY created_at
		LIMIT $3`,
		OutboxStatusPending, OutboxStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}

	events, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to read pending events: %w", err)
	}
	return events, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx,
		"UPDATE outbox_event SET status = $1, processed_at = NOW() WHERE id = $2",
		OutboxStatusProcessed, id)
	if err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// MarkFailed records processErr and pushes next_retry_at out by 2^n seconds,
// capped at maxRetryBackoff. The MaxRetryCount-th failure dead-letters the
// event.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, processErr error) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_event
		SET retry_count   = retry_count + 1,
		    status        = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
		    error_message = $5,
		    next_retry_at = NOW() + make_interval(secs => LEAST(POWER(2, retry_count + 1), $6::float8))
		WHERE id = $1`,
		id, MaxRetryCount, OutboxStatusDeadLetter, OutboxStatusFailed,
		processErr.Error(), maxRetryBackoff.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}
