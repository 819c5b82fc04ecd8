package database

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	called := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if err := called.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("1710000000000-0")
	}
	return cmd
}

func (m *MockRedisClient) Close() error {
	return m.Called().Error(0)
}

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	return m.Called(ctx, id, err).Error(0)
}

func newTestRelay(batchSize int) (*Relay, *MockRedisClient, *MockOutboxRepository) {
	redisClient := new(MockRedisClient)
	outbox := new(MockOutboxRepository)
	return &Relay{
		redis:     redisClient,
		outbox:    outbox,
		logger:    testLogger(),
		interval:  20 * time.Millisecond,
		batchSize: batchSize,
	}, redisClient, outbox
}

func productEvent(asin string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "product",
		AggregateID:   asin,
		EventType:     EventProductIndexed,
		Payload:       json.RawMessage(`{"asin":"` + asin + `","product_link":"/dp/` + asin + `","index_name":"products-vector-brazil-amazon-2024-03-11"}`),
		TargetStream:  DefaultTargetStream,
		CreatedAt:     time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func runEvent() *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "workflow_run",
		AggregateID:   uuid.NewString(),
		EventType:     EventRunCompleted,
		Payload:       json.RawMessage(`{"status":"completed","result":{"pages_processed":2}}`),
		TargetStream:  DefaultTargetStream,
		CreatedAt:     time.Date(2024, 3, 14, 12, 5, 0, 0, time.UTC),
	}
}

// streamData decodes the JSON envelope published under the "data" field.
func streamData(args *redis.XAddArgs) map[string]any {
	raw, ok := args.Values.(map[string]interface{})["data"].(string)
	if !ok {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil
	}
	return data
}

func TestRelay_PublishesEveryPendingEvent(t *testing.T) {
	ctx := context.Background()
	relay, redisClient, outbox := newTestRelay(10)

	events := []*OutboxEvent{productEvent("B0PROD0001"), runEvent()}
	outbox.On("GetPending", ctx, 10).Return(events, nil)

	for _, event := range events {
		redisClient.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			values := args.Values.(map[string]interface{})
			return args.Stream == DefaultTargetStream &&
				values["event_type"] == event.EventType &&
				values["original_id"] == event.ID.String()
		})).Return(nil).Once()
		outbox.On("MarkProcessed", ctx, event.ID).Return(nil).Once()
	}

	require.NoError(t, relay.processEvents(ctx))

	redisClient.AssertExpectations(t)
	outbox.AssertExpectations(t)
}

func TestRelay_FailedPublishIsMarkedAndOthersContinue(t *testing.T) {
	ctx := context.Background()
	relay, redisClient, outbox := newTestRelay(10)

	failing, passing := productEvent("B0FAIL0001"), productEvent("B0PASS0001")
	outbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{failing, passing}, nil)

	redisClient.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		return args.Values.(map[string]interface{})["aggregate_id"] == "B0FAIL0001"
	})).Return(errors.New("connection refused"))
	redisClient.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		return args.Values.(map[string]interface{})["aggregate_id"] == "B0PASS0001"
	})).Return(nil)

	outbox.On("MarkFailed", ctx, failing.ID, mock.MatchedBy(func(err error) bool {
		return err.Error() == "failed to publish to redis: connection refused"
	})).Return(nil)
	outbox.On("MarkProcessed", ctx, passing.ID).Return(nil)

	require.NoError(t, relay.processEvents(ctx))

	redisClient.AssertExpectations(t)
	outbox.AssertExpectations(t)
}

func TestRelay_EmptyBatch(t *testing.T) {
	ctx := context.Background()
	relay, redisClient, outbox := newTestRelay(10)

	outbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{}, nil)

	require.NoError(t, relay.processEvents(ctx))
	redisClient.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
}

func TestRelay_PendingQueryFailure(t *testing.T) {
	ctx := context.Background()
	relay, _, outbox := newTestRelay(10)

	outbox.On("GetPending", ctx, 10).Return(nil, errors.New("pool closed"))

	assert.Error(t, relay.processEvents(ctx))
}

func TestRelay_InvalidPayloadIsMarkedFailed(t *testing.T) {
	ctx := context.Background()
	relay, redisClient, outbox := newTestRelay(5)

	event := runEvent()
	event.Payload = json.RawMessage(`not json`)

	outbox.On("GetPending", ctx, 5).Return([]*OutboxEvent{event}, nil)
	outbox.On("MarkFailed", ctx, event.ID, mock.Anything).Return(nil)

	require.NoError(t, relay.processEvents(ctx))

	redisClient.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	outbox.AssertExpectations(t)
}

func TestRelay_StreamEnvelope(t *testing.T) {
	ctx := context.Background()
	relay, redisClient, _ := newTestRelay(10)
	event := productEvent("B0ENV00001")

	var published map[string]any
	redisClient.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		published = streamData(args)
		return args.MaxLen == 0 && !args.Approx
	})).Return(nil)

	require.NoError(t, relay.publishToRedis(ctx, event))
	require.NotNil(t, published)

	assert.Equal(t, event.ID.String(), published["id"])
	assert.Equal(t, EventProductIndexed, published["type"])
	assert.Equal(t, "product", published["aggregate_type"])
	assert.Equal(t, "B0ENV00001", published["aggregate_id"])
	assert.Equal(t, "2024-03-14T12:00:00Z", published["timestamp"])

	payload, ok := published["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "products-vector-brazil-amazon-2024-03-11", payload["index_name"])

	metadata, ok := published["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, relaySource, metadata["source"])
	assert.Equal(t, DefaultTargetStream, metadata["target_stream"])
}

func TestRelay_StreamTrimming(t *testing.T) {
	ctx := context.Background()
	relay, redisClient, _ := newTestRelay(10)
	relay.streamMaxLen = 10000

	redisClient.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		return args.MaxLen == 10000 && args.Approx
	})).Return(nil)

	require.NoError(t, relay.publishToRedis(ctx, runEvent()))
	redisClient.AssertExpectations(t)
}

func TestRelay_StartStopsOnCancel(t *testing.T) {
	relay, _, outbox := newTestRelay(10)

	var polls atomic.Int32
	outbox.On("GetPending", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Run(func(mock.Arguments) {
		polls.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Start(ctx) }()

	assert.Eventually(t, func() bool {
		return polls.Load() >= 2
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
}
