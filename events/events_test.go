package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	closed   bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATS) Flush() error { return nil }

func (f *fakeNATS) Close() { f.closed = true }

type fakeRedis struct {
	channels []string
	err      error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, _ interface{}) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) Close() error { return nil }

type failingSink struct{}

func (failingSink) Publish(context.Context, Event) error { return errors.New("sink down") }

func (failingSink) Close() error { return nil }

func TestNewEvent(t *testing.T) {
	e := New(AgentStarted, "job_1")
	assert.True(t, strings.HasPrefix(e.ID, "evt_"))
	assert.Equal(t, "forge.events.agent_started", Subject(e.Kind))
	assert.False(t, e.Timestamp.IsZero())
}

func TestFileLoggerHistory(t *testing.T) {
	logger := NewFileLogger(t.TempDir())
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)

	first := New(JobStarted, "job_1")
	first.Timestamp = day1
	second := New(AgentCompleted, "job_1")
	second.Timestamp = day1.Add(2 * time.Hour)
	second.ItemID = "item-1"
	second.Duration = time.Second
	other := New(JobStarted, "job_2")

	require.NoError(t, logger.Publish(ctx, first))
	require.NoError(t, logger.Publish(ctx, second))
	require.NoError(t, logger.Publish(ctx, other))
	require.Error(t, logger.Publish(ctx, Event{Kind: JobStarted}))

	history, err := logger.History(ctx, "job_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, JobStarted, history[0].Kind)
	assert.Equal(t, "item-1", history[1].ItemID)
	assert.Equal(t, time.Second, history[1].Duration)

	none, err := logger.History(ctx, "job_none")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPublishers(t *testing.T) {
	ctx := context.Background()
	conn := &fakeNATS{}
	np := &NATSPublisher{conn: conn}
	require.NoError(t, np.Publish(ctx, New(StepFailed, "job")))
	require.Equal(t, []string{"forge.events.step_failed"}, conn.subjects)
	var decoded Event
	require.NoError(t, xjson.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, StepFailed, decoded.Kind)
	require.NoError(t, np.Close())
	assert.True(t, conn.closed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, np.Publish(cancelled, New(StepFailed, "job")))

	client := &fakeRedis{}
	rp := &RedisPublisher{client: client}
	require.NoError(t, rp.Publish(ctx, New(ReduceStarted, "job")))
	assert.Equal(t, []string{"forge.events.reduce_started"}, client.channels)
}

func TestFanoutAndEmitter(t *testing.T) {
	ctx := context.Background()
	conn := &fakeNATS{}
	fan := NewFanout(failingSink{}, &NATSPublisher{conn: conn})
	err := fan.Publish(ctx, New(JobCompleted, "job"))
	require.Error(t, err)
	assert.Len(t, conn.subjects, 1)

	var buf bytes.Buffer
	em := NewEmitter(fan, slog.New(slog.NewTextHandler(&buf, nil)))
	em.Emit(ctx, New(JobCompleted, "job"))
	assert.Contains(t, buf.String(), "failed to publish event")
	assert.Len(t, conn.subjects, 2)

	var nilEmitter *Emitter
	nilEmitter.Emit(ctx, New(JobCompleted, "job"))
	require.NoError(t, NewEmitter(nil, nil).Close())
}
