package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedis_Publish(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	s := NewRedis(db.Addr(), "")
	defer s.Close()
	require.NoError(t, s.Ping())

	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, Info{DataSource: "A", RecordID: "1", JSON: `{"RECORD_ID":"1"}`}))
	require.NoError(t, s.Publish(ctx, Info{DataSource: "A", RecordID: "2", JSON: `{"RECORD_ID":"2"}`}))

	items, err := db.List(DefaultRedisKey)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"RECORD_ID":"1"}`, `{"RECORD_ID":"2"}`}, items)
}

func TestRedis_PublishAfterServerGone(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: db.Addr(), MaxRetries: 0})
	s := NewRedisWithClient(client, "custom")
	defer s.Close()
	db.Close()

	err = s.Publish(context.Background(), Info{DataSource: "A", RecordID: "1", JSON: "{}"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "A:1")
}

type fakeWriter struct {
	failures int
	messages []kafka.Message
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("leader not available")
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafka_Publish(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaWithWriter(w)

	require.NoError(t, s.Publish(context.Background(), Info{DataSource: "CUSTOMERS", RecordID: "7", LoadID: "L", JSON: "{}"}))
	require.Len(t, w.messages, 1)
	assert.Equal(t, "CUSTOMERS:7", string(w.messages[0].Key))
	require.Len(t, w.messages[0].Headers, 1)
	assert.Equal(t, "L", string(w.messages[0].Headers[0].Value))

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestWithRetry(t *testing.T) {
	t.Run("recovers from transient failures", func(t *testing.T) {
		w := &fakeWriter{failures: 2}
		s := WithRetry(NewKafkaWithWriter(w), 3, 0, zap.NewNop())
		require.NoError(t, s.Publish(context.Background(), Info{DataSource: "A", RecordID: "1"}))
		assert.Len(t, w.messages, 1)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		w := &fakeWriter{failures: 5}
		s := WithRetry(NewKafkaWithWriter(w), 3, 0, nil)
		err := s.Publish(context.Background(), Info{DataSource: "A", RecordID: "1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "leader not available")
		assert.Equal(t, 2, w.failures)
	})

	t.Run("single attempt is not wrapped", func(t *testing.T) {
		inner := Nop{}
		assert.Equal(t, InfoSink(inner), WithRetry(inner, 1, 0, nil))
	})
}

func TestLog_Publish(t *testing.T) {
	s := Log{Logger: zap.NewNop()}
	assert.NoError(t, s.Publish(context.Background(), Info{}))
	assert.NoError(t, s.Close())
}
