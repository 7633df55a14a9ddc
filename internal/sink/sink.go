// Package sink publishes per-record ingest info to an asynchronous
// consumer such as a Redis list or a Kafka topic.
package sink

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

// Info is the payload published for one successfully ingested record.
type Info struct {
	DataSource string
	RecordID   string
	LoadID     string
	JSON       string
}

// Key identifies the record the info belongs to.
func (i Info) Key() string {
	return i.DataSource + ":" + i.RecordID
}

// InfoSink publishes ingest info.
type InfoSink interface {
	Publish(ctx context.Context, info Info) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Info) error { return nil }
func (Nop) Close() error                        { return nil }

// Log writes each info payload to a logger at debug level.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Publish(_ context.Context, info Info) error {
	l.Logger.Debug("Ingest info",
		zap.String("data_source", info.DataSource),
		zap.String("record_id", info.RecordID),
		zap.String("info", info.JSON),
	)
	return nil
}

func (l Log) Close() error { return nil }

type retrying struct {
	next     InfoSink
	attempts uint
	delay    time.Duration
	log      *zap.Logger
}

// WithRetry retries failed publishes up to attempts times in total.
func WithRetry(next InfoSink, attempts uint, delay time.Duration, log *zap.Logger) InfoSink {
	if attempts <= 1 {
		return next
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &retrying{next: next, attempts: attempts, delay: delay, log: log}
}

func (r *retrying) Publish(ctx context.Context, info Info) error {
	return retry.Do(
		func() error {
			return r.next.Publish(ctx, info)
		},
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			r.log.Debug("Retrying info publish",
				zap.Uint("attempt", n+1),
				zap.String("key", info.Key()),
				zap.Error(err),
			)
		}),
	)
}

func (r *retrying) Close() error {
	return r.next.Close()
}
