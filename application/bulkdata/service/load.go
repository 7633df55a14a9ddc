package service

import (
	"context"
	"io"
	"strings"

	"bulkload/application/bulkdata/domain"
	"bulkload/internal/engine"
	"bulkload/internal/metrics"
	"bulkload/internal/progress"
	"bulkload/internal/records"
	"bulkload/internal/sink"
	"bulkload/internal/workerpool"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// syncBufferSize is the number of records held back before a load switches
// to concurrent dispatch. Loads no larger than this run on the calling
// goroutine in input order.
const syncBufferSize = 1000

// errThresholdReached stops the read loop once maxFailures is hit.
var errThresholdReached = errors.New("failure threshold reached")

// loadRun is the state of one load operation.
type loadRun struct {
	s           *service
	ctx         context.Context
	loadID      string
	result      *domain.BulkLoadResult
	reporter    *progress.Reporter
	pool        *workerpool.Pool[engine.IngestResult]
	maxFailures int64
	log         *zap.Logger
}

// Load sends every record of the upload to the engine
func (s *service) Load(ctx context.Context, req *domain.LoadRequest) (*domain.BulkLoadResult, error) {
	done := s.metrics.OperationStarted()
	defer done()

	// Step 1: Validate data source parameters
	mapping, err := s.buildMapping(ctx, req)
	if err != nil {
		return nil, err
	}

	// Step 2: Cache and classify the upload
	up, err := s.openUpload(req.Upload)
	if err != nil {
		return nil, err
	}
	defer s.releaseUpload(up)

	result := domain.NewBulkLoadResult()
	result.SetCharacterEncoding(up.detection.Encoding)
	result.SetMediaType(up.detection.Format.MediaType())

	// Step 3: Name the load
	loadID := strings.TrimSpace(req.LoadID)
	if loadID == "" {
		loadID = FormatLoadID(FileKey(req.Upload.FileName, up.cache), req.Upload.FileDate, s.now())
	}
	log := s.log.With(zap.String("load_id", loadID), zap.String("format", up.detection.Format.String()))
	startedAt := s.now()

	// Step 4: Open the record reader with mapping applied
	reader, err := up.records(records.WithDataSourceMap(mapping), records.WithSourceID(loadID))
	if err != nil {
		return nil, err
	}

	pool := workerpool.New[engine.IngestResult](s.cfg.Concurrency)
	defer pool.Close()

	run := &loadRun{
		s:           s,
		ctx:         ctx,
		loadID:      loadID,
		result:      result,
		pool:        pool,
		maxFailures: int64(req.MaxFailures),
		log:         log,
	}
	run.reporter = newReporter(req.Progress, func() interface{} { return result.Snapshot() }, log)
	defer run.reporter.Complete()

	// Step 5: Dispatch records
	opErr := run.dispatch(reader)

	// Step 6: Collect outstanding results and settle the status
	for _, res := range pool.Drain() {
		run.track(res.Tag, res.Value, res.Err)
	}
	run.reporter.Complete()
	if opErr == nil && run.reporter.Err() != nil {
		opErr = errors.Wrap(run.reporter.Err(), "deliver progress")
	}

	var transportErr error
	switch {
	case errors.Is(opErr, errThresholdReached):
		result.SetStatus(domain.StatusAborted)
		log.Warn("Load aborted after too many failures", zap.Int("max_failures", req.MaxFailures))
	case opErr != nil:
		transportErr = opErr
		result.SetStatus(domain.StatusAborted)
		log.Warn("Load aborted", zap.Error(opErr))
	default:
		result.SetStatus(domain.StatusCompleted)
	}

	view := result.Snapshot()
	s.metrics.RecordOperation(domain.OperationLoad, string(view.Status))
	s.saveHistory(ctx, &domain.LoadSummary{
		LoadID:            loadID,
		Operation:         domain.OperationLoad,
		Status:            view.Status,
		CharacterEncoding: view.CharacterEncoding.String,
		MediaType:         view.MediaType.String,
		RecordCount:       view.RecordCount,
		LoadedCount:       view.LoadedRecordCount,
		FailedCount:       view.FailedRecordCount,
		IncompleteCount:   view.IncompleteRecordCount,
		ErrorMessage:      errorMessage(opErr),
		Result:            view,
		StartedAt:         startedAt,
	})
	log.Info("Load finished",
		zap.String("status", string(view.Status)),
		zap.Int64("loaded", view.LoadedRecordCount),
		zap.Int64("failed", view.FailedRecordCount),
		zap.Int64("incomplete", view.IncompleteRecordCount),
	)

	return result, transportErr
}

// dispatch reads records until the input ends or the load must stop.
//
// The first syncBufferSize records are held back. If the input ends there,
// they are processed synchronously in input order. The next record switches
// the load to concurrent mode for good: the held records and every later one
// go through the worker pool.
func (r *loadRun) dispatch(reader *records.Reader) error {
	var buffer []*records.Record
	concurrent := false

	next := func() (*records.Record, error) {
		if concurrent && len(buffer) > 0 {
			rec := buffer[0]
			buffer[0] = nil
			buffer = buffer[1:]
			return rec, nil
		}
		return reader.Next()
	}

	for {
		if err := r.ctx.Err(); err != nil {
			return errors.Wrap(err, "load cancelled")
		}
		rec, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read records")
		}

		if !concurrent {
			buffer = append(buffer, rec)
			if len(buffer) > syncBufferSize {
				concurrent = true
				r.s.metrics.RecordConcurrentMode()
				r.log.Info("Switching to concurrent dispatch", zap.Int("workers", r.pool.Size()))
			}
			continue
		}

		if err := r.submit(rec); err != nil {
			return err
		}
		if err := r.afterRecord(); err != nil {
			return err
		}
	}

	if concurrent {
		return nil
	}
	for _, rec := range buffer {
		if err := r.ctx.Err(); err != nil {
			return errors.Wrap(err, "load cancelled")
		}
		r.process(rec)
		if err := r.afterRecord(); err != nil {
			return err
		}
	}
	return nil
}

// incomplete counts a record without a data source. Such records are never
// sent to the engine.
func (r *loadRun) incomplete(rec *records.Record) bool {
	if rec.DataSource() != "" {
		return false
	}
	r.result.TrackIncomplete()
	r.s.metrics.RecordRecord(metrics.OutcomeIncomplete)
	return true
}

func (r *loadRun) request(rec *records.Record) (engine.IngestRequest, error) {
	recordJSON, err := rec.JSON()
	if err != nil {
		return engine.IngestRequest{}, engine.NewError(engine.CodeInvalidRecord, err.Error())
	}
	return engine.IngestRequest{
		DataSource: rec.DataSource(),
		RecordID:   rec.RecordID(),
		RecordJSON: recordJSON,
		LoadID:     r.loadID,
		WithInfo:   r.s.info != nil,
	}, nil
}

// process ingests rec on the calling goroutine.
func (r *loadRun) process(rec *records.Record) {
	if r.incomplete(rec) {
		return
	}
	req, err := r.request(rec)
	if err != nil {
		r.track(rec.DataSource(), engine.IngestResult{}, err)
		return
	}
	res, err := r.s.engine.Ingest(r.ctx, req)
	r.track(req.DataSource, res, err)
}

// submit hands rec to the pool and tracks whatever result the slot held.
func (r *loadRun) submit(rec *records.Record) error {
	if r.incomplete(rec) {
		return nil
	}
	req, err := r.request(rec)
	if err != nil {
		r.track(rec.DataSource(), engine.IngestResult{}, err)
		return nil
	}

	prev, err := r.pool.Submit(r.ctx, req.DataSource, func(ctx context.Context) (engine.IngestResult, error) {
		return r.s.engine.Ingest(ctx, req)
	})
	if err != nil {
		return errors.Wrap(err, "submit record")
	}
	if prev != nil {
		r.track(prev.Tag, prev.Value, prev.Err)
	}
	return nil
}

// track folds one engine outcome into the result.
func (r *loadRun) track(dataSource string, res engine.IngestResult, err error) {
	if err != nil {
		engineErr := engine.AsError(err)
		r.result.TrackFailed(dataSource, engineErr.Code, engineErr.Message)
		r.s.metrics.RecordRecord(metrics.OutcomeFailed)
		return
	}

	r.result.TrackLoaded(dataSource)
	r.s.metrics.RecordRecord(metrics.OutcomeLoaded)

	if r.s.info == nil || strings.TrimSpace(res.Info) == "" {
		return
	}
	info := sink.Info{DataSource: dataSource, RecordID: res.RecordID, LoadID: r.loadID, JSON: res.Info}
	if err := r.s.info.Publish(r.ctx, info); err != nil {
		r.log.Warn("Failed to publish ingest info", zap.String("key", info.Key()), zap.Error(err))
	}
}

// afterRecord runs once per processed record.
func (r *loadRun) afterRecord() error {
	r.reporter.Start()
	r.reporter.Notify()

	if err := r.reporter.Err(); err != nil {
		return errors.Wrap(err, "deliver progress")
	}
	if r.maxFailures > 0 && r.result.FailureCount() >= r.maxFailures {
		return errThresholdReached
	}
	return nil
}
