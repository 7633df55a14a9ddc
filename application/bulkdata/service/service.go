package service

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"bulkload/application/bulkdata/domain"
	"bulkload/internal/engine"
	"bulkload/internal/metrics"
	"bulkload/internal/progress"
	"bulkload/internal/records"
	"bulkload/internal/sink"
	"bulkload/internal/stream"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config tunes the pipelines.
type Config struct {
	// Cache configures the upload cache of every operation.
	Cache stream.CacheConfig

	// Concurrency is the number of engine calls in flight in concurrent mode.
	Concurrency int

	// HistoryLimit caps History when the caller asks for zero or less.
	HistoryLimit int

	// Export configures the chunking of LoadRecords.
	Export stream.ChunkConfig
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		Cache:        stream.DefaultCacheConfig(),
		Concurrency:  4,
		HistoryLimit: 50,
		Export:       stream.DefaultChunkConfig(),
	}
}

// service implements the Service interface
type service struct {
	engine  engine.Engine
	sources domain.DataSourceRepository
	history domain.HistoryRepository
	records domain.RecordRepository
	encoder *stream.ArrayEncoder
	info    sink.InfoSink
	cfg     Config
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewService creates a new Service instance.
//
// Parameters:
//   - eng: Engine records are loaded into
//   - sources: Registry used to validate requested data sources
//   - history: Store of finished operations, may be nil
//   - stored: Reader of stored records, may be nil
//   - info: Destination of ingest info; nil disables info requests
//   - cfg: Pipeline configuration
//   - log: Base logger
func NewService(eng engine.Engine, sources domain.DataSourceRepository, history domain.HistoryRepository,
	stored domain.RecordRepository, info sink.InfoSink, cfg Config, log *zap.Logger) domain.Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	encoder, err := stream.NewArrayEncoder(cfg.Export)
	if err != nil {
		log.Warn("Invalid export configuration, using defaults", zap.Error(err))
		encoder, _ = stream.NewArrayEncoder(stream.DefaultChunkConfig())
	}
	return &service{
		engine:  eng,
		sources: sources,
		history: history,
		records: stored,
		encoder: encoder,
		info:    info,
		cfg:     cfg,
		metrics: metrics.Get(),
		log:     log,
		now:     time.Now,
	}
}

// upload is one cached and classified request body.
type upload struct {
	cache     *stream.Cache
	detection records.Detection
}

// openUpload caches the body and detects its encoding and format.
func (s *service) openUpload(u domain.Upload) (*upload, error) {
	cache, err := stream.NewCache(u.Body, s.cfg.Cache)
	if err != nil {
		return nil, errors.Wrap(err, "cache upload")
	}

	det, err := records.Detect(cache, u.MediaType)
	if err != nil {
		s.releaseUpload(&upload{cache: cache})
		if errors.Is(err, records.ErrFormatDetection) || errors.Is(err, records.ErrUnsupportedEncoding) {
			return nil, domain.BadRequest(err)
		}
		return nil, errors.Wrap(err, "detect upload format")
	}
	return &upload{cache: cache, detection: det}, nil
}

// records returns a reader over the decoded upload.
func (u *upload) records(opts ...records.Option) (*records.Reader, error) {
	decoded, err := records.NewDecoder(u.cache.NewReader(), u.detection.Encoding)
	if err != nil {
		return nil, domain.BadRequest(err)
	}
	return records.NewReader(u.detection.Format, decoded, opts...)
}

func (s *service) releaseUpload(u *upload) {
	s.metrics.RecordUpload(u.cache.Size(), u.cache.Spilled())
	if u.cache.Spilled() {
		s.log.Debug("Upload spilled to disk", zap.String("size", humanize.Bytes(uint64(u.cache.Size()))))
	}
	if err := u.cache.Delete(); err != nil {
		s.log.Warn("Failed to delete upload cache", zap.Error(err))
	}
}

// newReporter builds the progress reporter of an operation. Without a
// transport it never starts.
func newReporter(p *domain.Progress, snapshot func() interface{}, log *zap.Logger) *progress.Reporter {
	if p == nil || p.Sink == nil {
		return progress.NewReporter(0, progress.NewState(time.Now()), nil, snapshot, log)
	}
	state := p.State
	if state == nil {
		state = progress.NewState(time.Now())
	}
	return progress.NewReporter(p.Period, state, p.Sink, snapshot, log)
}

// Analyze reads every record of the upload and tallies statistics
func (s *service) Analyze(ctx context.Context, req *domain.AnalyzeRequest) (*domain.BulkDataAnalysis, error) {
	done := s.metrics.OperationStarted()
	defer done()

	// Step 1: Cache and classify the upload
	up, err := s.openUpload(req.Upload)
	if err != nil {
		return nil, err
	}
	defer s.releaseUpload(up)

	analysis := domain.NewBulkDataAnalysis()
	analysis.SetCharacterEncoding(up.detection.Encoding)
	analysis.SetMediaType(up.detection.Format.MediaType())

	loadID := FormatLoadID(FileKey(req.Upload.FileName, up.cache), req.Upload.FileDate, s.now())
	log := s.log.With(zap.String("load_id", loadID), zap.String("format", up.detection.Format.String()))
	startedAt := s.now()

	// Step 2: Read records without mapping
	reader, err := up.records()
	if err != nil {
		return nil, err
	}

	reporter := newReporter(req.Progress, func() interface{} { return analysis.Snapshot() }, log)
	defer reporter.Complete()

	var opErr error
	for {
		if err := ctx.Err(); err != nil {
			opErr = errors.Wrap(err, "analyze cancelled")
			break
		}
		rec, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				opErr = errors.Wrap(err, "read records")
			}
			break
		}

		reporter.Start()
		analysis.TrackRecord(rec.DataSource(), rec.RecordID())
		s.metrics.RecordRecord(metrics.OutcomeAnalyzed)
		reporter.Notify()

		if err := reporter.Err(); err != nil {
			opErr = errors.Wrap(err, "deliver progress")
			break
		}
	}

	// Step 3: Finish
	reporter.Complete()
	if opErr == nil && reporter.Err() != nil {
		opErr = errors.Wrap(reporter.Err(), "deliver progress")
	}
	if opErr != nil {
		analysis.SetStatus(domain.StatusAborted)
		log.Warn("Analyze aborted", zap.Error(opErr))
	} else {
		analysis.SetStatus(domain.StatusCompleted)
	}

	view := analysis.Snapshot()
	s.metrics.RecordOperation(domain.OperationAnalyze, string(view.Status))
	s.saveHistory(ctx, &domain.LoadSummary{
		LoadID:            loadID,
		Operation:         domain.OperationAnalyze,
		Status:            view.Status,
		CharacterEncoding: view.CharacterEncoding.String,
		MediaType:         view.MediaType.String,
		RecordCount:       view.RecordCount,
		ErrorMessage:      errorMessage(opErr),
		Result:            view,
		StartedAt:         startedAt,
	})
	log.Info("Analyze finished", zap.String("status", string(view.Status)), zap.Int64("records", view.RecordCount))

	return analysis, opErr
}

// buildMapping merges the request's data-source parameters and checks every
// target against the registry.
func (s *service) buildMapping(ctx context.Context, req *domain.LoadRequest) (*records.DataSourceMap, error) {
	mapping := records.NewDataSourceMap(req.DataSource)

	if strings.TrimSpace(req.MapDataSources) != "" {
		m, err := records.ParseMapDataSources(req.MapDataSources)
		if err != nil {
			return nil, domain.BadRequest(err)
		}
		mapping.Merge(m)
	}
	if len(req.MapDataSource) > 0 {
		m, err := records.ParseMapDataSourceList(req.MapDataSource)
		if err != nil {
			return nil, domain.BadRequest(err)
		}
		mapping.Merge(m)
	}

	if s.sources == nil {
		return mapping, nil
	}
	for _, code := range mapping.Targets() {
		ok, err := s.sources.Exists(ctx, code)
		if err != nil {
			return nil, errors.Wrap(err, "check data source")
		}
		if !ok {
			known, _ := s.sources.List(ctx)
			return nil, domain.BadRequestf("the specified data source is not recognized: %s (known: %s)",
				code, strings.Join(known, ", "))
		}
	}
	return mapping, nil
}

func (s *service) saveHistory(ctx context.Context, summary *domain.LoadSummary) {
	if s.history == nil {
		return
	}
	finished := s.now()
	summary.FinishedAt = &finished
	// the request context may already be cancelled on abort
	if err := s.history.Save(context.WithoutCancel(ctx), summary); err != nil {
		s.log.Warn("Failed to save load history", zap.String("load_id", summary.LoadID), zap.Error(err))
	}
}

// DataSources returns the registered data sources
func (s *service) DataSources(ctx context.Context) ([]string, error) {
	return s.sources.List(ctx)
}

// AddDataSources registers new data sources and returns the full registry
func (s *service) AddDataSources(ctx context.Context, codes []string) ([]string, error) {
	var normalized []string
	for _, code := range codes {
		code = domain.NormalizeCode(code)
		if code == "" {
			return nil, domain.BadRequestf("data source code must not be blank")
		}
		normalized = append(normalized, code)
	}
	if len(normalized) == 0 {
		return nil, domain.BadRequestf("at least one data source code is required")
	}
	if err := s.sources.Add(ctx, normalized...); err != nil {
		return nil, errors.Wrap(err, "add data sources")
	}
	list, err := s.sources.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(list)
	return list, nil
}

// History returns operation summaries
func (s *service) History(ctx context.Context, q domain.HistoryQuery) ([]domain.LoadSummary, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, nil
	}
	if q.Limit <= 0 || q.Limit > s.cfg.HistoryLimit {
		q.Limit = s.cfg.HistoryLimit
	}
	return s.history.List(ctx, q)
}

// LoadSummary returns the summary of one operation
func (s *service) LoadSummary(ctx context.Context, loadID string) (*domain.LoadSummary, error) {
	if s.history == nil {
		return nil, domain.ErrLoadNotFound
	}
	return s.history.Get(ctx, loadID)
}

// LoadRecords implements Service.
func (s *service) LoadRecords(ctx context.Context, loadID string) (<-chan stream.Chunk, error) {
	if s.records == nil {
		return nil, errors.New("record export is not configured")
	}
	if _, err := s.LoadSummary(ctx, loadID); err != nil {
		return nil, err
	}

	fetch, err := s.records.ByLoad(ctx, loadID)
	if err != nil {
		return nil, errors.Wrapf(err, "read records of load %s", loadID)
	}
	return stream.EncodeArray(ctx, s.encoder, fetch), nil
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
