package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bulkload/application/bulkdata/domain"
	"bulkload/internal/engine"
	"bulkload/internal/progress"
	"bulkload/internal/records"
	"bulkload/internal/sink"
	"bulkload/internal/stream"
)

type fakeEngine struct {
	mu       sync.Mutex
	calls    []engine.IngestRequest
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	ingest   func(ctx context.Context, req engine.IngestRequest) (engine.IngestResult, error)
}

func (e *fakeEngine) Ingest(ctx context.Context, req engine.IngestRequest) (engine.IngestResult, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		seen := e.maxSeen.Load()
		if n <= seen || e.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.mu.Unlock()

	if e.ingest != nil {
		return e.ingest(ctx, req)
	}
	return engine.IngestResult{DataSource: req.DataSource, RecordID: req.RecordID}, nil
}

func (e *fakeEngine) recordIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.calls))
	for _, c := range e.calls {
		ids = append(ids, c.RecordID)
	}
	return ids
}

type fakeSources struct {
	mu    sync.Mutex
	codes map[string]bool
}

func newFakeSources(codes ...string) *fakeSources {
	s := &fakeSources{codes: make(map[string]bool)}
	for _, c := range codes {
		s.codes[c] = true
	}
	return s
}

func (s *fakeSources) Exists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[code], nil
}

func (s *fakeSources) List(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fakeSources) Add(_ context.Context, codes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range codes {
		s.codes[c] = true
	}
	return nil
}

type fakeHistory struct {
	mu        sync.Mutex
	summaries []domain.LoadSummary
}

func (h *fakeHistory) Save(_ context.Context, s *domain.LoadSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries = append(h.summaries, *s)
	return nil
}

func (h *fakeHistory) List(_ context.Context, q domain.HistoryQuery) ([]domain.LoadSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	limit := q.Limit
	if limit > len(h.summaries) {
		limit = len(h.summaries)
	}
	return append([]domain.LoadSummary(nil), h.summaries[:limit]...), nil
}

func (h *fakeHistory) Get(_ context.Context, loadID string) (*domain.LoadSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.summaries {
		if h.summaries[i].LoadID == loadID {
			s := h.summaries[i]
			return &s, nil
		}
	}
	return nil, domain.ErrLoadNotFound
}

type fakeRecords struct {
	stored []domain.StoredRecord
}

func (f *fakeRecords) ByLoad(_ context.Context, loadID string) (stream.Fetcher[domain.StoredRecord], error) {
	var out []domain.StoredRecord
	for _, r := range f.stored {
		if r.LoadID == loadID {
			out = append(out, r)
		}
	}
	return stream.SliceFetcher(out), nil
}

type recordingInfo struct {
	mu    sync.Mutex
	infos []sink.Info
}

func (r *recordingInfo) Publish(_ context.Context, info sink.Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
	return nil
}

func (r *recordingInfo) Close() error { return nil }

type eventSink struct {
	mu     sync.Mutex
	events []progress.Event
	err    error
}

func (s *eventSink) Send(ev progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestService(t *testing.T, eng engine.Engine, info sink.InfoSink) (domain.Service, *fakeHistory) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Cache = stream.DefaultCacheConfig()
	cfg.Cache.Dir = t.TempDir()
	cfg.Concurrency = 4
	history := &fakeHistory{}
	return NewService(eng, newFakeSources("A", "B", "C"), history, &fakeRecords{}, info, cfg, nil), history
}

func csvUpload(n int) domain.Upload {
	var b strings.Builder
	b.WriteString("DATA_SOURCE,RECORD_ID,NAME\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "A,%d,name %d\n", i, i)
	}
	return domain.Upload{Body: strings.NewReader(b.String()), MediaType: records.MediaTypeCSV}
}

func TestLoad_IncompleteRecords(t *testing.T) {
	eng := &fakeEngine{}
	svc, history := newTestService(t, eng, nil)

	body := `{"DATA_SOURCE":"A","RECORD_ID":"1"}
{"DATA_SOURCE":"a","RECORD_ID":"2"}
{"DATA_SOURCE":"","RECORD_ID":"3"}
`
	result, err := svc.Load(context.Background(), &domain.LoadRequest{
		Upload:     domain.Upload{Body: strings.NewReader(body)},
		DataSource: "B",
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	view := result.Snapshot()
	if view.Status != domain.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", view.Status)
	}
	if view.LoadedRecordCount != 2 || view.IncompleteRecordCount != 1 || view.FailedRecordCount != 0 {
		t.Errorf("Expected 2 loaded and 1 incomplete, got %+v", view)
	}
	if view.MissingDataSourceCount != 1 {
		t.Errorf("Expected 1 missing data source, got %d", view.MissingDataSourceCount)
	}
	if view.MediaType.String != records.MediaTypeJSONLines {
		t.Errorf("Expected JSON lines media type, got %q", view.MediaType.String)
	}
	if len(view.ResultsByDataSource) != 1 || view.ResultsByDataSource[0].DataSource.String != "A" {
		t.Errorf("Expected only data source A, got %+v", view.ResultsByDataSource)
	}
	if len(history.summaries) != 1 || history.summaries[0].Status != domain.StatusCompleted {
		t.Errorf("Expected one completed history entry, got %+v", history.summaries)
	}
}

func TestLoad_DefaultDataSource(t *testing.T) {
	eng := &fakeEngine{}
	svc, _ := newTestService(t, eng, nil)

	body := `[{"RECORD_ID":"1"},{"DATA_SOURCE":"C","RECORD_ID":"2"}]`
	result, err := svc.Load(context.Background(), &domain.LoadRequest{
		Upload:     domain.Upload{Body: strings.NewReader(body), MediaType: records.MediaTypeJSON},
		DataSource: "b",
		LoadID:     "my-load",
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got := result.Snapshot().LoadedRecordCount; got != 2 {
		t.Errorf("Expected 2 loaded, got %d", got)
	}
	if eng.calls[0].DataSource != "B" || eng.calls[1].DataSource != "C" {
		t.Errorf("Expected B then C, got %s then %s", eng.calls[0].DataSource, eng.calls[1].DataSource)
	}
	if eng.calls[0].LoadID != "my-load" {
		t.Errorf("Expected load id my-load, got %q", eng.calls[0].LoadID)
	}
	if !strings.Contains(eng.calls[0].RecordJSON, `"SOURCE_ID":"my-load"`) {
		t.Errorf("Expected SOURCE_ID stamp, got %s", eng.calls[0].RecordJSON)
	}
}

func TestLoad_SynchronousUpToThreshold(t *testing.T) {
	eng := &fakeEngine{}
	svc, _ := newTestService(t, eng, nil)

	result, err := svc.Load(context.Background(), &domain.LoadRequest{Upload: csvUpload(syncBufferSize)})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got := result.Snapshot().LoadedRecordCount; got != syncBufferSize {
		t.Errorf("Expected %d loaded, got %d", syncBufferSize, got)
	}
	if got := eng.maxSeen.Load(); got != 1 {
		t.Errorf("Expected no concurrent calls, got %d in flight", got)
	}

	ids := eng.recordIDs()
	for i, id := range ids {
		if id != fmt.Sprint(i+1) {
			t.Fatalf("Expected input order, got %s at position %d", id, i)
		}
	}
}

func TestLoad_ConcurrentAfterThreshold(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()

	eng := &fakeEngine{}
	eng.ingest = func(_ context.Context, req engine.IngestRequest) (engine.IngestResult, error) {
		switch req.RecordID {
		case "500":
			return engine.IngestResult{}, engine.NewError(engine.CodeInvalidRecord, "rejected")
		case "600", "601":
			// both calls must overlap
			arrived.Done()
			select {
			case <-release:
			case <-time.After(5 * time.Second):
				return engine.IngestResult{}, errors.New("calls did not overlap")
			}
		}
		return engine.IngestResult{DataSource: req.DataSource, RecordID: req.RecordID}, nil
	}
	svc, _ := newTestService(t, eng, nil)

	result, err := svc.Load(context.Background(), &domain.LoadRequest{Upload: csvUpload(1002)})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	view := result.Snapshot()
	if view.Status != domain.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", view.Status)
	}
	if view.LoadedRecordCount != 1001 || view.FailedRecordCount != 1 {
		t.Errorf("Expected 1001 loaded and 1 failed, got %d and %d", view.LoadedRecordCount, view.FailedRecordCount)
	}
	if len(view.TopErrors) != 1 || view.TopErrors[0].Error.Code != engine.CodeInvalidRecord {
		t.Errorf("Expected one INVALID_RECORD error, got %+v", view.TopErrors)
	}
	if got := eng.maxSeen.Load(); got < 2 {
		t.Errorf("Expected concurrent calls, got max %d in flight", got)
	}
}

func TestLoad_MaxFailures(t *testing.T) {
	eng := &fakeEngine{}
	eng.ingest = func(_ context.Context, req engine.IngestRequest) (engine.IngestResult, error) {
		if req.RecordID == "2" || req.RecordID == "4" {
			return engine.IngestResult{}, engine.NewError(engine.CodeStorageFailure, "boom")
		}
		return engine.IngestResult{RecordID: req.RecordID}, nil
	}
	svc, history := newTestService(t, eng, nil)

	result, err := svc.Load(context.Background(), &domain.LoadRequest{Upload: csvUpload(10), MaxFailures: 2})
	if err != nil {
		t.Fatalf("Expected threshold abort without error, got %v", err)
	}

	view := result.Snapshot()
	if view.Status != domain.StatusAborted {
		t.Errorf("Expected ABORTED, got %s", view.Status)
	}
	if view.LoadedRecordCount != 2 || view.FailedRecordCount != 2 {
		t.Errorf("Expected 2 loaded and 2 failed, got %d and %d", view.LoadedRecordCount, view.FailedRecordCount)
	}
	if got := len(eng.recordIDs()); got != 4 {
		t.Errorf("Expected processing to stop after 4 records, got %d", got)
	}
	if history.summaries[0].Status != domain.StatusAborted {
		t.Errorf("Expected aborted history entry, got %s", history.summaries[0].Status)
	}
}

func TestLoad_UnknownDataSource(t *testing.T) {
	svc, _ := newTestService(t, &fakeEngine{}, nil)

	tests := []struct {
		name string
		req  *domain.LoadRequest
	}{
		{"default", &domain.LoadRequest{DataSource: "NOPE"}},
		{"json mapping", &domain.LoadRequest{MapDataSources: `{"X":"NOPE"}`}},
		{"list mapping", &domain.LoadRequest{MapDataSource: []string{":X:NOPE"}}},
		{"bad list", &domain.LoadRequest{MapDataSource: []string{":X"}}},
		{"bad json", &domain.LoadRequest{MapDataSources: `[1]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Upload = csvUpload(1)
			_, err := svc.Load(context.Background(), tt.req)
			if !domain.IsBadRequest(err) {
				t.Errorf("Expected bad request, got %v", err)
			}
		})
	}
}

func TestLoad_BinaryUpload(t *testing.T) {
	svc, _ := newTestService(t, &fakeEngine{}, nil)
	_, err := svc.Load(context.Background(), &domain.LoadRequest{
		Upload: domain.Upload{Body: strings.NewReader("\x00\x01\x02binary")},
	})
	if !domain.IsBadRequest(err) {
		t.Errorf("Expected bad request for binary content, got %v", err)
	}
}

func TestLoad_MalformedRecordAborts(t *testing.T) {
	svc, _ := newTestService(t, &fakeEngine{}, nil)
	result, err := svc.Load(context.Background(), &domain.LoadRequest{
		Upload:     domain.Upload{Body: strings.NewReader(`[{"RECORD_ID":"1"},{"RECORD_ID":`)},
		DataSource: "A",
	})
	if err == nil {
		t.Fatal("Expected a transport error")
	}
	if result == nil || result.Status() != domain.StatusAborted {
		t.Errorf("Expected ABORTED result, got %v", result)
	}
}

func TestLoad_PublishesInfo(t *testing.T) {
	eng := &fakeEngine{}
	eng.ingest = func(_ context.Context, req engine.IngestRequest) (engine.IngestResult, error) {
		if !req.WithInfo {
			return engine.IngestResult{}, errors.New("expected info request")
		}
		info := ""
		if req.RecordID == "1" {
			info = `{"AFFECTED_ENTITIES":[]}`
		}
		return engine.IngestResult{DataSource: req.DataSource, RecordID: req.RecordID, Info: info}, nil
	}
	info := &recordingInfo{}
	svc, _ := newTestService(t, eng, info)

	_, err := svc.Load(context.Background(), &domain.LoadRequest{Upload: csvUpload(2), LoadID: "L1"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(info.infos) != 1 {
		t.Fatalf("Expected one published info, got %d", len(info.infos))
	}
	if info.infos[0].LoadID != "L1" || info.infos[0].Key() != "A:1" {
		t.Errorf("Expected info for A:1 in L1, got %+v", info.infos[0])
	}
}

func TestLoad_ProgressEvents(t *testing.T) {
	eng := &fakeEngine{}
	eng.ingest = func(_ context.Context, req engine.IngestRequest) (engine.IngestResult, error) {
		time.Sleep(2 * time.Millisecond)
		return engine.IngestResult{RecordID: req.RecordID}, nil
	}
	svc, _ := newTestService(t, eng, nil)

	events := &eventSink{}
	state := progress.NewState(time.Now())
	_, err := svc.Load(context.Background(), &domain.LoadRequest{
		Upload:   csvUpload(20),
		Progress: &domain.Progress{Sink: events, State: state, Period: 0},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if events.count() == 0 {
		t.Error("Expected progress events")
	}
	if state.PeekEventID() != int64(events.count()) {
		t.Errorf("Expected event ids to match events sent, got %d and %d", state.PeekEventID(), events.count())
	}
}

func TestLoad_ProgressFailureAborts(t *testing.T) {
	eng := &fakeEngine{}
	eng.ingest = func(_ context.Context, req engine.IngestRequest) (engine.IngestResult, error) {
		time.Sleep(2 * time.Millisecond)
		return engine.IngestResult{RecordID: req.RecordID}, nil
	}
	svc, _ := newTestService(t, eng, nil)

	events := &eventSink{err: errors.New("client went away")}
	result, err := svc.Load(context.Background(), &domain.LoadRequest{
		Upload:   csvUpload(50),
		Progress: &domain.Progress{Sink: events, Period: 0},
	})
	if err == nil {
		t.Fatal("Expected a delivery error")
	}
	if result.Status() != domain.StatusAborted {
		t.Errorf("Expected ABORTED, got %s", result.Status())
	}
}

func TestLoad_Cancelled(t *testing.T) {
	svc, _ := newTestService(t, &fakeEngine{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Load(ctx, &domain.LoadRequest{Upload: csvUpload(5)})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation error, got %v", err)
	}
	if result.Status() != domain.StatusAborted {
		t.Errorf("Expected ABORTED, got %s", result.Status())
	}
}

func TestAnalyze(t *testing.T) {
	svc, history := newTestService(t, &fakeEngine{}, nil)

	body := "DATA_SOURCE,RECORD_ID,NAME\nA,1,x\nA,,y\nB,3,z\n,4,w\n"
	analysis, err := svc.Analyze(context.Background(), &domain.AnalyzeRequest{
		Upload: domain.Upload{Body: strings.NewReader(body), FileName: "people.csv"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	view := analysis.Snapshot()
	if view.Status != domain.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", view.Status)
	}
	if view.RecordCount != 4 || view.RecordsWithRecordIDCount != 3 || view.RecordsWithDataSourceCount != 3 {
		t.Errorf("Expected 4/3/3, got %d/%d/%d", view.RecordCount, view.RecordsWithRecordIDCount, view.RecordsWithDataSourceCount)
	}
	if view.MediaType.String != records.MediaTypeCSV || view.CharacterEncoding.String != "UTF-8" {
		t.Errorf("Expected CSV in UTF-8, got %s in %s", view.MediaType.String, view.CharacterEncoding.String)
	}
	if !strings.HasPrefix(history.summaries[0].LoadID, "people.csv_?_") {
		t.Errorf("Expected load id from file name, got %s", history.summaries[0].LoadID)
	}
}

func TestAnalyze_Empty(t *testing.T) {
	svc, _ := newTestService(t, &fakeEngine{}, nil)
	analysis, err := svc.Analyze(context.Background(), &domain.AnalyzeRequest{
		Upload: domain.Upload{Body: strings.NewReader("  \n")},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if analysis.RecordCount() != 0 || analysis.Status() != domain.StatusCompleted {
		t.Errorf("Expected empty completed analysis, got %d records, %s", analysis.RecordCount(), analysis.Status())
	}
}

func TestDataSourcesAndHistory(t *testing.T) {
	svc, _ := newTestService(t, &fakeEngine{}, nil)
	ctx := context.Background()

	list, err := svc.AddDataSources(ctx, []string{" d ", "A"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if strings.Join(list, ",") != "A,B,C,D" {
		t.Errorf("Expected A,B,C,D, got %v", list)
	}
	if _, err := svc.AddDataSources(ctx, []string{" "}); !domain.IsBadRequest(err) {
		t.Errorf("Expected bad request for blank code, got %v", err)
	}

	if _, err := svc.Load(ctx, &domain.LoadRequest{Upload: csvUpload(1), LoadID: "L9"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	summary, err := svc.LoadSummary(ctx, "L9")
	if err != nil {
		t.Fatalf("Expected summary, got %v", err)
	}
	if summary.LoadedCount != 1 || summary.FinishedAt == nil {
		t.Errorf("Expected finished summary with 1 loaded, got %+v", summary)
	}
	if _, err := svc.LoadSummary(ctx, "missing"); !errors.Is(err, domain.ErrLoadNotFound) {
		t.Errorf("Expected ErrLoadNotFound, got %v", err)
	}

	loads, err := svc.History(ctx, domain.HistoryQuery{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(loads) != 1 || loads[0].LoadID != "L9" {
		t.Errorf("Expected the L9 summary, got %+v", loads)
	}
	if _, err := svc.History(ctx, domain.HistoryQuery{OrderBy: []string{"name", "asc"}}); !domain.IsBadRequest(err) {
		t.Errorf("Expected bad request for unsortable field, got %v", err)
	}
}

func TestLoadRecords(t *testing.T) {
	ctx := context.Background()
	history := &fakeHistory{}
	stored := &fakeRecords{stored: []domain.StoredRecord{
		{DataSource: "A", RecordID: "1", LoadID: "L1", Record: []byte(`{"NAME":"x"}`)},
		{DataSource: "B", RecordID: "2", LoadID: "L2", Record: []byte(`{}`)},
	}}
	svc := NewService(&fakeEngine{}, newFakeSources("A", "B"), history, stored, nil, DefaultConfig(), nil)

	if _, err := svc.LoadRecords(ctx, "L1"); !errors.Is(err, domain.ErrLoadNotFound) {
		t.Fatalf("Expected ErrLoadNotFound before the load is recorded, got %v", err)
	}
	_ = history.Save(ctx, &domain.LoadSummary{LoadID: "L1", Status: domain.StatusCompleted})

	chunks, err := svc.LoadRecords(ctx, "L1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	var body []byte
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("Unexpected chunk error: %v", c.Err)
		}
		body = append(body, c.Bytes()...)
		c.Release()
	}
	expected := `[{"dataSource":"A","recordId":"1","loadId":"L1","record":{"NAME":"x"}}]`
	if string(body) != expected {
		t.Errorf("Expected %s, got %s", expected, string(body))
	}

	noExport := NewService(&fakeEngine{}, newFakeSources("A"), history, nil, nil, DefaultConfig(), nil)
	if _, err := noExport.LoadRecords(ctx, "L1"); err == nil {
		t.Error("Expected error without a record repository")
	}
}
