package domain

import (
	"sort"
	"strings"
	"sync"

	"github.com/guregu/null/v5"
	json "github.com/json-iterator/go"
)

// dataSourceLoad is the per data source tally of a load.
type dataSourceLoad struct {
	recordCount int64
	loaded      int64
	failed      int64
	incomplete  int64
	errors      *errorTracker
}

// BulkLoadResult accumulates the outcome of a load. It is safe for
// concurrent use; tracking and snapshots may interleave.
type BulkLoadResult struct {
	mu sync.Mutex

	status            Status
	characterEncoding string
	mediaType         string

	recordCount       int64
	loaded            int64
	failed            int64
	incomplete        int64
	missingDataSource int64

	errors       *errorTracker
	byDataSource map[string]*dataSourceLoad
}

// NewBulkLoadResult returns an empty NOT_STARTED result.
func NewBulkLoadResult() *BulkLoadResult {
	return &BulkLoadResult{
		status:       StatusNotStarted,
		errors:       newErrorTracker(),
		byDataSource: make(map[string]*dataSourceLoad),
	}
}

func (r *BulkLoadResult) start() {
	if r.status == StatusNotStarted {
		r.status = StatusInProgress
	}
}

func (r *BulkLoadResult) dataSource(code string) *dataSourceLoad {
	code = strings.TrimSpace(code)
	ds, ok := r.byDataSource[code]
	if !ok {
		ds = &dataSourceLoad{errors: newErrorTracker()}
		r.byDataSource[code] = ds
	}
	return ds
}

// TrackLoaded records a record the engine accepted.
func (r *BulkLoadResult) TrackLoaded(dataSource string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.start()
	r.recordCount++
	r.loaded++
	ds := r.dataSource(dataSource)
	ds.recordCount++
	ds.loaded++
}

// TrackFailed records a record the engine rejected with code and message.
func (r *BulkLoadResult) TrackFailed(dataSource, code, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.start()
	r.recordCount++
	r.failed++
	detail := ErrorDetail{Code: code, Message: message}
	r.errors.track(detail)

	ds := r.dataSource(dataSource)
	ds.recordCount++
	ds.failed++
	ds.errors.track(detail)
}

// TrackIncomplete records a record that could not be given a data source.
func (r *BulkLoadResult) TrackIncomplete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.start()
	r.recordCount++
	r.incomplete++
	r.missingDataSource++
}

// FailureCount returns failed plus incomplete records.
func (r *BulkLoadResult) FailureCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed + r.incomplete
}

// Counts returns the loaded, failed and incomplete tallies.
func (r *BulkLoadResult) Counts() (loaded, failed, incomplete int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded, r.failed, r.incomplete
}

// Status returns the current status.
func (r *BulkLoadResult) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus moves the result to s. Terminal states are final.
func (r *BulkLoadResult) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = s
}

// SetCharacterEncoding records the detected encoding.
func (r *BulkLoadResult) SetCharacterEncoding(enc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.characterEncoding = enc
}

// SetMediaType records the detected media type.
func (r *BulkLoadResult) SetMediaType(mediaType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mediaType = mediaType
}

// DataSourceLoadView is the JSON view of one data source's tally.
type DataSourceLoadView struct {
	DataSource            null.String `json:"dataSource"`
	RecordCount           int64       `json:"recordCount"`
	LoadedRecordCount     int64       `json:"loadedRecordCount"`
	IncompleteRecordCount int64       `json:"incompleteRecordCount"`
	FailedRecordCount     int64       `json:"failedRecordCount"`
	TopErrors             []LoadError `json:"topErrors"`
}

// LoadResultView is the JSON view of a BulkLoadResult.
type LoadResultView struct {
	Status                 Status               `json:"status"`
	CharacterEncoding      null.String          `json:"characterEncoding"`
	MediaType              null.String          `json:"mediaType"`
	RecordCount            int64                `json:"recordCount"`
	LoadedRecordCount      int64                `json:"loadedRecordCount"`
	IncompleteRecordCount  int64                `json:"incompleteRecordCount"`
	FailedRecordCount      int64                `json:"failedRecordCount"`
	MissingDataSourceCount int64                `json:"missingDataSourceCount"`
	TopErrors              []LoadError          `json:"topErrors"`
	ResultsByDataSource    []DataSourceLoadView `json:"resultsByDataSource"`
}

// Snapshot returns a consistent copy of the result.
func (r *BulkLoadResult) Snapshot() LoadResultView {
	r.mu.Lock()
	defer r.mu.Unlock()

	view := LoadResultView{
		Status:                 r.status,
		CharacterEncoding:      null.NewString(r.characterEncoding, r.characterEncoding != ""),
		MediaType:              null.NewString(r.mediaType, r.mediaType != ""),
		RecordCount:            r.recordCount,
		LoadedRecordCount:      r.loaded,
		IncompleteRecordCount:  r.incomplete,
		FailedRecordCount:      r.failed,
		MissingDataSourceCount: r.missingDataSource,
		TopErrors:              r.errors.top(defaultTopErrCount),
		ResultsByDataSource:    make([]DataSourceLoadView, 0, len(r.byDataSource)),
	}
	for code, ds := range r.byDataSource {
		view.ResultsByDataSource = append(view.ResultsByDataSource, DataSourceLoadView{
			DataSource:            null.NewString(code, code != ""),
			RecordCount:           ds.recordCount,
			LoadedRecordCount:     ds.loaded,
			IncompleteRecordCount: ds.incomplete,
			FailedRecordCount:     ds.failed,
			TopErrors:             ds.errors.top(defaultTopErrCount),
		})
	}
	sort.Slice(view.ResultsByDataSource, func(i, j int) bool {
		a, b := view.ResultsByDataSource[i], view.ResultsByDataSource[j]
		if a.RecordCount != b.RecordCount {
			return a.RecordCount < b.RecordCount
		}
		if a.LoadedRecordCount != b.LoadedRecordCount {
			return a.LoadedRecordCount < b.LoadedRecordCount
		}
		if a.FailedRecordCount != b.FailedRecordCount {
			return a.FailedRecordCount < b.FailedRecordCount
		}
		return lessDataSource(a.DataSource, b.DataSource)
	})
	return view
}

// MarshalJSON renders the current snapshot.
func (r *BulkLoadResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// lessDataSource orders a missing data source before any named one.
func lessDataSource(a, b null.String) bool {
	if a.Valid != b.Valid {
		return !a.Valid
	}
	return a.String < b.String
}
