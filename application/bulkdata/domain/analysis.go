package domain

import (
	"sort"
	"strings"
	"sync"

	"github.com/guregu/null/v5"
	json "github.com/json-iterator/go"
)

type dataSourceAnalysis struct {
	recordCount     int64
	withRecordCount int64
}

// BulkDataAnalysis accumulates statistics about an uploaded record set
// without loading it. It is safe for concurrent use.
type BulkDataAnalysis struct {
	mu sync.Mutex

	status            Status
	characterEncoding string
	mediaType         string

	recordCount    int64
	withRecordID   int64
	withDataSource int64

	byDataSource map[string]*dataSourceAnalysis
}

// NewBulkDataAnalysis returns an empty NOT_STARTED analysis.
func NewBulkDataAnalysis() *BulkDataAnalysis {
	return &BulkDataAnalysis{
		status:       StatusNotStarted,
		byDataSource: make(map[string]*dataSourceAnalysis),
	}
}

// TrackRecord tallies one record. A blank dataSource counts as missing and
// a blank recordID as absent.
func (a *BulkDataAnalysis) TrackRecord(dataSource, recordID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == StatusNotStarted {
		a.status = StatusInProgress
	}

	dataSource = strings.TrimSpace(dataSource)
	hasID := strings.TrimSpace(recordID) != ""

	a.recordCount++
	if hasID {
		a.withRecordID++
	}
	if dataSource != "" {
		a.withDataSource++
	}

	ds, ok := a.byDataSource[dataSource]
	if !ok {
		ds = &dataSourceAnalysis{}
		a.byDataSource[dataSource] = ds
	}
	ds.recordCount++
	if hasID {
		ds.withRecordCount++
	}
}

// RecordCount returns the number of tracked records.
func (a *BulkDataAnalysis) RecordCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recordCount
}

func (a *BulkDataAnalysis) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetStatus moves the analysis to s. Terminal states are final.
func (a *BulkDataAnalysis) SetStatus(s Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Terminal() {
		return
	}
	a.status = s
}

func (a *BulkDataAnalysis) SetCharacterEncoding(enc string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.characterEncoding = enc
}

func (a *BulkDataAnalysis) SetMediaType(mediaType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mediaType = mediaType
}

// DataSourceAnalysisView is the JSON view of one data source's statistics.
type DataSourceAnalysisView struct {
	DataSource               null.String `json:"dataSource"`
	RecordCount              int64       `json:"recordCount"`
	RecordsWithRecordIDCount int64       `json:"recordsWithRecordIdCount"`
}

// AnalysisView is the JSON view of a BulkDataAnalysis.
type AnalysisView struct {
	Status                     Status                   `json:"status"`
	CharacterEncoding          null.String              `json:"characterEncoding"`
	MediaType                  null.String              `json:"mediaType"`
	RecordCount                int64                    `json:"recordCount"`
	RecordsWithRecordIDCount   int64                    `json:"recordsWithRecordIdCount"`
	RecordsWithDataSourceCount int64                    `json:"recordsWithDataSourceCount"`
	AnalysisByDataSource       []DataSourceAnalysisView `json:"analysisByDataSource"`
}

// Snapshot returns a consistent copy of the analysis.
func (a *BulkDataAnalysis) Snapshot() AnalysisView {
	a.mu.Lock()
	defer a.mu.Unlock()

	view := AnalysisView{
		Status:                     a.status,
		CharacterEncoding:          null.NewString(a.characterEncoding, a.characterEncoding != ""),
		MediaType:                  null.NewString(a.mediaType, a.mediaType != ""),
		RecordCount:                a.recordCount,
		RecordsWithRecordIDCount:   a.withRecordID,
		RecordsWithDataSourceCount: a.withDataSource,
		AnalysisByDataSource:       make([]DataSourceAnalysisView, 0, len(a.byDataSource)),
	}
	for code, ds := range a.byDataSource {
		view.AnalysisByDataSource = append(view.AnalysisByDataSource, DataSourceAnalysisView{
			DataSource:               null.NewString(code, code != ""),
			RecordCount:              ds.recordCount,
			RecordsWithRecordIDCount: ds.withRecordCount,
		})
	}
	sort.Slice(view.AnalysisByDataSource, func(i, j int) bool {
		x, y := view.AnalysisByDataSource[i], view.AnalysisByDataSource[j]
		if x.RecordCount != y.RecordCount {
			return x.RecordCount < y.RecordCount
		}
		if x.RecordsWithRecordIDCount != y.RecordsWithRecordIDCount {
			return x.RecordsWithRecordIDCount < y.RecordsWithRecordIDCount
		}
		return lessDataSource(x.DataSource, y.DataSource)
	})
	return view
}

func (a *BulkDataAnalysis) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Snapshot())
}
