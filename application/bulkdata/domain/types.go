package domain

import (
	"io"
	"strings"
	"time"

	"bulkload/internal/progress"

	json "github.com/json-iterator/go"
)

// Status is the lifecycle state of a bulk operation.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusAborted    Status = "ABORTED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Operation names used in history and metrics.
const (
	OperationAnalyze = "analyze"
	OperationLoad    = "load"
)

// Upload is the raw body of a bulk operation.
type Upload struct {
	// Body yields the uploaded bytes. It is read exactly once.
	Body io.Reader

	// MediaType is the declared Content-Type, possibly empty.
	MediaType string

	// FileName is the multipart file name, if any.
	FileName string

	// FileDate is the file's modification date when the client sent one.
	FileDate time.Time
}

// Progress wires an operation to a live transport.
type Progress struct {
	Sink   progress.Sink
	State  *progress.State
	Period time.Duration
}

// AnalyzeRequest is the input of an analyze operation.
type AnalyzeRequest struct {
	Upload   Upload
	Progress *Progress
}

// LoadRequest is the input of a load operation.
type LoadRequest struct {
	Upload Upload

	// DataSource is the default data source for records without one.
	DataSource string

	// MapDataSources is a JSON object of source to target codes.
	MapDataSources string

	// MapDataSource holds delimited source/target pairs such as ":A:B".
	MapDataSource []string

	// LoadID overrides the generated load identifier.
	LoadID string

	// MaxFailures aborts the load once failed plus incomplete records
	// reach it. Zero or less disables the limit.
	MaxFailures int

	Progress *Progress
}

// NormalizeCode trims and upper-cases a data source code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LoadSummary is the persisted outcome of a bulk operation.
type LoadSummary struct {
	LoadID            string      `json:"loadId"`
	Operation         string      `json:"operation"`
	Status            Status      `json:"status"`
	CharacterEncoding string      `json:"characterEncoding,omitempty"`
	MediaType         string      `json:"mediaType,omitempty"`
	RecordCount       int64       `json:"recordCount"`
	LoadedCount       int64       `json:"loadedRecordCount"`
	FailedCount       int64       `json:"failedRecordCount"`
	IncompleteCount   int64       `json:"incompleteRecordCount"`
	ErrorMessage      string      `json:"errorMessage,omitempty"`
	Result            interface{} `json:"result,omitempty"`
	StartedAt         time.Time   `json:"startedAt"`
	FinishedAt        *time.Time  `json:"finishedAt,omitempty"`
}

// StoredRecord is a record read back from the engine's store.
type StoredRecord struct {
	DataSource string          `json:"dataSource"`
	RecordID   string          `json:"recordId"`
	LoadID     string          `json:"loadId"`
	Record     json.RawMessage `json:"record"`
}
