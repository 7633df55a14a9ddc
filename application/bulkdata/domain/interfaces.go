package domain

import (
	"context"

	"bulkload/internal/stream"
)

// DataSourceRepository defines the registry of known data sources
type DataSourceRepository interface {
	// Exists reports whether the normalized code is registered
	Exists(ctx context.Context, code string) (bool, error)

	// List returns every registered code in order
	List(ctx context.Context) ([]string, error)

	// Add registers codes, ignoring those already present
	Add(ctx context.Context, codes ...string) error
}

// HistoryRepository defines persistence of finished operations
type HistoryRepository interface {
	// Save stores or replaces the summary for its load ID
	Save(ctx context.Context, summary *LoadSummary) error

	// List returns the summaries selected by a validated query
	List(ctx context.Context, q HistoryQuery) ([]LoadSummary, error)

	// Get returns the summary for loadID, or ErrLoadNotFound
	Get(ctx context.Context, loadID string) (*LoadSummary, error)
}

// RecordRepository reads back records stored by the engine
type RecordRepository interface {
	// ByLoad streams the records stored by one load, in insertion order
	ByLoad(ctx context.Context, loadID string) (stream.Fetcher[StoredRecord], error)
}

// Service defines the bulk data operations
type Service interface {
	// Analyze reads every record of the upload and reports statistics
	Analyze(ctx context.Context, req *AnalyzeRequest) (*BulkDataAnalysis, error)

	// Load sends every record of the upload to the engine
	Load(ctx context.Context, req *LoadRequest) (*BulkLoadResult, error)

	// DataSources returns the registered data sources
	DataSources(ctx context.Context) ([]string, error)

	// AddDataSources registers new data sources
	AddDataSources(ctx context.Context, codes []string) ([]string, error)

	// History returns operation summaries, newest first unless q sorts otherwise
	History(ctx context.Context, q HistoryQuery) ([]LoadSummary, error)

	// LoadSummary returns the summary of one operation
	LoadSummary(ctx context.Context, loadID string) (*LoadSummary, error)

	// LoadRecords streams the records of one load as a chunked JSON array
	LoadRecords(ctx context.Context, loadID string) (<-chan stream.Chunk, error)
}
