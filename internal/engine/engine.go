// Package engine defines the record ingestion contract and a SQL-backed
// implementation of it.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Engine error codes.
const (
	CodeUnknownDataSource = "UNKNOWN_DATA_SOURCE"
	CodeInvalidRecord     = "INVALID_RECORD"
	CodeStorageFailure    = "STORAGE_FAILURE"
	CodeUnavailable       = "ENGINE_UNAVAILABLE"
)

// IngestRequest is one record handed to the engine.
type IngestRequest struct {
	DataSource string
	RecordID   string
	RecordJSON string
	LoadID     string
	WithInfo   bool
}

// IngestResult is the outcome of a successful ingest.
type IngestResult struct {
	DataSource string
	RecordID   string
	// Info is the engine's description of what changed, set only when
	// requested.
	Info string
}

// Engine ingests records. Implementations must be safe for concurrent use.
type Engine interface {
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)
}

// Error is a failure reported by the engine for one record.
type Error struct {
	Code    string
	Message string
}

// NewError creates an engine error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError extracts the engine error from err. Errors that did not come from
// an engine are reported with CodeUnavailable.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return &Error{Code: CodeUnavailable, Message: err.Error()}
}

// Observer receives the duration and outcome of every ingest.
type Observer func(dataSource string, elapsed time.Duration, err error)

type observed struct {
	next    Engine
	observe Observer
}

// WithObserver wraps e so that every call is reported to observe.
func WithObserver(e Engine, observe Observer) Engine {
	if observe == nil {
		return e
	}
	return &observed{next: e, observe: observe}
}

func (o *observed) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	start := time.Now()
	res, err := o.next.Ingest(ctx, req)
	o.observe(req.DataSource, time.Since(start), err)
	return res, err
}
