package domain

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/pkg/errors"
)

// ErrLoadNotFound is returned when no history exists for a load ID.
var ErrLoadNotFound = errors.New("load not found")

// RequestError carries the HTTP status an error should be reported with.
type RequestError struct {
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// BadRequest wraps err as a client error.
func BadRequest(err error) error {
	if err == nil {
		return nil
	}
	return &RequestError{Status: http.StatusBadRequest, Err: err}
}

// BadRequestf formats a client error.
func BadRequestf(format string, args ...interface{}) error {
	return BadRequest(fmt.Errorf(format, args...))
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status
	}
	return http.StatusInternalServerError
}

// IsBadRequest reports whether err is a client error.
func IsBadRequest(err error) bool {
	return err != nil && StatusOf(err) == http.StatusBadRequest
}

const (
	maxTrackedErrors   = 1000
	trackedErrorTrim   = maxTrackedErrors / 2
	defaultTopErrCount = 20
)

// ErrorDetail is an engine error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LoadError is a distinct error together with how often it happened.
type LoadError struct {
	Error           ErrorDetail `json:"error"`
	OccurrenceCount int64       `json:"occurrenceCount"`
}

type trackedError struct {
	detail    ErrorDetail
	count     int64
	firstSeen int64
}

// errorTracker keeps the most frequent distinct errors. Once it holds
// maxTrackedErrors entries it drops all but the trackedErrorTrim most
// frequent ones. Not safe for concurrent use.
type errorTracker struct {
	errors map[ErrorDetail]*trackedError
	seq    int64
}

func newErrorTracker() *errorTracker {
	return &errorTracker{errors: make(map[ErrorDetail]*trackedError)}
}

func (t *errorTracker) track(detail ErrorDetail) {
	te, ok := t.errors[detail]
	if !ok {
		t.seq++
		te = &trackedError{detail: detail, firstSeen: t.seq}
		t.errors[detail] = te
	}
	te.count++

	if len(t.errors) >= maxTrackedErrors {
		for _, stale := range t.sorted()[trackedErrorTrim:] {
			delete(t.errors, stale.detail)
		}
	}
}

// sorted orders errors by occurrence count descending, then by first
// occurrence, then by code and message.
func (t *errorTracker) sorted() []*trackedError {
	list := make([]*trackedError, 0, len(t.errors))
	for _, te := range t.errors {
		list = append(list, te)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.count != b.count {
			return a.count > b.count
		}
		if a.firstSeen != b.firstSeen {
			return a.firstSeen < b.firstSeen
		}
		if a.detail.Code != b.detail.Code {
			return a.detail.Code < b.detail.Code
		}
		return a.detail.Message < b.detail.Message
	})
	return list
}

func (t *errorTracker) top(n int) []LoadError {
	list := t.sorted()
	if len(list) > n {
		list = list[:n]
	}
	out := make([]LoadError, 0, len(list))
	for _, te := range list {
		out = append(out, LoadError{Error: te.detail, OccurrenceCount: te.count})
	}
	return out
}
