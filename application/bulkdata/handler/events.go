package handler

import (
	"time"

	"bulkload/application/bulkdata/domain"
	"bulkload/internal/progress"
	"bulkload/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// failure is the payload of a failed event.
type failure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// finish delivers the terminal events of an operation that started.
//
// A completed operation gets one completed event. An aborted one gets a
// last progress event with the final counts followed by a failed event.
func finish(sink progress.Sink, state *progress.State, view interface{}, err error) error {
	if err == nil {
		return sink.Send(progress.Event{
			ID:   state.NextEventID(time.Now()),
			Kind: progress.EventCompleted,
			Data: view,
		})
	}

	if view != nil {
		if sendErr := sink.Send(progress.Event{
			ID:   state.NextEventID(time.Now()),
			Kind: progress.EventProgress,
			Data: view,
		}); sendErr != nil {
			return sendErr
		}
	}
	return sink.Send(progress.Event{
		ID:   state.NextEventID(time.Now()),
		Kind: progress.EventFailed,
		Data: failure{Code: domain.StatusOf(err), Message: err.Error()},
	})
}

// serveEventStream runs op with progress delivered as server-sent events.
// Errors raised before the first event are answered as plain JSON.
func (h *Handler) serveEventStream(c *gin.Context, prm params, up domain.Upload, op operation) {
	sink := progress.NewSSESink(c.Writer)
	state := progress.NewState(time.Now())

	view, err := op(c.Request.Context(), up, &domain.Progress{
		Sink:   sink,
		State:  state,
		Period: prm.progressPeriod,
	})
	if view == nil && err != nil && !sink.Started() {
		sendError(c, "Bulk operation failed", err)
		return
	}

	if sendErr := finish(sink, state, view, err); sendErr != nil {
		middleware.Logger(c).Warn("Failed to deliver final event", zap.Error(sendErr))
	}
	sink.Close()
	c.Abort()
}
