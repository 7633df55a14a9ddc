package handler

import (
	"io"
	"sync"
	"time"

	"bulkload/application/bulkdata/domain"
	"bulkload/internal/progress"
	"bulkload/internal/stream"
	"bulkload/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// textMediaType is assumed for uploads sent as WebSocket text frames.
const textMediaType = "text/plain; charset=utf-8"

// closeCode maps an operation error to a WebSocket close status.
func closeCode(err error) int {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure
	case domain.IsBadRequest(err):
		return websocket.CloseProtocolError
	default:
		return websocket.CloseInternalServerErr
	}
}

// serveWebSocket upgrades the request and feeds every received frame into
// op. The upload ends when the client stays silent for the eofSendTimeout
// window or closes the session.
//
// Architecture:
//   - A reader goroutine relays frames into a stream.Upload
//   - The upload runs op on its own goroutine once the first frame arrives
//   - This goroutine waits for op (or for the reader to give up), sends the
//     terminal messages and closes the session
func (h *Handler) serveWebSocket(c *gin.Context, prm params, paramErr error, op operation) {
	log := middleware.Logger(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Info("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	c.Abort()

	sink := progress.NewWebSocketSink(conn)
	if paramErr != nil {
		_ = sink.CloseWith(closeCode(paramErr), paramErr.Error())
		return
	}

	state := progress.NewState(time.Now())
	ctx := c.Request.Context()

	var (
		mu        sync.Mutex
		mediaType string
		view      interface{}
		opErr     error
		lateErr   error
	)
	upload := stream.NewUpload(stream.UploadConfig{
		PipeSize:    h.cfg.PipeSize,
		IdleTimeout: prm.eofSendTimeout,
	}, func(r io.Reader) error {
		mu.Lock()
		declared := mediaType
		mu.Unlock()

		v, err := op(ctx, domain.Upload{Body: r, MediaType: declared}, &domain.Progress{
			Sink:   sink,
			State:  state,
			Period: prm.progressPeriod,
		})

		mu.Lock()
		view, opErr = v, err
		mu.Unlock()
		return nil
	})

	var g errgroup.Group
	readerDone := make(chan struct{})
	g.Go(func() error {
		defer close(readerDone)
		for {
			msgType, r, err := conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || sink.Closed() {
					upload.ClientClosed()
				} else {
					upload.Fail(errors.Wrap(err, "websocket read"))
				}
				return nil
			}

			if !upload.Started() && msgType == websocket.TextMessage {
				mu.Lock()
				mediaType = textMediaType
				mu.Unlock()
			}
			if _, err := upload.ReadFrom(r); err != nil {
				if errors.Is(err, stream.ErrUploadClosed) {
					err = errors.Wrapf(err, "frame received after upload ended (%s)", upload.Reason())
					mu.Lock()
					lateErr = err
					mu.Unlock()
				}
				upload.Fail(err)
				return nil
			}
		}
	})

	select {
	case <-upload.Done():
	case <-readerDone:
	}
	started := upload.Started()
	if err := upload.Close(); err != nil {
		log.Warn("Upload consumer failed", zap.Error(err))
	}

	mu.Lock()
	finalView, finalErr, frameErr := view, opErr, lateErr
	mu.Unlock()

	switch {
	case frameErr != nil:
		log.Warn("WebSocket upload failed", zap.Error(frameErr))
		_ = sink.CloseWith(closeCode(frameErr), frameErr.Error())
	case !started:
		// the session ended before any record arrived
		_ = sink.CloseWith(websocket.CloseNormalClosure, "")
	case finalView == nil && finalErr != nil:
		_ = sink.CloseWith(closeCode(finalErr), finalErr.Error())
	default:
		if err := finish(sink, state, finalView, finalErr); err != nil {
			log.Debug("Failed to deliver final message", zap.Error(err))
		}
		reason := ""
		if finalErr != nil {
			reason = finalErr.Error()
		}
		_ = sink.CloseWith(closeCode(finalErr), reason)
	}

	// unblock the reader and join it
	conn.Close()
	_ = g.Wait()
}
