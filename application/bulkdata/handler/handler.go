package handler

import (
	"context"
	"net/http"
	"time"

	"bulkload/application/bulkdata/domain"
	"bulkload/internal/progress"
	"bulkload/internal/stream"
	"bulkload/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Config holds the transport defaults.
type Config struct {
	// ProgressPeriod is used when a request has no progressPeriod.
	ProgressPeriod time.Duration

	// EOFSendTimeout is used when a WebSocket request has no eofSendTimeout.
	EOFSendTimeout time.Duration

	// PipeSize bounds the bytes buffered between a WebSocket and the pipeline.
	PipeSize int
}

// Handler serves the bulk data endpoints
type Handler struct {
	svc      domain.Service
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandler creates a new Handler instance
func NewHandler(svc domain.Service, cfg Config) *Handler {
	if cfg.ProgressPeriod < 0 {
		cfg.ProgressPeriod = progress.DefaultPeriod
	}
	if cfg.EOFSendTimeout <= 0 {
		cfg.EOFSendTimeout = stream.DefaultIdleTimeout
	}
	if cfg.PipeSize <= 0 {
		cfg.PipeSize = stream.DefaultPipeSize
	}
	return &Handler{
		svc: svc,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
}

// RegisterRoutes registers all routes for this handler
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	bulk := api.Group("/bulk-data")
	{
		bulk.POST("/analyze", h.Analyze)
		bulk.GET("/analyze", h.AnalyzeWebSocket)
		bulk.POST("/load", h.Load)
		bulk.GET("/load", h.LoadWebSocket)
		bulk.GET("/loads", h.ListLoads)
		bulk.GET("/loads/:loadId", h.GetLoad)
		bulk.GET("/loads/:loadId/records", h.GetLoadRecords)
	}

	sources := api.Group("/data-sources")
	{
		sources.GET("", h.ListDataSources)
		sources.POST("", h.AddDataSources)
	}
}

// operation runs one bulk request. The returned view is nil when the
// operation never started reading records.
type operation func(ctx context.Context, up domain.Upload, p *domain.Progress) (interface{}, error)

func (h *Handler) analyzeOperation() operation {
	return func(ctx context.Context, up domain.Upload, p *domain.Progress) (interface{}, error) {
		analysis, err := h.svc.Analyze(ctx, &domain.AnalyzeRequest{Upload: up, Progress: p})
		if analysis == nil {
			return nil, err
		}
		return analysis.Snapshot(), err
	}
}

func (h *Handler) loadOperation(prm params) operation {
	return func(ctx context.Context, up domain.Upload, p *domain.Progress) (interface{}, error) {
		result, err := h.svc.Load(ctx, &domain.LoadRequest{
			Upload:         up,
			DataSource:     prm.dataSource,
			MapDataSources: prm.mapDataSources,
			MapDataSource:  prm.mapDataSource,
			LoadID:         prm.loadID,
			MaxFailures:    prm.maxFailures,
			Progress:       p,
		})
		if result == nil {
			return nil, err
		}
		return result.Snapshot(), err
	}
}

// Analyze handles POST /bulk-data/analyze
func (h *Handler) Analyze(c *gin.Context) {
	prm, err := h.parseParams(c)
	if err != nil {
		sendError(c, "Invalid parameters", err)
		return
	}
	h.serveHTTP(c, prm, h.analyzeOperation())
}

// Load handles POST /bulk-data/load
func (h *Handler) Load(c *gin.Context) {
	prm, err := h.parseParams(c)
	if err != nil {
		sendError(c, "Invalid parameters", err)
		return
	}
	h.serveHTTP(c, prm, h.loadOperation(prm))
}

// AnalyzeWebSocket handles GET /bulk-data/analyze
func (h *Handler) AnalyzeWebSocket(c *gin.Context) {
	prm, err := h.parseParams(c)
	h.serveWebSocket(c, prm, err, h.analyzeOperation())
}

// LoadWebSocket handles GET /bulk-data/load
func (h *Handler) LoadWebSocket(c *gin.Context) {
	prm, err := h.parseParams(c)
	h.serveWebSocket(c, prm, err, h.loadOperation(prm))
}

// serveHTTP runs op on the request body and answers with one JSON document,
// or with an event stream when the client accepts one.
func (h *Handler) serveHTTP(c *gin.Context, prm params, op operation) {
	up, err := requestUpload(c)
	if err != nil {
		sendError(c, "Invalid upload", err)
		return
	}

	if wantsEventStream(c) {
		h.serveEventStream(c, prm, up, op)
		return
	}

	view, err := op(c.Request.Context(), up, nil)
	if err != nil {
		middleware.Send(c)(middleware.Response{
			Code:    domain.StatusOf(err),
			Message: "Bulk operation failed",
			Error:   err,
			Data:    view,
		})
		return
	}
	middleware.Send(c)(middleware.Response{
		Code:    http.StatusOK,
		Message: "Bulk operation completed",
		Data:    view,
	})
}

// ListLoads handles GET /bulk-data/loads
//
// Query parameters: status (repeatable or comma separated), operation,
// since and until (RFC 3339), orderBy ("field,direction"), limit and offset.
func (h *Handler) ListLoads(c *gin.Context) {
	q, err := historyQuery(c)
	if err != nil {
		sendError(c, "Invalid parameters", err)
		return
	}

	loads, err := h.svc.History(c.Request.Context(), q)
	if err != nil {
		sendError(c, "Failed to list loads", err)
		return
	}
	if loads == nil {
		loads = []domain.LoadSummary{}
	}
	middleware.Send(c)(middleware.Response{Data: loads})
}

// GetLoad handles GET /bulk-data/loads/:loadId
func (h *Handler) GetLoad(c *gin.Context) {
	summary, err := h.svc.LoadSummary(c.Request.Context(), c.Param("loadId"))
	if errors.Is(err, domain.ErrLoadNotFound) {
		middleware.Send(c)(middleware.Response{Code: http.StatusNotFound, Message: "Load not found", Error: err})
		return
	}
	if err != nil {
		sendError(c, "Failed to get load", err)
		return
	}
	middleware.Send(c)(middleware.Response{Data: summary})
}

// GetLoadRecords handles GET /bulk-data/loads/:loadId/records
func (h *Handler) GetLoadRecords(c *gin.Context) {
	chunks, err := h.svc.LoadRecords(c.Request.Context(), c.Param("loadId"))
	if errors.Is(err, domain.ErrLoadNotFound) {
		middleware.Send(c)(middleware.Response{Code: http.StatusNotFound, Message: "Load not found", Error: err})
		return
	}
	if err != nil {
		sendError(c, "Failed to export records", err)
		return
	}
	middleware.SendStream(c)(middleware.StreamResponse{Chunks: chunks})
}

type dataSourcesPayload struct {
	DataSources []string `json:"dataSources"`
}

// ListDataSources handles GET /data-sources
func (h *Handler) ListDataSources(c *gin.Context) {
	list, err := h.svc.DataSources(c.Request.Context())
	if err != nil {
		sendError(c, "Failed to list data sources", err)
		return
	}
	if list == nil {
		list = []string{}
	}
	middleware.Send(c)(middleware.Response{Data: dataSourcesPayload{DataSources: list}})
}

// AddDataSources handles POST /data-sources. Codes come from a JSON body or
// from repeated dataSource query parameters.
func (h *Handler) AddDataSources(c *gin.Context) {
	var payload dataSourcesPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			sendError(c, "Invalid payload", domain.BadRequest(err))
			return
		}
	}
	payload.DataSources = append(payload.DataSources, c.QueryArray("dataSource")...)

	list, err := h.svc.AddDataSources(c.Request.Context(), payload.DataSources)
	if err != nil {
		sendError(c, "Failed to add data sources", err)
		return
	}
	middleware.Send(c)(middleware.Response{Data: dataSourcesPayload{DataSources: list}})
}

func sendError(c *gin.Context, message string, err error) {
	middleware.Send(c)(middleware.Response{
		Code:    domain.StatusOf(err),
		Message: message,
		Error:   err,
	})
}
