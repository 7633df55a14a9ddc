package health

import (
	"net/http"
	"time"

	"bulkload/internal/progress"
	"bulkload/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{svc: service}
}

func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	health := api.Group("/health")
	{
		health.GET("", h.HealthCheck)
		health.GET("/stream", h.HealthCheckStream)
	}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	send := middleware.Send(c)

	response, err := h.svc.CheckHealth()
	if err != nil {
		send(middleware.Response{
			Code:    http.StatusServiceUnavailable,
			Message: "Health check failed",
			Error:   err,
			Data:    response,
		})
		return
	}

	send(middleware.Response{
		Code:    http.StatusOK,
		Message: "Health check completed",
		Data:    response,
	})
}

// HealthCheckStream reports health as a single server-sent event, which lets
// clients verify that event streams pass through their proxies.
func (h *Handler) HealthCheckStream(c *gin.Context) {
	response, err := h.svc.CheckHealth()
	kind := progress.EventCompleted
	if err != nil {
		kind = progress.EventFailed
	}

	sink := progress.NewSSESink(c.Writer)
	state := progress.NewState(time.Now())
	if err := sink.Send(progress.Event{ID: state.NextEventID(time.Now()), Kind: kind, Data: response}); err != nil {
		middleware.Send(c)(middleware.Response{Code: http.StatusInternalServerError, Message: "Health stream failed", Error: err})
		return
	}
	sink.Close()
	c.Abort()
}
