package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	keyRequestID = "requestId"
	keyVersion   = "version"
	keyStartTime = "start-time"
	keyLogger    = "logger"
	keySend      = "send"
	keyStream    = "sendStream"
)

func setResponseDefaults(r *Response) {
	if r.Message == "" {
		r.Message = "Success"
	}
	if r.Code == 0 {
		r.Code = http.StatusOK
	}
}

func logResponseError(c *gin.Context, r Response) {
	if r.Error == nil {
		return
	}

	log := Logger(c)
	if r.Code >= http.StatusInternalServerError {
		log.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Int("code", r.Code), zap.Error(r.Error))
		return
	}
	log.Info("Request rejected", zap.String("path", c.Request.URL.Path), zap.Int("code", r.Code), zap.Error(r.Error))
}

func getStartTime(c *gin.Context) time.Time {
	if value, exists := c.Get(keyStartTime); exists {
		if t, ok := value.(time.Time); ok {
			return t
		}
	}
	return time.Now()
}

func buildDebugInfo(c *gin.Context, r Response) *ResponseAPIDebug {
	startTime := getStartTime(c)
	endTime := time.Now()

	debug := &ResponseAPIDebug{
		Version:   c.GetString(keyVersion),
		StartTime: startTime,
		EndTime:   endTime,
		RuntimeMs: endTime.Sub(startTime).Milliseconds(),
	}
	if r.Error != nil {
		msg := r.Error.Error()
		debug.Error = &msg
	}
	return debug
}

func buildResponseAPI(c *gin.Context, r Response, shouldDebug bool) ResponseAPI {
	response := ResponseAPI{
		RequestID: c.GetString(keyRequestID),
		Message:   r.Message,
		Data:      r.Data,
	}

	if shouldDebug {
		response.Debug = buildDebugInfo(c, r)
	}

	return response
}

func send(c *gin.Context, shouldDebug bool) func(r Response) {
	return func(r Response) {
		setResponseDefaults(&r)
		logResponseError(c, r)
		response := buildResponseAPI(c, r, shouldDebug)

		c.Abort()
		c.JSON(r.Code, response)
	}
}

// Send returns the response writer installed by ResponseInit.
func Send(c *gin.Context) func(Response) {
	return c.MustGet(keySend).(func(Response))
}

// Logger returns the request-scoped logger, or a no-op logger outside
// RequestInit.
func Logger(c *gin.Context) *zap.Logger {
	if value, exists := c.Get(keyLogger); exists {
		if log, ok := value.(*zap.Logger); ok {
			return log
		}
	}
	return zap.NewNop()
}

// RequestID returns the id assigned by RequestInit.
func RequestID(c *gin.Context) string {
	return c.GetString(keyRequestID)
}

// sendStream writes every chunk as it arrives. A failure before the first
// chunk is answered with the regular envelope; a later one cuts the body short.
func sendStream(c *gin.Context, shouldDebug bool) func(r StreamResponse) {
	return func(r StreamResponse) {
		if r.Code == 0 {
			r.Code = http.StatusOK
		}
		log := Logger(c)
		written := false

		for chunk := range r.Chunks {
			if chunk.Err != nil {
				if !written {
					send(c, shouldDebug)(Response{
						Code:    http.StatusInternalServerError,
						Message: "Stream failed",
						Error:   chunk.Err,
					})
				} else {
					log.Error("Stream failed", zap.String("path", c.Request.URL.Path), zap.Error(chunk.Err))
				}
				continue
			}

			if !written {
				c.Header("Content-Type", "application/json; charset=utf-8")
				c.Status(r.Code)
				written = true
			}
			_, err := c.Writer.Write(chunk.Bytes())
			chunk.Release()
			if err != nil {
				log.Info("Stream client went away", zap.Error(err))
				continue
			}
			c.Writer.Flush()
		}

		if shouldDebug {
			log.Debug("Stream completed",
				zap.Int64("runtime_ms", time.Since(getStartTime(c)).Milliseconds()),
				zap.Int("bytes", c.Writer.Size()),
			)
		}
		c.Abort()
	}
}

// SendStream returns the stream writer installed by ResponseInit.
func SendStream(c *gin.Context) func(StreamResponse) {
	return c.MustGet(keyStream).(func(StreamResponse))
}

func RequestInit(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		requestID := uuid.New().String()
		c.Set(keyRequestID, requestID)
		version := c.Request.Header.Get(keyVersion)
		if version == "" {
			version = "1.0.0"
		}
		c.Set(keyVersion, version)
		c.Set(keyStartTime, time.Now())
		c.Set(keyLogger, log.With(zap.String("request_id", requestID)))
		c.Next()
	}
}

// AccessLog logs one line per finished request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		Logger(c).Debug("Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("runtime_ms", time.Since(getStartTime(c)).Milliseconds()),
		)
	}
}

func ResponseInit() gin.HandlerFunc {
	return func(c *gin.Context) {
		shouldDebug := gin.Mode() == gin.DebugMode
		c.Set(keySend, send(c, shouldDebug))
		c.Set(keyStream, sendStream(c, shouldDebug))
		c.Next()
	}
}
