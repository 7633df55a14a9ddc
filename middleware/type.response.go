package middleware

import (
	"time"

	"bulkload/internal/stream"
)

type Response struct {
	Data    any
	Message string
	Code    int
	Error   error
}

type ResponseAPIDebug struct {
	Version   string    `json:"version"`
	Error     *string   `json:"error"`
	StartTime time.Time `json:"startTime"` // ISO8601 format, e.g., "2025-01-09T15:04:05Z07:00"
	EndTime   time.Time `json:"endTime"`
	RuntimeMs int64     `json:"runtimeMs"`
}

type ResponseAPI struct {
	RequestID string            `json:"requestId"`
	Data      any               `json:"data"`
	Message   string            `json:"message"`
	Debug     *ResponseAPIDebug `json:"debug,omitempty"`
}

// StreamResponse is a JSON body delivered in chunks
type StreamResponse struct {
	Code   int
	Chunks <-chan stream.Chunk
}
