// Package stats persists per-connection traffic statistics of the proxy
// into SQLite or PostgreSQL.
package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Request/Response tracking
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error
	RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Summary aggregates everything recorded so far
	Summary(ctx context.Context) (*Summary, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// Summary holds aggregate counters
type Summary struct {
	TotalConnections  int64
	ActiveConnections int64
	TotalRequests     int64
	TotalErrors       int64
	BytesSent         int64
	BytesReceived     int64
}
