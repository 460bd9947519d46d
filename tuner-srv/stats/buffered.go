package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/tuner/tuner-srv/logger"
)

// BufferedCollector queues writes in memory and flushes them to the
// underlying collector every interval. Connection starts go through
// immediately because their IDs come from the database.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	mu            sync.Mutex
	endings       []connectionEnd
	httpRequests  []httpRequestData
	httpResponses []httpResponseData
	errors        []errorData

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type connectionEnd struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
	duration      time.Duration
	closeReason   string
}

type httpRequestData struct {
	connectionID  int64
	method        string
	url           string
	host          string
	userAgent     string
	contentLength int64
}

type httpResponseData struct {
	connectionID  int64
	statusCode    int
	contentLength int64
}

type errorData struct {
	connectionID int64
	errorType    string
	errorMessage string
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
	bc.wg.Add(1)
	go bc.flusher()
	return bc
}

func (b *BufferedCollector) flusher() {
	defer b.wg.Done()
	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.stopChan:
			b.Flush(context.Background())
			return
		}
	}
}

// Flush writes everything queued so far. Requests go before responses
// and errors, connection endings last.
func (b *BufferedCollector) Flush(ctx context.Context) {
	b.mu.Lock()
	requests, responses, errs, endings := b.httpRequests, b.httpResponses, b.errors, b.endings
	b.httpRequests, b.httpResponses, b.errors, b.endings = nil, nil, nil, nil
	b.mu.Unlock()

	failed := 0
	for _, r := range requests {
		if err := b.underlying.RecordHTTPRequest(ctx, r.connectionID, r.method, r.url, r.host, r.userAgent, r.contentLength); err != nil {
			failed++
		}
	}
	for _, r := range responses {
		if err := b.underlying.RecordHTTPResponse(ctx, r.connectionID, r.statusCode, r.contentLength); err != nil {
			failed++
		}
	}
	for _, e := range errs {
		if err := b.underlying.RecordError(ctx, e.connectionID, e.errorType, e.errorMessage); err != nil {
			failed++
		}
	}
	for _, e := range endings {
		if err := b.underlying.EndConnection(ctx, e.connectionID, e.bytesSent, e.bytesReceived, e.duration, e.closeReason); err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("Failed to flush %d stats record(s)", failed)
	}
	if n := len(requests) + len(responses) + len(errs) + len(endings); n > 0 {
		logger.Trace("Flushed %d stats record(s)", n)
	}
}

// StartConnection records the start of a connection
func (b *BufferedCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return b.underlying.StartConnection(ctx, connectionUUID, clientIP, targetHost, targetPort, protocol)
}

// EndConnection records the end of a connection
func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endings = append(b.endings, connectionEnd{connectionID, bytesSent, bytesReceived, duration, closeReason})
	return nil
}

// RecordHTTPRequest records an HTTP request
func (b *BufferedCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.httpRequests = append(b.httpRequests, httpRequestData{connectionID, method, url, host, userAgent, contentLength})
	return nil
}

// RecordHTTPResponse records an HTTP response
func (b *BufferedCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.httpResponses = append(b.httpResponses, httpResponseData{connectionID, statusCode, contentLength})
	return nil
}

// RecordError records an error
func (b *BufferedCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors = append(b.errors, errorData{connectionID, errorType, errorMessage})
	return nil
}

// Summary flushes pending records so the numbers are current.
func (b *BufferedCollector) Summary(ctx context.Context) (*Summary, error) {
	b.Flush(ctx)
	return b.underlying.Summary(ctx)
}

// HealthCheck checks the underlying collector
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close stops the flusher, writes what is left and closes the underlying
// collector.
func (b *BufferedCollector) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		err = b.underlying.Close()
	})
	return err
}
