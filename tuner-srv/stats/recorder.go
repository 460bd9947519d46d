package stats

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/observer"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
)

const recorderQueueSize = 1024

// Recorder feeds proxy lifecycle events into a Collector. Events are
// queued and written by one goroutine so the proxy never waits on the
// database; when the queue is full events are dropped.
type Recorder struct {
	collector Collector
	queue     chan func(ctx context.Context)
	done      chan struct{}

	mu     sync.RWMutex
	closed bool

	// connections maps event IDs to collector connection IDs. Only the
	// worker goroutine touches it.
	connections map[string]openConnection
}

type openConnection struct {
	id      int64
	started time.Time
}

var _ observer.Observer = (*Recorder)(nil)

// NewRecorder starts a recorder writing to c.
func NewRecorder(c Collector) *Recorder {
	r := &Recorder{
		collector:   c,
		queue:       make(chan func(ctx context.Context), recorderQueueSize),
		done:        make(chan struct{}),
		connections: make(map[string]openConnection),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for fn := range r.queue {
		fn(ctx)
	}
}

func (r *Recorder) enqueue(fn func(ctx context.Context)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- fn:
	default:
		logger.Warn("Stats queue full, dropping event")
	}
}

func (r *Recorder) RequestBegin(ev observer.Event) {
	r.enqueue(func(ctx context.Context) {
		host, port, protocol := target(ev)
		clientIP, _, err := net.SplitHostPort(ev.RemoteAddr)
		if err != nil {
			clientIP = ev.RemoteAddr
		}
		id, err := r.collector.StartConnection(ctx, ev.ID, clientIP, host, port, protocol)
		if err != nil {
			logger.Warn("Failed to record connection start for %s: %v", ev.URL, err)
			return
		}
		r.connections[ev.ID] = openConnection{id: id, started: ev.Time}
		if ev.Kind == request.KindConnect {
			return
		}
		length, _ := strconv.ParseInt(ev.Header.Get("Content-Length"), 10, 64)
		if err := r.collector.RecordHTTPRequest(ctx, id, ev.Method, ev.URL, host, ev.Header.Get("User-Agent"), length); err != nil {
			logger.Warn("Failed to record request %s: %v", ev.URL, err)
		}
	})
}

func (r *Recorder) ResponseBegin(ev observer.Event) {
	r.enqueue(func(ctx context.Context) {
		conn, ok := r.connections[ev.ID]
		if !ok {
			return
		}
		if err := r.collector.RecordHTTPResponse(ctx, conn.id, ev.StatusCode, 0); err != nil {
			logger.Warn("Failed to record response for %s: %v", ev.URL, err)
		}
	})
}

func (r *Recorder) BodyChunk(observer.Event, observer.Direction, []byte) {}

func (r *Recorder) End(ev observer.Event, sent, received int64) {
	r.enqueue(func(ctx context.Context) {
		r.finish(ctx, ev, sent, received, "completed")
	})
}

func (r *Recorder) Error(ev observer.Event, err error) {
	code := proxyerr.Code(err)
	if code == "" {
		code = "unknown"
	}
	message := err.Error()
	r.enqueue(func(ctx context.Context) {
		conn, ok := r.connections[ev.ID]
		if !ok {
			return
		}
		if err := r.collector.RecordError(ctx, conn.id, code, message); err != nil {
			logger.Warn("Failed to record error for %s: %v", ev.URL, err)
		}
		r.finish(ctx, ev, 0, 0, "error")
	})
}

func (r *Recorder) finish(ctx context.Context, ev observer.Event, sent, received int64, reason string) {
	conn, ok := r.connections[ev.ID]
	if !ok {
		return
	}
	delete(r.connections, ev.ID)
	if err := r.collector.EndConnection(ctx, conn.id, sent, received, ev.Time.Sub(conn.started), reason); err != nil {
		logger.Warn("Failed to record connection end for %s: %v", ev.URL, err)
	}
}

// Close drains the queue and closes the collector.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
	return r.collector.Close()
}

// target splits an event URL into host, port and protocol.
func target(ev observer.Event) (string, int, string) {
	u, err := url.Parse(ev.URL)
	if err != nil {
		return ev.URL, 0, string(ev.Kind)
	}
	port, _ := strconv.Atoi(u.Port())
	if port == 0 {
		port = request.DefaultPorts[u.Scheme+":"]
	}
	return u.Hostname(), port, u.Scheme
}
