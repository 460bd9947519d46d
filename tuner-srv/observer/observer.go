// Package observer defines the lifecycle hooks the proxy server calls for
// every request it handles.
package observer

import (
	"net/http"
	"time"

	"github.com/codefionn/tuner/tuner-srv/request"
)

// Direction of a body chunk.
type Direction int

const (
	// Outbound is client to upstream.
	Outbound Direction = iota
	// Inbound is upstream to client.
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Event describes one request at a lifecycle boundary.
type Event struct {
	ID         string
	Kind       request.Kind
	Method     string
	URL        string
	RemoteAddr string
	Header     http.Header
	// StatusCode is set for ResponseBegin and End of common requests.
	StatusCode int
	// Hidden tunnels are internal plumbing such as decrypted CONNECTs.
	Hidden bool
	Time   time.Time
}

// Observer receives lifecycle notifications. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	RequestBegin(ev Event)
	ResponseBegin(ev Event)
	BodyChunk(ev Event, dir Direction, chunk []byte)
	// End is called once the request finished; sent and received count
	// bytes to and from the client.
	End(ev Event, sent, received int64)
	Error(ev Event, err error)
}

// NewEvent snapshots req.
func NewEvent(req request.Request) Event {
	b := req.BaseRequest()
	ev := Event{
		ID:         b.ID,
		Kind:       req.Kind(),
		Method:     b.Method,
		URL:        b.OriginalURL(),
		RemoteAddr: b.RemoteAddr,
		Header:     b.Header.Clone(),
		Time:       time.Now(),
	}
	switch r := req.(type) {
	case *request.Connect:
		ev.Hidden = r.Hidden
	case *request.Common:
		if r.Response != nil {
			ev.StatusCode = r.Response.StatusCode
		}
	}
	return ev
}

// Nop ignores every event.
type Nop struct{}

func (Nop) RequestBegin(Event)                 {}
func (Nop) ResponseBegin(Event)                {}
func (Nop) BodyChunk(Event, Direction, []byte) {}
func (Nop) End(Event, int64, int64)            {}
func (Nop) Error(Event, error)                 {}

// Multi fans events out to several observers in order.
type Multi []Observer

func (m Multi) RequestBegin(ev Event) {
	for _, o := range m {
		o.RequestBegin(ev)
	}
}

func (m Multi) ResponseBegin(ev Event) {
	for _, o := range m {
		o.ResponseBegin(ev)
	}
}

func (m Multi) BodyChunk(ev Event, dir Direction, chunk []byte) {
	for _, o := range m {
		o.BodyChunk(ev, dir, chunk)
	}
}

func (m Multi) End(ev Event, sent, received int64) {
	for _, o := range m {
		o.End(ev, sent, received)
	}
}

func (m Multi) Error(ev Event, err error) {
	for _, o := range m {
		o.Error(ev, err)
	}
}
