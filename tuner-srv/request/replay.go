package request

import (
	"io"
	"reflect"
	"sync"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// ErrConsumed is returned when reading a Replay after a consuming reader
// took ownership of the source.
var ErrConsumed = proxyerr.New(proxyerr.ErrCodeBodyConsumed, proxyerr.Description(proxyerr.ErrCodeBodyConsumed), nil)

// Replay captures the chunks read from a one-shot source so it can be read
// again. A consuming reader stops the capture: it replays what was already
// captured and then reads the source directly. Afterwards every new reader
// fails, and older non-consuming readers fail once they run past the
// captured data.
type Replay struct {
	mu       sync.Mutex
	src      io.Reader
	chunks   [][]byte
	done     bool
	complete bool
	err      error
	consumed bool
}

// NewReplay wraps src.
func NewReplay(src io.Reader) *Replay {
	return &Replay{src: src}
}

// Reader returns a new reader starting at the beginning of the body.
func (r *Replay) Reader(consume bool) (io.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return nil, ErrConsumed
	}
	if consume {
		r.consumed = true
	}
	return &replayReader{replay: r, consume: consume}, nil
}

// Consumed reports whether a consuming reader was handed out.
func (r *Replay) Consumed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumed
}

// Close closes the source when it is closable.
func (r *Replay) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type replayReader struct {
	replay  *Replay
	consume bool
	chunk   int
	offset  int
}

func (rr *replayReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r := rr.replay
	r.mu.Lock()
	defer r.mu.Unlock()

	if rr.chunk < len(r.chunks) {
		c := r.chunks[rr.chunk]
		n := copy(p, c[rr.offset:])
		rr.offset += n
		if rr.offset == len(c) {
			rr.chunk++
			rr.offset = 0
		}
		return n, nil
	}
	if r.complete {
		return 0, r.err
	}
	if r.consumed && !rr.consume {
		return 0, ErrConsumed
	}
	if r.done {
		return 0, r.err
	}

	n, err := r.src.Read(p)
	if err != nil {
		r.done = true
		r.err = err
		r.complete = !rr.consume
	}
	if rr.consume {
		// the capture is frozen once the consumer reads past it
		return n, err
	}
	if n > 0 {
		r.chunks = append(r.chunks, append([]byte(nil), p[:n]...))
		rr.chunk = len(r.chunks)
	}
	return n, err
}

// replays keeps at most one Replay per source.
type replays struct {
	mu sync.Mutex
	m  map[any]*Replay
}

func (rs *replays) wrap(src io.Reader) *Replay {
	if src == nil || !reflect.TypeOf(src).Comparable() {
		return NewReplay(src)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.m == nil {
		rs.m = make(map[any]*Replay)
	}
	if r, ok := rs.m[src]; ok {
		return r
	}
	r := NewReplay(src)
	rs.m[src] = r
	return r
}
