package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/observer"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

const (
	connectEstablished = "HTTP/1.1 200 OK\r\n\r\n"
	connectBadGateway  = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

type closeWriter interface {
	CloseWrite() error
}

// bufferConn replays buf before reading from Conn.
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}

// destroy drops conn without a graceful FIN where the platform allows it.
func destroy(conn net.Conn) {
	if conn == nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = conn.Close()
}

// hijack takes over the client connection and returns any bytes the
// server had already buffered past the request head.
func hijack(w http.ResponseWriter) (net.Conn, []byte, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, proxyerr.Newf(proxyerr.ErrCodeHijackFailed, "%T does not support hijacking", w)
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, proxyerr.New(proxyerr.ErrCodeHijackFailed, proxyerr.Description(proxyerr.ErrCodeHijackFailed), err)
	}
	// Server timeouts no longer apply to the tunnel.
	_ = conn.SetDeadline(time.Time{})

	var head []byte
	if n := rw.Reader.Buffered(); n > 0 {
		head = make([]byte, n)
		if _, err := io.ReadFull(rw.Reader, head); err != nil {
			conn.Close()
			return nil, nil, proxyerr.New(proxyerr.ErrCodeHijackFailed, proxyerr.Description(proxyerr.ErrCodeHijackFailed), err)
		}
	}
	return conn, head, nil
}

// splice copies between client and upstream until both directions end.
// A clean EOF half-closes the peer; any error tears down both sockets.
// sent counts bytes written to the client, received bytes read from it.
func (s *Server) splice(ev observer.Event, client, upstreamConn net.Conn) (sent, received int64) {
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstreamConn.Close()
		})
	}

	var toClient, fromClient atomic.Int64
	pipe := func(dst, src net.Conn, n *atomic.Int64, dir observer.Direction) {
		w := teeWriter{w: dst, n: n}
		if !ev.Hidden {
			w.cb = func(p []byte) { s.observer.BodyChunk(ev, dir, p) }
		}
		_, err := copyBuffer(w, src)
		if err != nil {
			if !isClosedConnError(err) && !errors.Is(err, io.EOF) {
				logger.ForRequest(ev.ID).Debug("Tunnel %s copy error: %v", dir, err)
			}
			teardown()
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			if cw.CloseWrite() == nil {
				return
			}
		}
		teardown()
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pipe(upstreamConn, client, &fromClient, observer.Outbound)
	}()
	go func() {
		defer wg.Done()
		pipe(client, upstreamConn, &toClient, observer.Inbound)
	}()
	wg.Wait()
	teardown()

	logger.ForRequest(ev.ID).Debug("Tunnel %s closed after %v (%d bytes out, %d bytes in)",
		ev.URL, time.Since(start), fromClient.Load(), toClient.Load())
	return toClient.Load(), fromClient.Load()
}
