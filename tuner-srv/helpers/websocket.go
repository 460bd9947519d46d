package helpers

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/codefionn/tuner/tuner-srv/router"
)

// WebSocketFunc serves one accepted websocket. The connection is closed
// when it returns.
type WebSocketFunc func(conn *websocket.Conn, req *request.Upgrade)

// WebSocket completes websocket handshakes locally instead of forwarding
// them and hands the connection to fn. Other upgrades pass through.
func WebSocket(fn WebSocketFunc) router.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return router.Upgrade(func(req *request.Upgrade, next router.Next) (router.Outcome, error) {
		if !websocket.IsWebSocketUpgrade(req.Raw) {
			return router.Continue(), nil
		}
		req.MarkHandled()
		w := &socketWriter{conn: req.Conn, head: req.Head, header: make(http.Header)}
		conn, err := upgrader.Upgrade(w, req.Raw, nil)
		if err != nil {
			// Upgrader already wrote the error response through w.
			logger.ForRequest(req.ID).Warn("websocket handshake for %s failed: %v", req.Href(), err)
			_ = req.Conn.Close()
			return nil, nil
		}
		defer conn.Close()
		fn(conn, req)
		return nil, nil
	})
}

// socketWriter is the minimal http.ResponseWriter the upgrader needs on
// top of an already hijacked connection.
type socketWriter struct {
	conn        net.Conn
	head        []byte
	header      http.Header
	wroteHeader bool
}

func (w *socketWriter) Header() http.Header { return w.header }

func (w *socketWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.header.Set("Connection", "close")
	_, _ = fmt.Fprintf(w.conn, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	_ = w.header.Write(w.conn)
	_, _ = io.WriteString(w.conn, "\r\n")
}

func (w *socketWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(p)
}

func (w *socketWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	var conn net.Conn = w.conn
	if len(w.head) > 0 {
		conn = &prefixConn{Conn: w.conn, r: io.MultiReader(bytes.NewReader(w.head), w.conn)}
	}
	brw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	return conn, brw, nil
}

// prefixConn replays bytes read past the handshake before the socket.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) { return c.r.Read(p) }
