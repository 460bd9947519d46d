package helpers

import (
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/tuner/tuner-srv/proxy"
	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/codefionn/tuner/tuner-srv/router"
)

func TestWebSocketServedLocally(t *testing.T) {
	rt, err := router.New(router.Rules{
		"//ws.test",
		WebSocket(func(conn *websocket.Conn, req *request.Upgrade) {
			for {
				mt, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				reply := append([]byte(req.Pathname+": "), msg...)
				if err := conn.WriteMessage(mt, reply); err != nil {
					return
				}
			}
		}),
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := proxy.NewServer(proxy.Options{Router: rt, Timeout: 5 * time.Second})
	go func() { _ = srv.StartWithListener(ln) }()
	t.Cleanup(func() { _ = srv.Stop() })

	dialer := websocket.Dialer{
		NetDial:          func(_, _ string) (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) },
		HandshakeTimeout: 5 * time.Second,
	}
	c, _, err := dialer.Dial("ws://ws.test/chat", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "/chat: hello", string(msg))
}
