package proxy

import (
	"io"
	"net/http"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/observer"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
)

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, id string) {
	authority := r.URL.Host
	if authority == "" {
		authority = r.Host
	}
	scope := logger.ForRequest(id)

	conn, head, err := hijack(w)
	if err != nil {
		scope.Error("CONNECT %s: %v", authority, err)
		proxyerr.WriteBadGateway(w, err)
		return
	}

	ctx := r.Context()
	req := request.NewConnect(ctx, s, authority, conn, head)
	req.ID = id
	req.Header = r.Header.Clone()
	req.Upstream = s.upstreamFor(nil)

	scope.Info("CONNECT %s", req.Authority())
	s.observer.RequestBegin(observer.NewEvent(req))

	if err := s.dispatch(ctx, req); err != nil {
		scope.Error("CONNECT %s failed: %v", req.Authority(), err)
		s.observer.Error(observer.NewEvent(req), err)
		if req.UpstreamConn != nil {
			_ = req.UpstreamConn.Close()
		}
		if req.ResponseHeaderSent {
			// The client already believes the tunnel is up.
			destroy(conn)
			return
		}
		_, _ = io.WriteString(conn, connectBadGateway)
		_ = conn.Close()
		return
	}

	if req.UpstreamConn == nil {
		if !req.Handled() {
			// Nothing produced a socket and nobody took the connection.
			_ = conn.Close()
		}
		scope.Info("CONNECT %s accepted", req.Authority())
		s.observer.End(observer.NewEvent(req), 0, 0)
		return
	}

	if !req.ResponseHeaderSent {
		req.ResponseHeaderSent = true
		if _, err := io.WriteString(conn, connectEstablished); err != nil {
			scope.Warn("CONNECT %s: writing response failed: %v", req.Authority(), err)
			s.observer.Error(observer.NewEvent(req), err)
			_ = req.UpstreamConn.Close()
			destroy(conn)
			return
		}
	}
	if len(req.Head) > 0 {
		if _, err := req.UpstreamConn.Write(req.Head); err != nil {
			scope.Warn("CONNECT %s: forwarding buffered bytes failed: %v", req.Authority(), err)
			s.observer.Error(observer.NewEvent(req), err)
			_ = req.UpstreamConn.Close()
			destroy(conn)
			return
		}
	}

	scope.Info("CONNECT %s established", req.Authority())
	ev := observer.NewEvent(req)
	sent, received := s.splice(ev, conn, req.UpstreamConn)
	s.observer.End(ev, sent, received+int64(len(req.Head)))
}
