package proxy

import (
	"net/http"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/observer"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
)

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, id string, encrypted bool, tunnel *request.Connect) {
	scope := logger.ForRequest(id)

	conn, head, err := hijack(w)
	if err != nil {
		scope.Error("UPGRADE %s: %v", r.Host, err)
		proxyerr.WriteBadGateway(w, err)
		return
	}

	ctx := r.Context()
	req := request.NewUpgrade(ctx, s, r, conn, head, encrypted)
	req.ID = id
	req.Upstream = s.upstreamFor(tunnel)
	req.Tunnel = tunnel

	scope.Info("UPGRADE %s", req.OriginalURL())
	s.observer.RequestBegin(observer.NewEvent(req))

	if err := s.dispatch(ctx, req); err != nil {
		scope.Error("UPGRADE %s failed: %v", req.OriginalURL(), err)
		s.observer.Error(observer.NewEvent(req), err)
		if req.UpstreamConn != nil {
			_ = req.UpstreamConn.Close()
		}
		destroy(conn)
		return
	}

	if req.UpstreamConn == nil {
		if !req.Handled() {
			_ = conn.Close()
		}
		scope.Info("UPGRADE %s accepted", req.OriginalURL())
		s.observer.End(observer.NewEvent(req), 0, 0)
		return
	}

	if err := req.WriteRequest(req.UpstreamConn); err != nil {
		scope.Warn("UPGRADE %s: replaying request failed: %v", req.OriginalURL(), err)
		s.observer.Error(observer.NewEvent(req), err)
		_ = req.UpstreamConn.Close()
		destroy(conn)
		return
	}

	scope.Info("UPGRADE %s established", req.OriginalURL())
	ev := observer.NewEvent(req)
	sent, received := s.splice(ev, conn, req.UpstreamConn)
	s.observer.End(ev, sent, received)
}
