package proxy

import (
	"net/http"
	"sync/atomic"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/observer"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
)

func (s *Server) handleCommon(w http.ResponseWriter, r *http.Request, id string, encrypted bool, tunnel *request.Connect) {
	scope := logger.ForRequest(id)
	rec := &responseRecorder{ResponseWriter: w}

	ctx := r.Context()
	req := request.NewCommon(ctx, s, r, rec, encrypted)
	req.ID = id
	req.Upstream = s.upstreamFor(tunnel)
	req.Tunnel = tunnel

	ev := observer.NewEvent(req)
	var received atomic.Int64
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = newTeeReadCloser(r.Body, func(p []byte) error {
			received.Add(int64(len(p)))
			s.observer.BodyChunk(ev, observer.Outbound, p)
			return nil
		})
	}

	scope.Info("%s", describe(req))
	s.observer.RequestBegin(ev)

	if err := s.dispatch(ctx, req); err != nil {
		scope.Error("%s failed: %v", describe(req), err)
		s.observer.Error(observer.NewEvent(req), err)
		if req.Response != nil {
			_ = req.Response.Close()
		}
		if !req.Handled() {
			proxyerr.WriteBadGateway(w, err)
		}
		return
	}

	if req.Handled() || req.Response == nil {
		scope.Info("%s accepted", describe(req))
		s.observer.End(observer.NewEvent(req), rec.written.Load(), received.Load())
		return
	}

	res := req.Response
	defer res.Close()

	resEv := observer.NewEvent(req)
	s.observer.ResponseBegin(resEv)
	rec.cb = func(p []byte) { s.observer.BodyChunk(resEv, observer.Inbound, p) }

	if _, err := res.WriteTo(rec); err != nil {
		scope.Warn("%s: writing response failed: %v", describe(req), err)
		s.observer.Error(resEv, err)
		return
	}
	scope.Info("%s %d", describe(req), res.StatusCode)
	s.observer.End(resEv, rec.written.Load(), received.Load())
}
