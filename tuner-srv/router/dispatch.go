package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/pattern"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
)

type step struct {
	handler Handler
	// params is nil for handlers spliced in through next; they see the
	// params of the route that spliced them.
	params pattern.Params
}

type dispatcher struct {
	ctx      context.Context
	req      request.Request
	finalize func(context.Context) error
}

// Dispatch runs the handlers of every route in t selected by req's
// original URL. When the chain runs out, finalize performs the request's
// default action.
func Dispatch(ctx context.Context, t *Table, req request.Request, finalize func(context.Context) error) error {
	var matched []Matched
	if t != nil {
		matched = t.Match(req.BaseRequest().MatchInfo())
	}
	steps := make([]step, len(matched))
	for i, m := range matched {
		steps[i] = step{handler: m.Handler, params: m.Params}
	}
	logger.Trace("Dispatching %s %s to %d route(s)", req.Kind(), req.Href(), len(steps))

	d := &dispatcher{ctx: ctx, req: req, finalize: finalize}
	return d.exec(steps, 0, d.done)
}

func (d *dispatcher) done() error {
	if d.req.Terminated() || d.finalize == nil {
		return nil
	}
	return d.finalize(d.ctx)
}

func (d *dispatcher) exec(steps []step, i int, after func() error) error {
	if i >= len(steps) {
		return after()
	}
	s := steps[i]
	advance := func() error { return d.exec(steps, i+1, after) }

	if s.handler.Process == nil || s.handler.Kind != d.req.Kind() {
		return advance()
	}
	if s.params != nil {
		d.req.BaseRequest().Params = s.params
	}

	var called atomic.Bool
	next := func(handlers ...Handler) error {
		if !called.CompareAndSwap(false, true) {
			logger.Warn("next called more than once for %s", d.req.Href())
			return nil
		}
		if len(handlers) == 0 {
			return advance()
		}
		sub := make([]step, len(handlers))
		for j, h := range handlers {
			sub[j] = step{handler: h}
		}
		return d.exec(sub, 0, advance)
	}

	outcome, err := d.call(s.handler, next)
	if err != nil {
		return err
	}

	switch o := outcome.(type) {
	case nil:
		return nil
	case continueOutcome:
		if !called.Load() {
			return next()
		}
	case delegateOutcome:
		if !called.Load() {
			return next(o.handlers...)
		}
	case respondOutcome:
		return d.req.Respond(o.res)
	}
	return nil
}

// call runs one handler, turning panics and uncoded errors into dispatch
// errors. Coded errors (an upstream failure inside next, say) pass
// through unchanged.
func (d *dispatcher) call(h Handler, next Next) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panic for %s: %v\n%s", d.req.Href(), r, debug.Stack())
			outcome = nil
			err = proxyerr.New(proxyerr.ErrCodeHandlerPanic, proxyerr.Description(proxyerr.ErrCodeHandlerPanic), fmt.Errorf("%v", r))
		}
	}()

	outcome, err = h.Process(d.req, next)
	if err != nil {
		var perr *proxyerr.Error
		if !errors.As(err, &perr) {
			err = proxyerr.New(proxyerr.ErrCodeHandlerFailed, proxyerr.Description(proxyerr.ErrCodeHandlerFailed), err)
		}
	}
	return outcome, err
}
