// Package router turns a nested rule tree into an ordered route table and
// runs the handlers selected for a request as a continuation chain.
package router

import (
	"github.com/codefionn/tuner/tuner-srv/request"
)

// Next continues the chain. Without arguments it runs the next selected
// route; with handlers it runs them first and then resumes at the next
// selected route.
type Next func(handlers ...Handler) error

// ProcessFunc is the body of a handler.
type ProcessFunc func(req request.Request, next Next) (Outcome, error)

// Handler is a ProcessFunc bound to one request kind. Handlers of another
// kind are skipped during dispatch.
type Handler struct {
	Kind    request.Kind
	Process ProcessFunc
}

// Func binds fn to plain HTTP requests, the kind untagged functions get.
func Func(fn ProcessFunc) Handler {
	return Handler{Kind: request.KindCommon, Process: fn}
}

// HTTP binds a typed handler to plain HTTP requests.
func HTTP(fn func(req *request.Common, next Next) (Outcome, error)) Handler {
	return Handler{Kind: request.KindCommon, Process: func(req request.Request, next Next) (Outcome, error) {
		return fn(req.(*request.Common), next)
	}}
}

// Connect binds a typed handler to CONNECT tunnels.
func Connect(fn func(req *request.Connect, next Next) (Outcome, error)) Handler {
	return Handler{Kind: request.KindConnect, Process: func(req request.Request, next Next) (Outcome, error) {
		return fn(req.(*request.Connect), next)
	}}
}

// Upgrade binds a typed handler to upgrade requests.
func Upgrade(fn func(req *request.Upgrade, next Next) (Outcome, error)) Handler {
	return Handler{Kind: request.KindUpgrade, Process: func(req request.Request, next Next) (Outcome, error) {
		return fn(req.(*request.Upgrade), next)
	}}
}

// Outcome is what a handler asks the chain to do after it returns. A nil
// Outcome ends the dispatch; the server's default action still runs
// unless the request was terminated.
type Outcome interface {
	outcome()
}

type continueOutcome struct{}

type respondOutcome struct {
	res *request.Response
}

type delegateOutcome struct {
	handlers []Handler
}

func (continueOutcome) outcome() {}
func (respondOutcome) outcome()  {}
func (delegateOutcome) outcome() {}

// Continue advances to the next route unless the handler already called
// next.
func Continue() Outcome { return continueOutcome{} }

// Respond answers the request with res.
func Respond(res *request.Response) Outcome { return respondOutcome{res: res} }

// Delegate is next(handlers...) as a return value.
func Delegate(handlers ...Handler) Outcome { return delegateOutcome{handlers: handlers} }
