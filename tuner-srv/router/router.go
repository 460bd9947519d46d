package router

import (
	"context"
	"sync/atomic"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/request"
)

// Router serves dispatches from the most recently installed table. A
// dispatch keeps the table it started with even if a reload happens
// meanwhile.
type Router struct {
	table atomic.Pointer[Table]
}

// New compiles rules into a new Router. Nil rules give a Router that only
// runs default actions.
func New(rules any) (*Router, error) {
	r := &Router{}
	if rules == nil {
		return r, nil
	}
	if err := r.Load(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// Load compiles rules and installs the result. On error the current table
// stays in place.
func (r *Router) Load(rules any) error {
	t, err := Compile(rules)
	if err != nil {
		logger.Error("Failed to compile rules, keeping previous table: %v", err)
		return err
	}
	r.Install(t)
	logger.Info("Installed route table with %d route(s)", len(t.Routes))
	return nil
}

// Install replaces the current table.
func (r *Router) Install(t *Table) {
	r.table.Store(t)
}

// Table returns the current table, possibly nil.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Dispatch runs req through the current table and finishes with the
// request's own Finalize.
func (r *Router) Dispatch(ctx context.Context, req request.Request) error {
	return Dispatch(ctx, r.Table(), req, req.Finalize)
}
