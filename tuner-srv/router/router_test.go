package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommon(t *testing.T, target string) *request.Common {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, target, nil)
	return request.NewCommon(context.Background(), nil, r, httptest.NewRecorder(), false)
}

// recorder builds handlers that append their name to a log.
type recorder struct {
	log []string
}

func (rc *recorder) handler(name string) Handler {
	return Func(func(req request.Request, next Next) (Outcome, error) {
		rc.log = append(rc.log, name)
		return Continue(), nil
	})
}

func (rc *recorder) finalize(context.Context) error {
	rc.log = append(rc.log, "finalize")
	return nil
}

func patterns(routes []FlatRoute) [][]string {
	out := make([][]string, len(routes))
	for i, r := range routes {
		out[i] = r.Patterns
	}
	return out
}

func TestFlattenExcludedFragmentPrunes(t *testing.T) {
	var rc recorder
	routes, err := Flatten(Rules{"!//demo.com", rc.handler("a")})
	require.NoError(t, err)
	assert.Empty(t, routes)

	routes, err = Flatten(Rules{"!//demo.com", Rules{"/x", rc.handler("a")}})
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestFlattenCrossProduct(t *testing.T) {
	var rc recorder
	routes, err := Flatten(Rules{
		"//a.com", "//b.com", Rules{
			"/x", rc.handler("h1"),
			"/y", "/z", rc.handler("h2"),
		},
		rc.handler("h3"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"//a.com/x", "//b.com/x"},
		{"//a.com/y", "//b.com/y", "//a.com/z", "//b.com/z"},
		{""},
	}, patterns(routes))
}

func TestFlattenPartialExclusionAndNil(t *testing.T) {
	var rc recorder
	routes, err := Flatten([]any{
		"!//x.com", "//a.com", rc.handler("a"),
		"//skipped.com", nil,
		rc.handler("b"),
		Handler{Kind: request.KindCommon},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"//a.com"}, {""}}, patterns(routes))
}

func TestFlattenAcceptsFunctionShapes(t *testing.T) {
	routes, err := Flatten(Rules{
		func(req request.Request, next Next) (Outcome, error) { return nil, nil },
		func(req *request.Common, next Next) (Outcome, error) { return nil, nil },
		func(req *request.Connect, next Next) (Outcome, error) { return nil, nil },
		func(req *request.Upgrade, next Next) (Outcome, error) { return nil, nil },
		[]Handler{Func(func(request.Request, Next) (Outcome, error) { return nil, nil })},
	})
	require.NoError(t, err)
	require.Len(t, routes, 5)
	kinds := []request.Kind{request.KindCommon, request.KindCommon, request.KindConnect, request.KindUpgrade, request.KindCommon}
	for i, k := range kinds {
		assert.Equal(t, k, routes[i].Handler.Kind, i)
	}
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile("not a list")
	require.Error(t, err)
	assert.Equal(t, proxyerr.ErrCodeRulesNotArray, proxyerr.Code(err))
	assert.True(t, proxyerr.IsRouteCompileError(err))

	_, err = Compile(Rules{42})
	require.Error(t, err)
	assert.Equal(t, proxyerr.ErrCodeUnsupportedRule, proxyerr.Code(err))

	var rc recorder
	_, err = Compile(Rules{"malformed-url", rc.handler("a")})
	require.Error(t, err)
	assert.Equal(t, proxyerr.ErrCodeMalformedPattern, proxyerr.Code(err))
}

func TestDispatchOrderWithSplice(t *testing.T) {
	var rc recorder
	a := Func(func(req request.Request, next Next) (Outcome, error) {
		rc.log = append(rc.log, "A")
		return nil, next(rc.handler("C"), rc.handler("D"))
	})
	table, err := Compile(Rules{"//example.com", a, rc.handler("B")})
	require.NoError(t, err)

	req := newCommon(t, "http://example.com/")
	require.NoError(t, Dispatch(context.Background(), table, req, rc.finalize))
	assert.Equal(t, []string{"A", "C", "D", "B", "finalize"}, rc.log)
}

func TestDispatchSkipsOtherKinds(t *testing.T) {
	var rc recorder
	table, err := Compile(Rules{
		Connect(func(req *request.Connect, next Next) (Outcome, error) {
			rc.log = append(rc.log, "connect")
			return Continue(), nil
		}),
		rc.handler("common"),
	})
	require.NoError(t, err)

	require.NoError(t, Dispatch(context.Background(), table, newCommon(t, "http://example.com/"), rc.finalize))
	assert.Equal(t, []string{"common", "finalize"}, rc.log)

	rc.log = nil
	conn := request.NewConnect(context.Background(), nil, "example.com:443", nil, nil)
	require.NoError(t, Dispatch(context.Background(), table, conn, rc.finalize))
	assert.Equal(t, []string{"connect", "finalize"}, rc.log)
}

func TestDispatchOnlySelectedRoutes(t *testing.T) {
	var rc recorder
	table, err := Compile(Rules{
		"//other.com", rc.handler("other"),
		"https://", rc.handler("secure"),
		"//example.com", rc.handler("example"),
	})
	require.NoError(t, err)

	require.NoError(t, Dispatch(context.Background(), table, newCommon(t, "http://example.com/"), rc.finalize))
	assert.Equal(t, []string{"example", "finalize"}, rc.log)
}

func TestDispatchSetsParams(t *testing.T) {
	var seen []string
	h := Func(func(req request.Request, next Next) (Outcome, error) {
		seen = append(seen, req.BaseRequest().Params["id"])
		return Continue(), nil
	})
	table, err := Compile(Rules{"//example.com/items/:id", "//example.com/things/:id", h})
	require.NoError(t, err)

	require.NoError(t, Dispatch(context.Background(), table, newCommon(t, "http://example.com/things/42"), nil))
	assert.Equal(t, []string{"42"}, seen)
}

func TestDispatchMatchesOriginalURL(t *testing.T) {
	var rc recorder
	rewrite := Func(func(req request.Request, next Next) (Outcome, error) {
		req.BaseRequest().SetHost("elsewhere.com")
		return Continue(), nil
	})
	table, err := Compile(Rules{"//example.com", rewrite, "//example.com", rc.handler("still-selected")})
	require.NoError(t, err)

	req := newCommon(t, "http://example.com/")
	require.NoError(t, Dispatch(context.Background(), table, req, nil))
	assert.Equal(t, []string{"still-selected"}, rc.log)
	assert.Equal(t, "elsewhere.com", req.Hostname)
}

func TestDispatchOutcomes(t *testing.T) {
	t.Run("respond ends the chain", func(t *testing.T) {
		var rc recorder
		table, err := Compile(Rules{
			HTTP(func(req *request.Common, next Next) (Outcome, error) {
				return Respond(request.NewResponse(http.StatusTeapot, nil, "short and stout")), nil
			}),
			rc.handler("after"),
		})
		require.NoError(t, err)
		req := newCommon(t, "http://example.com/")
		require.NoError(t, Dispatch(context.Background(), table, req, rc.finalize))
		require.NotNil(t, req.Response)
		assert.Equal(t, http.StatusTeapot, req.Response.StatusCode)
		assert.Empty(t, rc.log)
	})

	t.Run("nil outcome ends dispatch without finalize", func(t *testing.T) {
		var rc recorder
		table, err := Compile(Rules{
			Func(func(req request.Request, next Next) (Outcome, error) { return nil, nil }),
			rc.handler("after"),
		})
		require.NoError(t, err)
		require.NoError(t, Dispatch(context.Background(), table, newCommon(t, "http://example.com/"), rc.finalize))
		assert.Empty(t, rc.log)
	})

	t.Run("delegate splices handlers", func(t *testing.T) {
		var rc recorder
		table, err := Compile(Rules{
			Func(func(req request.Request, next Next) (Outcome, error) {
				return Delegate(rc.handler("sub")), nil
			}),
			rc.handler("after"),
		})
		require.NoError(t, err)
		require.NoError(t, Dispatch(context.Background(), table, newCommon(t, "http://example.com/"), rc.finalize))
		assert.Equal(t, []string{"sub", "after", "finalize"}, rc.log)
	})

	t.Run("continue after next does not advance twice", func(t *testing.T) {
		var rc recorder
		table, err := Compile(Rules{
			Func(func(req request.Request, next Next) (Outcome, error) {
				if err := next(); err != nil {
					return nil, err
				}
				rc.log = append(rc.log, "post")
				return Continue(), nil
			}),
			rc.handler("after"),
		})
		require.NoError(t, err)
		require.NoError(t, Dispatch(context.Background(), table, newCommon(t, "http://example.com/"), rc.finalize))
		assert.Equal(t, []string{"after", "finalize", "post"}, rc.log)
	})
}

func TestDispatchHandlerSeesFinalizedResponse(t *testing.T) {
	var status int
	table, err := Compile(Rules{
		HTTP(func(req *request.Common, next Next) (Outcome, error) {
			if err := next(); err != nil {
				return nil, err
			}
			status = req.Response.StatusCode
			req.Response.Header.Set("X-Seen", "1")
			return nil, nil
		}),
	})
	require.NoError(t, err)

	req := newCommon(t, "http://example.com/")
	finalize := func(context.Context) error {
		req.Response = request.NewResponse(http.StatusAccepted, nil, nil)
		return nil
	}
	require.NoError(t, Dispatch(context.Background(), table, req, finalize))
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "1", req.Response.Header.Get("X-Seen"))
}

func TestDispatchErrors(t *testing.T) {
	table, err := Compile(Rules{
		"/fail", Func(func(req request.Request, next Next) (Outcome, error) { return nil, errors.New("boom") }),
		"/panic", Func(func(req request.Request, next Next) (Outcome, error) { panic("kaboom") }),
		"/coded", Func(func(req request.Request, next Next) (Outcome, error) {
			return nil, proxyerr.New(proxyerr.ErrCodeAllHopsFailed, "hops", nil)
		}),
	})
	require.NoError(t, err)

	err = Dispatch(context.Background(), table, newCommon(t, "http://example.com/fail"), nil)
	assert.Equal(t, proxyerr.ErrCodeHandlerFailed, proxyerr.Code(err))
	assert.Contains(t, err.Error(), "boom")

	err = Dispatch(context.Background(), table, newCommon(t, "http://example.com/panic"), nil)
	assert.Equal(t, proxyerr.ErrCodeHandlerPanic, proxyerr.Code(err))
	assert.True(t, proxyerr.IsDispatchError(err))

	err = Dispatch(context.Background(), table, newCommon(t, "http://example.com/coded"), nil)
	assert.Equal(t, proxyerr.ErrCodeAllHopsFailed, proxyerr.Code(err))
}

func TestRouterReloadKeepsTableOnError(t *testing.T) {
	var rc recorder
	r, err := New(Rules{"//example.com", rc.handler("first")})
	require.NoError(t, err)
	first := r.Table()
	require.NotNil(t, first)

	require.Error(t, r.Load(Rules{"malformed-url", rc.handler("bad")}))
	assert.Same(t, first, r.Table())

	require.NoError(t, r.Load(Rules{rc.handler("second")}))
	assert.NotSame(t, first, r.Table())
	assert.Len(t, r.Table().Routes, 1)
}

func TestRouterDispatchUsesSnapshot(t *testing.T) {
	var rc recorder
	r, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, r.Table())

	swap := Func(func(req request.Request, next Next) (Outcome, error) {
		rc.log = append(rc.log, "old")
		require.NoError(t, r.Load(Rules{rc.handler("new")}))
		return Continue(), nil
	})
	require.NoError(t, r.Load(Rules{swap, rc.handler("old-2")}))

	req := newCommon(t, "http://example.com/")
	req.Response = request.NewResponse(http.StatusOK, nil, nil)
	require.NoError(t, r.Dispatch(context.Background(), req))
	assert.Equal(t, []string{"old", "old-2"}, rc.log)
}
