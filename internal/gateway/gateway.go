// Package gateway implements the middleware request pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Request is the transport-neutral inbound request the pipeline operates on.
type Request struct {
	Method     string
	Path       string
	Headers    map[string]string
	Query      map[string]string
	RemoteAddr string
	Body       []byte
}

// Header returns a header value; lookup is exact-key.
func (r *Request) Header(key string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[key]
}

// Response is a terminal pipeline result.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// JSONResponse builds a response with a JSON-encoded body.
func JSONResponse(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       []byte(`{"error":"internal error"}`),
		}
	}
	return &Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

// ErrorResponse builds a JSON error response.
func ErrorResponse(status int, message string) *Response {
	return JSONResponse(status, map[string]string{"error": message})
}

// Context is the mutable per-request bag threaded through the pipeline.
// Created fresh per request, never shared; mutations are visible to all
// subsequent stages and the handler, never to prior ones.
type Context struct {
	UserID        string
	Authenticated bool
	Roles         []string
	Params        map[string]string
	StartTime     time.Time

	// ResponseHeaders are merged into the terminal response, whichever stage
	// produces it.
	ResponseHeaders map[string]string

	// Values carries middleware extension fields.
	Values map[string]any
}

// NewContext creates a fresh request context.
func NewContext() *Context {
	return &Context{
		Params:          make(map[string]string),
		ResponseHeaders: make(map[string]string),
		Values:          make(map[string]any),
		StartTime:       time.Now(),
	}
}

// Middleware is one pipeline stage. Returning nil continues to the next
// stage; returning a response short-circuits the remaining stages and the
// handler.
type Middleware func(ctx context.Context, req *Request, rc *Context) *Response

// HandlerFunc is a terminal route handler.
type HandlerFunc func(ctx context.Context, req *Request, rc *Context) *Response

// Gateway runs requests through its middleware chain in registration order,
// then dispatches to the route handler matched by method and path.
type Gateway struct {
	mu         sync.RWMutex
	middleware []Middleware
	routes     map[string]HandlerFunc
	logger     *slog.Logger
}

// New creates an empty gateway.
func New(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		routes: make(map[string]HandlerFunc),
		logger: logger.With("component", "gateway"),
	}
}

// Use appends a middleware stage. Registration order is execution order.
func (g *Gateway) Use(mw Middleware) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.middleware = append(g.middleware, mw)
}

// Handle registers a route handler for a method and path.
func (g *Gateway) Handle(method, path string, handler HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[routeKey(method, path)] = handler
}

// Process runs one request through the pipeline. A panic inside any stage or
// the handler is caught at that boundary and converted to a 500; it never
// propagates past the pipeline.
func (g *Gateway) Process(ctx context.Context, req *Request) *Response {
	rc := NewContext()

	g.mu.RLock()
	middleware := make([]Middleware, len(g.middleware))
	copy(middleware, g.middleware)
	handler := g.routes[routeKey(req.Method, req.Path)]
	g.mu.RUnlock()

	for _, mw := range middleware {
		if resp := g.runStage(ctx, mw, req, rc); resp != nil {
			return g.finalize(resp, rc)
		}
	}

	if handler == nil {
		return g.finalize(ErrorResponse(http.StatusNotFound, "not found"), rc)
	}

	resp := g.runStage(ctx, Middleware(handler), req, rc)
	if resp == nil {
		// A handler that produces nothing is a contract violation; answer
		// with an empty success rather than hanging the caller.
		resp = &Response{StatusCode: http.StatusNoContent}
	}
	return g.finalize(resp, rc)
}

// runStage executes one stage with the panic boundary.
func (g *Gateway) runStage(ctx context.Context, stage Middleware, req *Request, rc *Context) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("pipeline stage panicked",
				"method", req.Method,
				"path", req.Path,
				"panic", r,
			)
			resp = ErrorResponse(http.StatusInternalServerError, "internal error")
		}
	}()
	return stage(ctx, req, rc)
}

// finalize merges context response headers into the terminal response.
// Headers set directly on the response win.
func (g *Gateway) finalize(resp *Response, rc *Context) *Response {
	if len(rc.ResponseHeaders) == 0 {
		return resp
	}
	if resp.Headers == nil {
		resp.Headers = make(map[string]string, len(rc.ResponseHeaders))
	}
	for k, v := range rc.ResponseHeaders {
		if _, ok := resp.Headers[k]; !ok {
			resp.Headers[k] = v
		}
	}
	return resp
}

func routeKey(method, path string) string {
	return method + " " + path
}
