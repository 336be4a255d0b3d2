package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"slices"

	"github.com/teemow/obsidian-mcp/internal/logging"
)

// ErrNotHandled may be returned by a handler that matched a route but wants
// the request to fall through to the next stage.
var ErrNotHandled = errors.New("not handled")

// HandlerFunc handles a matched request. A returned error is rendered by the
// router; the handler must not have written a response in that case.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Route describes one registered route.
type Route struct {
	// Path is matched exactly against the request path.
	Path string
	// Pattern is used when Path is empty.
	Pattern *regexp.Regexp
	// Methods restricts the accepted methods. Empty accepts any method.
	Methods []string
	Handler HandlerFunc
}

func (rt Route) matches(path string) bool {
	if rt.Path != "" && rt.Path == path {
		return true
	}
	return rt.Pattern != nil && rt.Pattern.MatchString(path)
}

// RouteInfo is the printable description of a route.
type RouteInfo struct {
	Path    string
	Pattern string
	Methods []string
}

// Router dispatches requests to the first route whose path matches, in
// registration order.
type Router struct {
	routes []Route
	logger *slog.Logger
}

// New creates an empty router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logging.WithComponent(logger, "router")}
}

// Handle registers an exact-path route.
func (r *Router) Handle(path string, handler HandlerFunc, methods ...string) {
	r.Add(Route{Path: path, Handler: handler, Methods: methods})
}

// HandlePattern registers a route matched by a regular expression.
func (r *Router) HandlePattern(pattern *regexp.Regexp, handler HandlerFunc, methods ...string) {
	r.Add(Route{Pattern: pattern, Handler: handler, Methods: methods})
}

// Add registers a route. It panics on a route that can never match or has
// no handler, which is a programming error.
func (r *Router) Add(route Route) {
	if route.Handler == nil {
		panic(fmt.Sprintf("router: nil handler for %q", route.Path))
	}
	if route.Path == "" && route.Pattern == nil {
		panic("router: route needs a path or a pattern")
	}
	r.routes = append(r.routes, route)
}

// Routes lists the registered routes in match order.
func (r *Router) Routes() []RouteInfo {
	out := make([]RouteInfo, 0, len(r.routes))
	for _, rt := range r.routes {
		info := RouteInfo{Path: rt.Path, Methods: rt.Methods}
		if rt.Pattern != nil {
			info.Pattern = rt.Pattern.String()
		}
		out = append(out, info)
	}
	return out
}

// Dispatch handles the request if a route matches and reports whether it did.
// A method outside the route's allowed set gets 405. Handler errors and
// panics are turned into error responses here.
func (r *Router) Dispatch(w http.ResponseWriter, req *http.Request) (handled bool) {
	idx := slices.IndexFunc(r.routes, func(rt Route) bool { return rt.matches(req.URL.Path) })
	if idx < 0 {
		return false
	}
	route := r.routes[idx]

	if len(route.Methods) > 0 && !slices.Contains(route.Methods, req.Method) {
		WriteMethodNotAllowed(w, route.Methods)
		return true
	}

	sw := NewStatusWriter(w)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Route handler panicked",
				logging.Path(req.URL.Path),
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
			if !sw.Written() {
				WriteError(sw, Internal(fmt.Errorf("panic: %v", rec)))
			}
			handled = true
		}
	}()

	err := route.Handler(sw, req)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotHandled) && !sw.Written():
		return false
	}

	r.writeHandlerError(sw, req, err)
	return true
}

func (r *Router) writeHandlerError(sw *StatusWriter, req *http.Request, err error) {
	e := AsError(err)
	attrs := []any{
		logging.Path(req.URL.Path),
		"method", req.Method,
		"kind", e.Kind.String(),
		"code", e.Code,
		logging.Err(err),
	}
	switch e.Kind {
	case KindInternal, KindUpstream:
		r.logger.Error("Route handler failed", attrs...)
	default:
		r.logger.Debug("Route handler rejected request", attrs...)
	}

	if sw.Written() {
		return
	}
	WriteError(sw, e)
}

// Then returns a handler that dispatches to the router and falls through to
// next for unmatched requests.
func (r *Router) Then(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.Dispatch(w, req) {
			return
		}
		next.ServeHTTP(w, req)
	})
}

// ServeHTTP implements http.Handler. Unmatched requests get a 404.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Then(NotFoundHandler()).ServeHTTP(w, req)
}

// NotFoundHandler renders the JSON 404 used when no stage handles a request.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, NotFound("not_found", "Not found"))
	})
}

// StatusWriter records the status code written through it.
type StatusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

// NewStatusWriter wraps w. An existing StatusWriter is returned as is.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	if sw, ok := w.(*StatusWriter); ok {
		return sw
	}
	return &StatusWriter{ResponseWriter: w}
}

// WriteHeader records the status and forwards it.
func (w *StatusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

// Write implies a 200 status if none was written yet.
func (w *StatusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush forwards to the underlying writer when it supports streaming.
func (w *StatusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if w.status == 0 {
			w.status = http.StatusOK
		}
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *StatusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Status returns the written status, or 0 if nothing was written.
func (w *StatusWriter) Status() int {
	return w.status
}

// BytesWritten returns the number of body bytes written.
func (w *StatusWriter) BytesWritten() int {
	return w.bytes
}

// Written reports whether a status has been sent.
func (w *StatusWriter) Written() bool {
	return w.status != 0
}
