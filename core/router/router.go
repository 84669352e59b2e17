package router

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	// ErrNotFound matches *NotFoundError
	ErrNotFound = errors.New("router: no route matches path")
	// ErrMethodNotAllowed matches *MethodNotAllowedError
	ErrMethodNotAllowed = errors.New("router: method not supported")
	// ErrBadPath is returned when a bound parameter is not valid percent-encoding
	ErrBadPath = errors.New("router: malformed path escape")
)

// NotFoundError reports a path that matches no route under any method
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no route matches %q", e.Path)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MethodNotAllowedError reports a path that exists under other methods
type MethodNotAllowedError struct {
	Method  string
	Path    string
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("method %s not supported for %q (allowed: %s)", e.Method, e.Path, strings.Join(e.Allowed, ", "))
}

func (e *MethodNotAllowedError) Is(target error) bool { return target == ErrMethodNotAllowed }

// Route describes one registered method and pattern
type Route struct {
	Method  string
	Pattern string
}

// Builder collects routes before they are frozen into a Router.
// Registration errors are kept and reported by Build.
type Builder[H any] struct {
	trees map[string]*Tree[H]
	errs  []error
}

// NewBuilder creates an empty builder
func NewBuilder[H any]() *Builder[H] {
	return &Builder[H]{trees: make(map[string]*Tree[H])}
}

// Handle registers h for method and pattern
func (b *Builder[H]) Handle(method, pattern string, h H) *Builder[H] {
	if method == "" || !httpguts.ValidHeaderFieldName(method) {
		b.errs = append(b.errs, fmt.Errorf("%w: bad method %q for %q", ErrInvalidPattern, method, pattern))
		return b
	}
	t, ok := b.trees[method]
	if !ok {
		t = NewTree[H]()
		b.trees[method] = t
	}
	if err := t.Add(pattern, h); err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s %s: %w", method, pattern, err))
	}
	return b
}

func (b *Builder[H]) GET(pattern string, h H) *Builder[H]     { return b.Handle("GET", pattern, h) }
func (b *Builder[H]) POST(pattern string, h H) *Builder[H]    { return b.Handle("POST", pattern, h) }
func (b *Builder[H]) PUT(pattern string, h H) *Builder[H]     { return b.Handle("PUT", pattern, h) }
func (b *Builder[H]) PATCH(pattern string, h H) *Builder[H]   { return b.Handle("PATCH", pattern, h) }
func (b *Builder[H]) DELETE(pattern string, h H) *Builder[H]  { return b.Handle("DELETE", pattern, h) }
func (b *Builder[H]) HEAD(pattern string, h H) *Builder[H]    { return b.Handle("HEAD", pattern, h) }
func (b *Builder[H]) OPTIONS(pattern string, h H) *Builder[H] { return b.Handle("OPTIONS", pattern, h) }

// Build freezes the registered routes. The builder must not be used afterwards.
func (b *Builder[H]) Build() (*Router[H], error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	methods := make([]string, 0, len(b.trees))
	for m := range b.trees {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	return &Router[H]{trees: b.trees, methods: methods}, nil
}

// Router dispatches a method and path to a handler. It is immutable and safe
// for concurrent use.
type Router[H any] struct {
	trees   map[string]*Tree[H]
	methods []string // sorted
}

// Lookup resolves method and path. Parameter values are percent-decoded.
//
// A HEAD request falls back to the GET route when no HEAD route exists.
func (r *Router[H]) Lookup(method, path string) (Match[H], error) {
	if t, ok := r.trees[method]; ok {
		if m, ok := t.Match(path); ok {
			return decodeParams(m)
		}
	}
	if method == "HEAD" {
		if t, ok := r.trees["GET"]; ok {
			if m, ok := t.Match(path); ok {
				return decodeParams(m)
			}
		}
	}

	if allowed := r.Allowed(path); len(allowed) > 0 {
		return Match[H]{}, &MethodNotAllowedError{Method: method, Path: path, Allowed: allowed}
	}
	return Match[H]{}, &NotFoundError{Path: path}
}

// Allowed lists the methods with a route matching path, sorted
func (r *Router[H]) Allowed(path string) []string {
	var allowed []string
	get := false
	head := false
	for _, m := range r.methods {
		if _, ok := r.trees[m].Match(path); ok {
			allowed = append(allowed, m)
			get = get || m == "GET"
			head = head || m == "HEAD"
		}
	}
	if get && !head {
		allowed = append(allowed, "HEAD")
		sort.Strings(allowed)
	}
	return allowed
}

// Routes lists every registered route sorted by pattern, then method
func (r *Router[H]) Routes() []Route {
	var routes []Route
	for _, m := range r.methods {
		for _, p := range r.trees[m].Patterns() {
			routes = append(routes, Route{Method: m, Pattern: p})
		}
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Pattern != routes[j].Pattern {
			return routes[i].Pattern < routes[j].Pattern
		}
		return routes[i].Method < routes[j].Method
	})
	return routes
}

func decodeParams[H any](m Match[H]) (Match[H], error) {
	for i, p := range m.Params {
		if strings.IndexByte(p.Value, '%') < 0 {
			continue
		}
		v, err := url.PathUnescape(p.Value)
		if err != nil {
			return Match[H]{}, fmt.Errorf("%w: %s=%q", ErrBadPath, p.Key, p.Value)
		}
		m.Params[i].Value = v
	}
	return m, nil
}
