package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPattern is returned for malformed route patterns
	ErrInvalidPattern = errors.New("router: invalid pattern")
	// ErrRouteConflict is returned when two patterns match exactly the same paths
	ErrRouteConflict = errors.New("router: route conflict")
)

// Param is a single bound path parameter
type Param struct {
	Key   string
	Value string
}

// Params holds bound parameters in pattern order
type Params []Param

// Get returns the value bound to name
func (ps Params) Get(name string) (string, bool) {
	for _, p := range ps {
		if p.Key == name {
			return p.Value, true
		}
	}
	return "", false
}

// ByName returns the value bound to name, or "" when absent
func (ps Params) ByName(name string) string {
	v, _ := ps.Get(name)
	return v
}

// Map copies the parameters into a map
func (ps Params) Map() map[string]string {
	m := make(map[string]string, len(ps))
	for _, p := range ps {
		m[p.Key] = p.Value
	}
	return m
}

// Match is the result of a successful lookup
type Match[T any] struct {
	Value   T
	Params  Params
	Pattern string
}

type nodeType uint8

const (
	static   nodeType = iota // default
	param                    // :name
	catchAll                 // *name
)

// leaf is the terminal of a registered pattern. Names live on the leaf so
// /user/:id and /user/:name/posts can share the same parameter node.
type leaf[T any] struct {
	value   T
	pattern string
	names   []string
}

type node[T any] struct {
	children map[string]*node[T]
	param    *node[T]
	catchAll *node[T]
	leaf     *leaf[T]
}

type segment struct {
	typ  nodeType
	text string // literal for static, name for param and catch-all
}

// Tree is a segment trie mapping route patterns to values of type T.
//
// Priority per segment is static > :param > *catchAll; a failed static
// branch backtracks into the parameter branch. A Tree is not safe for
// concurrent Add, but concurrent Match calls are fine once it is populated.
type Tree[T any] struct {
	root     *node[T]
	exact    map[string]*leaf[T] // fully static patterns
	patterns []string
}

// NewTree creates an empty tree
func NewTree[T any]() *Tree[T] {
	return &Tree[T]{
		root:  &node[T]{},
		exact: make(map[string]*leaf[T]),
	}
}

// Add registers pattern with value v
func (t *Tree[T]) Add(pattern string, v T) error {
	segs, err := parsePattern(pattern)
	if err != nil {
		return err
	}

	n := t.root
	names := make([]string, 0, 2)
	wild := false
	for _, s := range segs {
		switch s.typ {
		case static:
			if n.children == nil {
				n.children = make(map[string]*node[T])
			}
			child, ok := n.children[s.text]
			if !ok {
				child = &node[T]{}
				n.children[s.text] = child
			}
			n = child
		case param:
			if n.param == nil {
				n.param = &node[T]{}
			}
			n = n.param
			names = append(names, s.text)
			wild = true
		case catchAll:
			if n.catchAll == nil {
				n.catchAll = &node[T]{}
			}
			n = n.catchAll
			names = append(names, s.text)
			wild = true
		}
	}

	if n.leaf != nil {
		return fmt.Errorf("%w: %q collides with %q", ErrRouteConflict, pattern, n.leaf.pattern)
	}
	n.leaf = &leaf[T]{value: v, pattern: pattern, names: names}
	if !wild {
		t.exact[pattern] = n.leaf
	}
	t.patterns = append(t.patterns, pattern)
	return nil
}

// Match finds the best pattern for path. Parameter values are returned
// exactly as they appear in path.
func (t *Tree[T]) Match(path string) (Match[T], bool) {
	if l, ok := t.exact[path]; ok {
		return Match[T]{Value: l.value, Pattern: l.pattern}, true
	}
	if len(path) == 0 || path[0] != '/' {
		return Match[T]{}, false
	}

	segs := strings.Split(path[1:], "/")
	l, values := t.root.match(segs, 0, make([]string, 0, 4))
	if l == nil {
		return Match[T]{}, false
	}

	m := Match[T]{Value: l.value, Pattern: l.pattern}
	if len(l.names) > 0 {
		m.Params = make(Params, len(l.names))
		for i, name := range l.names {
			m.Params[i] = Param{Key: name, Value: values[i]}
		}
	}
	return m, true
}

func (n *node[T]) match(segs []string, i int, values []string) (*leaf[T], []string) {
	if i == len(segs) {
		return n.leaf, values
	}
	seg := segs[i]

	if child, ok := n.children[seg]; ok {
		if l, v := child.match(segs, i+1, values); l != nil {
			return l, v
		}
	}

	if n.param != nil && seg != "" {
		if l, v := n.param.match(segs, i+1, append(values, seg)); l != nil {
			return l, v
		}
	}

	if n.catchAll != nil && n.catchAll.leaf != nil {
		if rest := strings.Join(segs[i:], "/"); rest != "" {
			return n.catchAll.leaf, append(values, rest)
		}
	}

	return nil, values
}

// Len returns the number of registered patterns
func (t *Tree[T]) Len() int {
	return len(t.patterns)
}

// Patterns returns registered patterns in insertion order
func (t *Tree[T]) Patterns() []string {
	out := make([]string, len(t.patterns))
	copy(out, t.patterns)
	return out
}

func parsePattern(pattern string) ([]segment, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("%w: %q must begin with '/'", ErrInvalidPattern, pattern)
	}

	parts := strings.Split(pattern[1:], "/")
	segs := make([]segment, 0, len(parts))
	seen := make(map[string]struct{})

	for i, part := range parts {
		last := i == len(parts)-1
		if part == "" {
			if !last {
				return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, pattern)
			}
			segs = append(segs, segment{typ: static})
			continue
		}

		typ := static
		switch part[0] {
		case ':':
			typ = param
		case '*':
			typ = catchAll
			if !last {
				return nil, fmt.Errorf("%w: %q catch-all must be the final segment", ErrInvalidPattern, pattern)
			}
		}

		if typ == static {
			segs = append(segs, segment{typ: static, text: part})
			continue
		}

		name := part[1:]
		if !validName(name) {
			return nil, fmt.Errorf("%w: %q has bad parameter name %q", ErrInvalidPattern, pattern, name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q repeats parameter %q", ErrInvalidPattern, pattern, name)
		}
		seen[name] = struct{}{}
		segs = append(segs, segment{typ: typ, text: name})
	}

	return segs, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
