package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTreeStatic tests basic static routing
func TestTreeStatic(t *testing.T) {
	tree := NewTree[string]()
	require.NoError(t, tree.Add("/", "root"))
	require.NoError(t, tree.Add("/hello", "hello"))
	require.NoError(t, tree.Add("/hello/world", "world"))
	require.NoError(t, tree.Add("/hello/", "hello-slash"))

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/", "root", true},
		{"/hello", "hello", true},
		{"/hello/", "hello-slash", true},
		{"/hello/world", "world", true},
		{"/hello/world/", "", false},
		{"/notfound", "", false},
		{"", "", false},
		{"hello", "", false},
	}

	for _, tt := range tests {
		m, ok := tree.Match(tt.path)
		assert.Equal(t, tt.ok, ok, "path %q", tt.path)
		if ok {
			assert.Equal(t, tt.want, m.Value, "path %q", tt.path)
			assert.Empty(t, m.Params)
		}
	}
	assert.Equal(t, 4, tree.Len())
}

// TestTreeParams tests placeholder binding
func TestTreeParams(t *testing.T) {
	tree := NewTree[int]()
	require.NoError(t, tree.Add("/person/:id", 1))
	require.NoError(t, tree.Add("/user/:uid/posts/:pid", 2))
	require.NoError(t, tree.Add("/user/:name/profile", 3))

	m, ok := tree.Match("/person/42")
	require.True(t, ok)
	assert.Equal(t, 1, m.Value)
	assert.Equal(t, "/person/:id", m.Pattern)
	assert.Equal(t, Params{{Key: "id", Value: "42"}}, m.Params)

	m, ok = tree.Match("/user/7/posts/99")
	require.True(t, ok)
	assert.Equal(t, 2, m.Value)
	assert.Equal(t, "7", m.Params.ByName("uid"))
	assert.Equal(t, "99", m.Params.ByName("pid"))

	// Shares the :uid node but binds under its own name.
	m, ok = tree.Match("/user/alice/profile")
	require.True(t, ok)
	assert.Equal(t, 3, m.Value)
	assert.Equal(t, map[string]string{"name": "alice"}, m.Params.Map())

	_, ok = tree.Match("/person/")
	assert.False(t, ok, "empty segment must not bind a parameter")
	_, ok = tree.Match("/person")
	assert.False(t, ok)
	_, ok = tree.Match("/person/42/extra")
	assert.False(t, ok)
}

// TestTreePriority tests route priority (static > param > catch-all)
func TestTreePriority(t *testing.T) {
	tree := NewTree[string]()
	require.NoError(t, tree.Add("/user/admin", "exact"))
	require.NoError(t, tree.Add("/user/:id", "param"))
	require.NoError(t, tree.Add("/user/*rest", "catch"))

	tests := []struct {
		path string
		want string
	}{
		{"/user/admin", "exact"},
		{"/user/123", "param"},
		{"/user/admin/x", "catch"},
		{"/user/123/x/y", "catch"},
	}
	for _, tt := range tests {
		m, ok := tree.Match(tt.path)
		require.True(t, ok, tt.path)
		assert.Equal(t, tt.want, m.Value, tt.path)
	}

	m, _ := tree.Match("/user/123/x/y")
	assert.Equal(t, "123/x/y", m.Params.ByName("rest"))
}

// TestTreeBacktracking tests falling back from a static branch to a param branch
func TestTreeBacktracking(t *testing.T) {
	tree := NewTree[string]()
	require.NoError(t, tree.Add("/a/b/c", "static"))
	require.NoError(t, tree.Add("/a/:x/d", "param"))

	m, ok := tree.Match("/a/b/d")
	require.True(t, ok)
	assert.Equal(t, "param", m.Value)
	assert.Equal(t, "b", m.Params.ByName("x"))

	m, ok = tree.Match("/a/b/c")
	require.True(t, ok)
	assert.Equal(t, "static", m.Value)
}

// TestTreeCatchAll tests catch-all binding rules
func TestTreeCatchAll(t *testing.T) {
	tree := NewTree[string]()
	require.NoError(t, tree.Add("/static/*filepath", "files"))

	m, ok := tree.Match("/static/css/site.css")
	require.True(t, ok)
	assert.Equal(t, "css/site.css", m.Params.ByName("filepath"))

	m, ok = tree.Match("/static/dir/")
	require.True(t, ok)
	assert.Equal(t, "dir/", m.Params.ByName("filepath"))

	_, ok = tree.Match("/static/")
	assert.False(t, ok, "catch-all needs a non-empty remainder")
	_, ok = tree.Match("/static")
	assert.False(t, ok)
}

// TestTreeInvalidPatterns tests pattern validation
func TestTreeInvalidPatterns(t *testing.T) {
	patterns := []string{
		"",
		"noslash",
		"/a//b",
		"/:",
		"/*",
		"/*rest/more",
		"/:id/:id",
		"/:1abc",
		"/:na-me",
	}
	for _, p := range patterns {
		tree := NewTree[int]()
		err := tree.Add(p, 1)
		assert.ErrorIs(t, err, ErrInvalidPattern, "pattern %q", p)
	}
}

// TestTreeConflict tests that equivalent patterns collide
func TestTreeConflict(t *testing.T) {
	tree := NewTree[int]()
	require.NoError(t, tree.Add("/user/:id", 1))
	assert.ErrorIs(t, tree.Add("/user/:name", 2), ErrRouteConflict)
	assert.ErrorIs(t, tree.Add("/user/:id", 3), ErrRouteConflict)

	require.NoError(t, tree.Add("/files/*a", 1))
	assert.ErrorIs(t, tree.Add("/files/*b", 2), ErrRouteConflict)

	require.NoError(t, tree.Add("/x", 1))
	assert.ErrorIs(t, tree.Add("/x", 2), ErrRouteConflict)
}

// TestTreeColonInsideSegment tests that ':' is only special at segment start
func TestTreeColonInsideSegment(t *testing.T) {
	tree := NewTree[int]()
	require.NoError(t, tree.Add("/v1/items:batch", 1))

	m, ok := tree.Match("/v1/items:batch")
	require.True(t, ok)
	assert.Equal(t, 1, m.Value)
}

// BenchmarkTreeStatic benchmarks static route lookup
func BenchmarkTreeStatic(b *testing.B) {
	tree := NewTree[int]()
	_ = tree.Add("/hello/world", 1)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tree.Match("/hello/world")
	}
}

// BenchmarkTreeParam benchmarks parameterized route lookup
func BenchmarkTreeParam(b *testing.B) {
	tree := NewTree[int]()
	_ = tree.Add("/user/:id/posts/:pid", 1)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tree.Match("/user/123/posts/456")
	}
}
