package router

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestRouter(t *testing.T) *Router[string] {
	t.Helper()
	r, err := NewBuilder[string]().
		GET("/", "index").
		GET("/person/:id", "get-person").
		POST("/person/:id", "post-person").
		PUT("/files/*path", "put-file").
		Build()
	require.NoError(t, err)
	return r
}

// TestRouterLookup tests method dispatch
func TestRouterLookup(t *testing.T) {
	r := buildTestRouter(t)

	m, err := r.Lookup("GET", "/person/7")
	require.NoError(t, err)
	assert.Equal(t, "get-person", m.Value)
	assert.Equal(t, "7", m.Params.ByName("id"))

	m, err = r.Lookup("POST", "/person/7")
	require.NoError(t, err)
	assert.Equal(t, "post-person", m.Value)

	m, err = r.Lookup("PUT", "/files/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", m.Params.ByName("path"))
}

// TestRouterNotFound tests the no-route case
func TestRouterNotFound(t *testing.T) {
	r := buildTestRouter(t)

	_, err := r.Lookup("GET", "/nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "/nope", nf.Path)
}

// TestRouterMethodNotAllowed tests the wrong-method case
func TestRouterMethodNotAllowed(t *testing.T) {
	r := buildTestRouter(t)

	_, err := r.Lookup("DELETE", "/person/7")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMethodNotAllowed)

	var mna *MethodNotAllowedError
	require.True(t, errors.As(err, &mna))
	assert.Equal(t, []string{"GET", "HEAD", "POST"}, mna.Allowed)
}

// TestRouterHeadFallback tests HEAD served by the GET route
func TestRouterHeadFallback(t *testing.T) {
	r := buildTestRouter(t)

	m, err := r.Lookup("HEAD", "/person/1")
	require.NoError(t, err)
	assert.Equal(t, "get-person", m.Value)

	_, err = r.Lookup("HEAD", "/files/x")
	assert.ErrorIs(t, err, ErrMethodNotAllowed)
}

// TestRouterDecodesParams tests percent-decoding of bound values
func TestRouterDecodesParams(t *testing.T) {
	r := buildTestRouter(t)

	m, err := r.Lookup("GET", "/person/j%C3%BCrgen%20k")
	require.NoError(t, err)
	assert.Equal(t, "jürgen k", m.Params.ByName("id"))

	_, err = r.Lookup("GET", "/person/%zz")
	assert.ErrorIs(t, err, ErrBadPath)
}

// TestBuilderErrors tests that registration errors surface on Build
func TestBuilderErrors(t *testing.T) {
	_, err := NewBuilder[int]().
		GET("/a/:id", 1).
		GET("/a/:other", 2).
		Handle("BAD METHOD", "/x", 3).
		POST("nope", 4).
		Build()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRouteConflict)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

// TestRouterRoutes tests the sorted route listing
func TestRouterRoutes(t *testing.T) {
	r := buildTestRouter(t)
	assert.Equal(t, []Route{
		{Method: "GET", Pattern: "/"},
		{Method: "PUT", Pattern: "/files/*path"},
		{Method: "GET", Pattern: "/person/:id"},
		{Method: "POST", Pattern: "/person/:id"},
	}, r.Routes())
}

// TestRouterConcurrentLookup tests lookups from many goroutines
func TestRouterConcurrentLookup(t *testing.T) {
	r := buildTestRouter(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				m, err := r.Lookup("GET", "/person/abc")
				if err != nil || m.Params.ByName("id") != "abc" {
					t.Errorf("unexpected lookup result: %v %v", m, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
