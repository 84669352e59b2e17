package main

import (
	nethttp "net/http"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/dispatch-server/config"
	"github.com/searchktools/dispatch-server/core"
	"github.com/searchktools/dispatch-server/core/http"
)

// Person is the demo model. ID is never empty.
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type postPersonCommand struct {
	Name string `json:"name"`
}

// people is an in-memory directory; nothing survives a restart
type people struct {
	mu   sync.RWMutex
	byID map[string]Person
}

func (p *people) get(id string) (Person, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	person, ok := p.byID[id]
	return person, ok
}

func (p *people) put(person Person) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[person.ID] = person
}

func (p *people) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

func registerRoutes(e *core.Engine, demo config.DemoConfig) {
	dir := &people{byID: make(map[string]Person)}
	started := time.Now()

	e.GET("/", echoHandler(demo.EchoDelay))
	e.GET("/person/:id", getPerson(dir))
	e.POST("/person/:id", postPerson(dir))
	e.GET("/status", statusHandler(e, dir, started))
}

// echoHandler answers after delay without holding a worker past the
// request deadline
func echoHandler(delay time.Duration) core.HandlerFunc {
	return func(c *http.Context) (*http.Response, error) {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-c.Context().Done():
				return nil, c.Context().Err()
			}
		}
		return c.String(nethttp.StatusOK, "Hello world"), nil
	}
}

func personID(c *http.Context) (string, error) {
	id := c.Param("id")
	if id == "" {
		return "", http.NewError(nethttp.StatusBadRequest, "not an id")
	}
	return id, nil
}

func getPerson(dir *people) core.HandlerFunc {
	return func(c *http.Context) (*http.Response, error) {
		id, err := personID(c)
		if err != nil {
			return nil, err
		}
		person, ok := dir.get(id)
		if !ok {
			return nil, http.NewError(nethttp.StatusNotFound, "the requested person doesn't exist")
		}
		return c.JSON(nethttp.StatusOK, person), nil
	}
}

func postPerson(dir *people) core.HandlerFunc {
	return func(c *http.Context) (*http.Response, error) {
		id, err := personID(c)
		if err != nil {
			return nil, err
		}
		var cmd postPersonCommand
		if err := c.Bind(&cmd); err != nil {
			return nil, err
		}
		person := Person{ID: id, Name: cmd.Name}
		dir.put(person)
		return c.JSON(nethttp.StatusOK, person), nil
	}
}

// statusHandler reports dispatcher counters as JSON, or as a protobuf
// google.protobuf.Struct when the client asks for application/x-protobuf.
func statusHandler(e *core.Engine, dir *people, started time.Time) core.HandlerFunc {
	return func(c *http.Context) (*http.Response, error) {
		stats := e.Dispatcher().Stats()
		st, err := structpb.NewStruct(map[string]any{
			"status":         "ok",
			"version":        version,
			"uptime_seconds": time.Since(started).Seconds(),
			"people":         dir.len(),
			"dispatcher": map[string]any{
				"workers":       stats.NumWorkers,
				"in_flight":     stats.InFlight,
				"tasks_pending": stats.TasksPending,
				"submitted":     stats.TasksSubmitted,
				"completed":     stats.TasksCompleted,
				"rejected":      stats.TasksRejected,
			},
		})
		if err != nil {
			return nil, err
		}
		return c.Negotiate(nethttp.StatusOK, st), nil
	}
}
