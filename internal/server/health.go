package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
	statusUnknown  = "unknown"
)

// healthCache memoizes the basic health response so probes hitting
// /health do not touch the index database on every request.
type healthCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	status   string
	cachedAt time.Time
}

func (c *healthCache) get(compute func() string) (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == "" || time.Since(c.cachedAt) > c.ttl {
		c.status = compute()
		c.cachedAt = time.Now()
	}
	return c.status, c.cachedAt
}

// handleHealth reports overall status, cached up to five minutes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, at := s.health.get(func() string {
		return s.overallStatus(r)
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": at.UTC().Format(time.RFC3339),
	})
}

// handleDetailedHealth reports per-component status. Unhealthy components
// degrade the response, they never turn it into an HTTP error.
func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"data_sources": s.dataSourcesHealth(),
		"storage":      s.storageHealth(r),
		"pipeline":     s.pipelineHealth(),
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     s.overallStatus(r),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
	})
}

// handleComponentHealth reports one component, 400 on unknown names.
func (s *Server) handleComponentHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var component map[string]interface{}
	switch name {
	case "data_sources":
		component = s.dataSourcesHealth()
	case "storage":
		component = s.storageHealth(r)
	case "pipeline":
		component = s.pipelineHealth()
	default:
		s.writeError(w, http.StatusBadRequest, "unknown component: "+name)
		return
	}
	component["component"] = name
	s.writeJSON(w, http.StatusOK, component)
}

func (s *Server) overallStatus(r *http.Request) string {
	for _, c := range []map[string]interface{}{
		s.dataSourcesHealth(),
		s.storageHealth(r),
		s.pipelineHealth(),
	} {
		if c["status"] == statusDegraded {
			return statusDegraded
		}
	}
	return statusHealthy
}

// dataSourcesHealth maps feed circuit breaker states to a status: an open
// breaker means the feed is known bad.
func (s *Server) dataSourcesHealth() map[string]interface{} {
	if s.feeds == nil {
		return map[string]interface{}{"status": statusUnknown}
	}
	states := s.feeds.FeedStates()
	status := statusHealthy
	for _, state := range states {
		if state != "closed" {
			status = statusDegraded
		}
	}
	return map[string]interface{}{
		"status": status,
		"feeds":  states,
	}
}

func (s *Server) storageHealth(r *http.Request) map[string]interface{} {
	component := map[string]interface{}{"status": statusHealthy}
	if err := s.store.HealthCheck(r.Context()); err != nil {
		component["status"] = statusDegraded
		component["error"] = err.Error()
	}
	return component
}

// pipelineHealth reports whether a cycle is running plus the most recent
// persisted run, when history is wired.
func (s *Server) pipelineHealth() map[string]interface{} {
	component := map[string]interface{}{"status": statusHealthy}
	if s.pipeline != nil {
		component["busy"] = s.pipeline.Busy()
	}
	if s.history != nil {
		latest, err := s.history.Latest()
		if err != nil {
			component["status"] = statusDegraded
			component["error"] = err.Error()
		} else if latest != nil {
			component["last_run"] = latest
			if latest.Status != "completed" {
				component["status"] = statusDegraded
			}
		}
	}
	if s.jobs != nil {
		component["registered_jobs"] = s.jobs.Count()
	}
	return component
}
