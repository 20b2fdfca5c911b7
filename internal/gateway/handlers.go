package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/registry"
)

// healthResponse is the /health payload.
type healthResponse struct {
	Status    string    `json:"status"`
	Gateway   string    `json:"gateway,omitempty"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// readyResponse is the /ready payload.
type readyResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// serviceStatus is the per-service view rendered by /services and
// /services/{key}/health.
type serviceStatus struct {
	Key                 string     `json:"key"`
	Name                string     `json:"name,omitempty"`
	PathPrefix          string     `json:"pathPrefix,omitempty"`
	URL                 string     `json:"url,omitempty"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastCheck           *time.Time `json:"lastCheck,omitempty"`
	LastLatency         string     `json:"lastLatency,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
}

// servicesResponse is the /services payload.
type servicesResponse struct {
	Services []serviceStatus `json:"services"`
	Count    int             `json:"count"`
}

// handleHealth reports process liveness. It answers 200 whenever the
// process can serve HTTP at all.
func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{
		Status:    "ok",
		Gateway:   s.config.Gateway.Name,
		Version:   s.version,
		Timestamp: time.Now().UTC(),
	}
	if !s.startTime.IsZero() {
		resp.Uptime = s.Uptime().Round(time.Second).String()
	}

	c.JSON(http.StatusOK, resp)
}

// handleReady reports whether the gateway should receive traffic.
// While a stop is draining in-flight requests the answer is 503 so
// load balancers route around this instance.
func (s *Server) handleReady(c *gin.Context) {
	now := time.Now().UTC()

	switch s.State() {
	case StateRunning:
		c.JSON(http.StatusOK, readyResponse{Status: "ready", Timestamp: now})
	case StateStopping:
		c.JSON(http.StatusServiceUnavailable, readyResponse{Status: "draining", Timestamp: now})
	default:
		c.JSON(http.StatusServiceUnavailable, readyResponse{Status: "not ready", Timestamp: now})
	}
}

// handleServices lists every catalog service with its current health
// state, sorted by key.
func (s *Server) handleServices(c *gin.Context) {
	snapshot := s.registry.Snapshot()

	services := make([]serviceStatus, 0, len(snapshot))
	for _, key := range s.registry.Keys() {
		svc, ok := s.registry.Service(key)
		if !ok {
			continue
		}
		services = append(services, newServiceStatus(svc, snapshot[key]))
	}

	c.JSON(http.StatusOK, servicesResponse{
		Services: services,
		Count:    len(services),
	})
}

// handleServiceHealth reports the health state of one service.
func (s *Server) handleServiceHealth(c *gin.Context) {
	key := c.Param("key")

	health, ok := s.registry.Health(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("unknown service %q", key),
		})
		return
	}

	svc, _ := s.registry.Service(key)
	c.JSON(http.StatusOK, newServiceStatus(svc, health))
}

func newServiceStatus(svc *config.ServiceConfig, health registry.ServiceHealth) serviceStatus {
	st := serviceStatus{
		Status:              health.Status.String(),
		ConsecutiveFailures: health.ConsecutiveFailures,
		LastError:           health.LastError,
	}

	if svc != nil {
		st.Key = svc.Key
		st.Name = svc.Name
		st.PathPrefix = svc.PathPrefix
		st.URL = svc.URL
	}

	if !health.LastCheck.IsZero() {
		lastCheck := health.LastCheck
		st.LastCheck = &lastCheck
	}
	if health.LastLatency > 0 {
		st.LastLatency = health.LastLatency.String()
	}

	return st
}
