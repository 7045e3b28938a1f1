// Package health implements the health reporting sink spec §1 names as an
// external collaborator and specifies the shape of at §7/§8 S6: structured
// component health plus per-failover-unit ReconfigurationStuckDescriptor
// warnings that can later be cleared.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/ravault/pkg/ratypes"
)

// ComponentHealth tracks the health of one process-level component
// (e.g. "raft", "kvstore", "hosting").
type ComponentHealth struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

// ReconfigurationStuckDescriptor enumerates delinquent replicas and the
// phase a reconfiguration has been stuck in past its configured timeout
// (spec §4.5, §7, §8 S6).
type ReconfigurationStuckDescriptor struct {
	FailoverUnitID      string                         `json:"failover_unit_id"`
	Phase               ratypes.ReconfigurationPhase   `json:"phase"`
	DelinquentReplicas  []string                       `json:"delinquent_replicas"`
	RaisedAt            time.Time                      `json:"raised_at"`
}

// Status represents the overall process health/readiness payload.
type Status struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// Checker is the process-wide singleton sink, mirroring the teacher's
// HealthChecker (pkg/metrics/health.go), extended with per-FT stuck
// descriptors.
type Checker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	stuck      map[string]ReconfigurationStuckDescriptor // keyed by ft_id
	startTime  time.Time
	version    string
	criticalComponents []string
}

var defaultChecker = NewChecker([]string{"kvstore", "replicatedstore", "ra"})

// NewChecker constructs a Checker; criticalComponents gates readiness.
func NewChecker(criticalComponents []string) *Checker {
	return &Checker{
		components:         make(map[string]ComponentHealth),
		stuck:               make(map[string]ReconfigurationStuckDescriptor),
		startTime:          time.Now(),
		criticalComponents: criticalComponents,
	}
}

// Default returns the process-wide Checker singleton.
func Default() *Checker { return defaultChecker }

func (c *Checker) SetVersion(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = v
}

func (c *Checker) RegisterComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = ComponentHealth{Name: name, Healthy: healthy, Message: message, Updated: time.Now()}
}

func (c *Checker) UpdateComponent(name string, healthy bool, message string) {
	c.RegisterComponent(name, healthy, message)
}

// RaiseReconfigurationStuck records a stuck-reconfiguration warning (spec
// §8 S6: "the RA emits a health warning whose descriptor lists the two
// delinquent replicas by id and the phase").
func (c *Checker) RaiseReconfigurationStuck(d ReconfigurationStuckDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.RaisedAt.IsZero() {
		d.RaisedAt = time.Now()
	}
	c.stuck[d.FailoverUnitID] = d
}

// ClearReconfigurationStuck clears a prior warning for ftID, e.g. when FM
// issues a new reconfiguration (spec §8 S6: "the prior warning is cleared").
// This mirrors the original's ClearWarningErrorHealthReportDescriptor.
func (c *Checker) ClearReconfigurationStuck(ftID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stuck, ftID)
}

// IsStuck reports whether ftID currently has a raised stuck warning.
func (c *Checker) IsStuck(ftID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.stuck[ftID]
	return ok
}

// StuckReconfigurations returns a snapshot of all currently-raised stuck
// warnings.
func (c *Checker) StuckReconfigurations() []ReconfigurationStuckDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ReconfigurationStuckDescriptor, 0, len(c.stuck))
	for _, d := range c.stuck {
		out = append(out, d)
	}
	return out
}

func (c *Checker) GetHealth() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)
	for name, comp := range c.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}
	if len(c.stuck) > 0 && status == "healthy" {
		status = "degraded"
	}

	return Status{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).String(),
	}
}

func (c *Checker) GetReadiness() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)
	for _, name := range c.criticalComponents {
		comp, exists := c.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return Status{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).String(),
	}
}

// HealthHandler serves /healthz.
func (c *Checker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := c.GetHealth()
		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if h.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	}
}

// ReadyHandler serves /readyz.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := c.GetReadiness()
		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if h.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	}
}

// LiveHandler serves /livez.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(c.startTime).String(),
		})
	}
}
