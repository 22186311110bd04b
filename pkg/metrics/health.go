package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Component names reported by the daemon
const (
	ComponentStore     = "store"
	ComponentProjector = "projector"
	ComponentRuntime   = "runtime"
	ComponentAPI       = "api"
)

// Report is the body of /health and /ready
type Report struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentState struct {
	healthy bool
	message string
}

type checker struct {
	mu       sync.RWMutex
	states   map[string]componentState
	critical []string
	started  time.Time
	version  string
}

func newChecker(critical ...string) *checker {
	return &checker{
		states:   make(map[string]componentState),
		critical: critical,
		started:  time.Now(),
	}
}

var health = newChecker(ComponentStore, ComponentProjector, ComponentAPI)

// SetVersion sets the version reported by /health and /ready
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// SetCriticalComponents replaces the components /ready waits for
func SetCriticalComponents(names ...string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.critical = names
}

// RegisterComponent records whether a component works. The message is shown
// while it does not.
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.states[name] = componentState{healthy: healthy, message: message}
}

// liveness is unhealthy as soon as any registered component is
func (c *checker) liveness() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ok := true
	components := make(map[string]string, len(c.states))
	for name, st := range c.states {
		if st.healthy {
			components[name] = "healthy"
			continue
		}
		ok = false
		components[name] = "unhealthy: " + st.message
	}

	status := "healthy"
	if !ok {
		status = "unhealthy"
	}
	return c.report(status, "", components), ok
}

// readiness needs every critical component registered and healthy
func (c *checker) readiness() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ok := true
	message := ""
	components := make(map[string]string, len(c.critical))
	for _, name := range c.critical {
		st, seen := c.states[name]
		switch {
		case !seen:
			ok = false
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !st.healthy:
			ok = false
			message = "waiting for " + name
			components[name] = "not ready: " + st.message
		default:
			components[name] = "ready"
		}
	}

	status := "ready"
	if !ok {
		status = "not_ready"
	}
	return c.report(status, message, components), ok
}

func (c *checker) report(status, message string, components map[string]string) Report {
	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    c.version,
		Uptime:     time.Since(c.started).String(),
	}
}

func reportHandler(check func() (Report, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, ok := check()
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// NewServeMux serves /metrics, /health, /ready and /live. /live answers 200
// for as long as the process serves requests.
func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", reportHandler(func() (Report, bool) { return health.liveness() }))
	mux.HandleFunc("/ready", reportHandler(func() (Report, bool) { return health.readiness() }))
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(health.started).String(),
		})
	})
	return mux
}
