// Package health serves liveness and readiness probes for the relay.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck is the result of one named check.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body of /live and /ready.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil when the component is healthy.
type CheckFunc func() error

// Checker aggregates named liveness and readiness checks.
type Checker struct {
	mu           sync.RWMutex
	liveness     map[string]CheckFunc
	readiness    map[string]CheckFunc
	shuttingDown atomic.Bool
}

// New returns a Checker with no checks.
func New() *Checker {
	return &Checker{
		liveness:  make(map[string]CheckFunc),
		readiness: make(map[string]CheckFunc),
	}
}

// RegisterLiveness adds a check run on every /live request.
func (c *Checker) RegisterLiveness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveness[name] = check
}

// RegisterReadiness adds a check run on every /ready request.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readiness[name] = check
}

// SetShuttingDown makes both probes report down.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// ShuttingDown reports whether SetShuttingDown was called.
func (c *Checker) ShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Live runs the liveness checks.
func (c *Checker) Live() Response { return c.evaluate(c.liveness) }

// Ready runs the readiness checks.
func (c *Checker) Ready() Response { return c.evaluate(c.readiness) }

func (c *Checker) evaluate(set map[string]CheckFunc) Response {
	now := time.Now().UTC().Format(time.RFC3339)
	if c.shuttingDown.Load() {
		return Response{
			Status:    StatusDown,
			Timestamp: now,
			Components: map[string]ComponentCheck{
				"process": {Status: StatusDown, Message: "shutting down"},
			},
		}
	}

	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(set))
	for k, v := range set {
		checks[k] = v
	}
	c.mu.RUnlock()

	resp := Response{Status: StatusUp, Timestamp: now}
	if len(checks) == 0 {
		return resp
	}
	resp.Components = make(map[string]ComponentCheck, len(checks))
	for name, check := range checks {
		if err := check(); err != nil {
			resp.Status = StatusDown
			resp.Components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
		} else {
			resp.Components[name] = ComponentCheck{Status: StatusUp}
		}
	}
	return resp
}

// LiveHandler serves /live.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, c.Live()) }
}

// ReadyHandler serves /ready.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, c.Ready()) }
}

// Register mounts /live and /ready on mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.HandleFunc("/live", c.LiveHandler())
	mux.HandleFunc("/ready", c.ReadyHandler())
}

// Down returns the names of failing components in sorted order.
func (r Response) Down() []string {
	var out []string
	for name, cc := range r.Components {
		if cc.Status == StatusDown {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, resp Response) {
	code := http.StatusOK
	if resp.Status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// Forwarder is the view of a forwarding client the checks need.
type Forwarder interface {
	Running() bool
	Session() bool
	Connected() bool
	QueueLen() int
}

var (
	errNotRunning   = errors.New("dispatcher not running")
	errDisconnected = errors.New("not connected to aggregator")
)

// ForwarderLiveness fails once the dispatcher loop has stopped.
func ForwarderLiveness(f Forwarder) CheckFunc {
	return func() error {
		if !f.Running() {
			return errNotRunning
		}
		return nil
	}
}

// ForwarderReadiness fails when the dispatcher is stopped, when a socket
// client is disconnected, or when maxQueue > 0 samples are pending.
func ForwarderReadiness(f Forwarder, maxQueue int) CheckFunc {
	return func() error {
		if !f.Running() {
			return errNotRunning
		}
		if f.Session() && !f.Connected() {
			return errDisconnected
		}
		if maxQueue > 0 {
			if n := f.QueueLen(); n > maxQueue {
				return fmt.Errorf("queue backlog %d exceeds %d", n, maxQueue)
			}
		}
		return nil
	}
}
