package fleet

import (
	"context"
	"errors"
	"time"

	"fleetbot/internal/registry"
	"fleetbot/internal/worker"
)

var (
	ErrUnknownTenant  = errors.New("unknown tenant")
	ErrDisabled       = errors.New("tenant disabled")
	ErrAlreadyRunning = errors.New("worker already running")
	ErrNotRunning     = errors.New("worker not running")
	ErrStopTimeout    = errors.New("worker did not terminate cleanly")
)

// State is the supervisor's view of a tenant's worker.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateErrored  State = "errored"
)

// active reports whether a worker goroutine is (or may be) alive.
func (s State) active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// ErrorHistory is the number of errors kept per tenant.
const ErrorHistory = 10

// ErrorEntry is one recorded error.
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Status is a copy of a tenant's status merged with its worker's live progress.
type Status struct {
	Tenant    string           `json:"tenant"`
	Name      string           `json:"name,omitempty"`
	Enabled   bool             `json:"enabled"`
	State     State            `json:"state"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	StoppedAt time.Time        `json:"stopped_at,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	Errors    []ErrorEntry     `json:"errors,omitempty"`
	Progress  *worker.Progress `json:"progress,omitempty"`
}

// Transition is published on the event bus for every status change.
type Transition struct {
	Tenant string `json:"tenant"`
	From   State  `json:"from"`
	To     State  `json:"to"`
	Error  string `json:"error,omitempty"`
}

// Summary counts tenants by status.
type Summary struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
	Running int `json:"running"`
	Errored int `json:"errored"`
}

// Registry is the read side of the account registry.
type Registry interface {
	Get(id string) (registry.Tenant, error)
	List() ([]registry.Tenant, error)
	Enabled() ([]registry.Tenant, error)
}

// Runner is a built worker.
type Runner interface {
	Run(ctx context.Context) error
	Progress() worker.Progress
}

// Factory builds a Runner for a tenant. report must receive every event the
// runner emits.
type Factory interface {
	Build(t registry.Tenant, report worker.Reporter) (Runner, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(t registry.Tenant, report worker.Reporter) (Runner, error)

func (f FactoryFunc) Build(t registry.Tenant, report worker.Reporter) (Runner, error) {
	return f(t, report)
}

// WorkerFactory adapts a *worker.Factory.
func WorkerFactory(f *worker.Factory) Factory {
	return FactoryFunc(func(t registry.Tenant, report worker.Reporter) (Runner, error) {
		w, err := f.Build(t, report)
		if err != nil {
			return nil, err
		}
		return w, nil
	})
}

// Results maps tenant id to the outcome of a bulk operation (nil is success).
type Results map[string]error

// Failed returns the ids whose operation failed.
func (r Results) Failed() []string {
	var out []string
	for id, err := range r {
		if err != nil {
			out = append(out, id)
		}
	}
	return out
}
