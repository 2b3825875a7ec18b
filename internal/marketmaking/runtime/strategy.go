// Package runtime runs strategy instances: the cooperative run loop with
// error backoff, the per-instance safety controller, the instance manager and
// the strategy registry.
package runtime

import (
	"context"
	"time"
)

// State of a strategy run loop
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateStopRequested State = "stop_requested"
	StateStopped       State = "stopped"
)

// Status is what the admin surface shows for an instance
type Status struct {
	Name      string         `json:"name"`
	Key       string         `json:"key"`
	State     State          `json:"state"`
	Running   bool           `json:"running"`
	Message   string         `json:"status_message"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	Errors    int            `json:"errors"`
	Metrics   map[string]any `json:"performance_metrics"`
}

// Strategy is one running strategy instance. Key identifies the instance,
// usually its symbol.
type Strategy interface {
	Name() string
	Key() string
	Start(ctx context.Context) error
	Stop() bool
	Status() Status
	PerformanceMetrics() map[string]any
}
