package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Alert kinds matched against Config.Events.
const (
	AlertErrored    = "worker.errored"
	AlertRunning    = "worker.running"
	AlertStopped    = "worker.stopped"
	AlertError      = "worker.error"
	AlertSlotFailed = "slot.failed"
)

// DefaultEvents are alerted when Config.Events is empty.
var DefaultEvents = []string{AlertErrored, AlertSlotFailed}

// Sender delivers one text message to the operator channel.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Config controls the alert pipeline.
type Config struct {
	Enabled     bool
	RatePerSec  float64
	QueueSize   int
	DedupWindow time.Duration
	Events      []string
}

// HistoryItem is a sent (or failed) alert.
type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}
