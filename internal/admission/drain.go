package admission

import (
	"sync"
	"time"
)

// MaintenanceInfo describes an active maintenance window to rejected
// clients. During drain the waiting queue keeps processing but no new
// connections are accepted.
type MaintenanceInfo struct {
	Type                  string     `json:"type"`
	AllowsQueueProcessing bool       `json:"allowsQueueProcessing"`
	AcceptsNewConnections bool       `json:"acceptsNewConnections"`
	EstimatedCompletion   *time.Time `json:"estimatedCompletion,omitempty"`
}

// Drain is the process-wide drain-mode switch.
type Drain struct {
	mu                  sync.RWMutex
	on                  bool
	estimatedCompletion time.Time
}

// NewDrain creates a Drain in the off state.
func NewDrain() *Drain {
	return &Drain{}
}

// Enable turns drain mode on. A zero estimatedCompletion means unknown.
func (d *Drain) Enable(estimatedCompletion time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.on = true
	d.estimatedCompletion = estimatedCompletion
}

// Disable turns drain mode off.
func (d *Drain) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.on = false
	d.estimatedCompletion = time.Time{}
}

// Active reports whether drain mode is on.
func (d *Drain) Active() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.on
}

// Info returns the maintenance payload for rejected clients, or nil when
// drain is off.
func (d *Drain) Info() *MaintenanceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.on {
		return nil
	}
	info := &MaintenanceInfo{
		Type:                  "drain",
		AllowsQueueProcessing: true,
		AcceptsNewConnections: false,
	}
	if !d.estimatedCompletion.IsZero() {
		t := d.estimatedCompletion
		info.EstimatedCompletion = &t
	}
	return info
}
