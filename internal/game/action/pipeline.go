package action

import (
	"context"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud-sub004/internal/ratelimit"
)

// Channel names consulted before enqueueing rate-limited action types.
const (
	ChannelTileAction     = "tile_action"
	ChannelChatInInstance = "chat_in_instance"
)

// Entry is one queued action awaiting drain.
type Entry struct {
	Action     Request
	EnqueuedAt time.Time
}

// PendingSummary is the public shape of one queued action, exposed in
// snapshots.
type PendingSummary struct {
	ActionID   string    `json:"actionId"`
	Type       Type      `json:"type"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// EnqueueResult reports whether an action was admitted to the queue.
type EnqueueResult struct {
	Accepted  bool
	Reason    string
	RateLimit *ratelimit.Decision
}

// Pipeline is a per-room FIFO action queue with a rate-limit gate. It does
// not execute actions; the owning room drains it in bounded batches.
type Pipeline struct {
	mu      sync.Mutex
	limiter *ratelimit.Limiter
	queue   []Entry
}

// NewPipeline creates an empty pipeline gated by limiter.
//
// Precondition: limiter must be non-nil.
func NewPipeline(limiter *ratelimit.Limiter) *Pipeline {
	return &Pipeline{limiter: limiter}
}

// Enqueue appends the action after consulting the rate limiter for its
// channel. Actions without a rate-limited channel are always admitted.
//
// Postcondition: On Accepted, the action is at the tail of the queue and
// RateLimit carries the remaining allowance. On rejection the queue is
// unchanged and Reason is "rate_limit".
func (p *Pipeline) Enqueue(ctx context.Context, subject string, req Request, now time.Time) (EnqueueResult, error) {
	if channel := channelFor(req.Type); channel != "" {
		decision, err := p.limiter.Evaluate(ctx, channel, subject)
		if err != nil {
			return EnqueueResult{}, err
		}
		if !decision.Allowed {
			return EnqueueResult{Accepted: false, Reason: "rate_limit", RateLimit: &decision}, nil
		}
		p.push(req, now)
		return EnqueueResult{Accepted: true, RateLimit: &decision}, nil
	}

	p.push(req, now)
	return EnqueueResult{Accepted: true}, nil
}

func (p *Pipeline) push(req Request, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, Entry{Action: req, EnqueuedAt: now})
}

// DrainBatch removes and returns up to limit entries from the head of the
// queue in FIFO order.
func (p *Pipeline) DrainBatch(limit int) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || len(p.queue) == 0 {
		return nil
	}
	if limit > len(p.queue) {
		limit = len(p.queue)
	}
	batch := make([]Entry, limit)
	copy(batch, p.queue[:limit])
	remaining := len(p.queue) - limit
	copy(p.queue, p.queue[limit:])
	p.queue = p.queue[:remaining]
	return batch
}

// IsEmpty reports whether the queue holds no entries.
func (p *Pipeline) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) == 0
}

// Len returns the queue depth.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Pending returns summaries of all queued actions in FIFO order.
func (p *Pipeline) Pending() []PendingSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingSummary, len(p.queue))
	for i, entry := range p.queue {
		out[i] = PendingSummary{
			ActionID:   entry.Action.ID,
			Type:       entry.Action.Type,
			EnqueuedAt: entry.EnqueuedAt,
		}
	}
	return out
}

// channelFor maps an action type onto its rate-limit channel, or "" when
// the type is not rate limited at the pipeline.
func channelFor(t Type) string {
	switch t {
	case TypeTilePlacement:
		return ChannelTileAction
	case TypeChat:
		return ChannelChatInInstance
	default:
		return ""
	}
}
