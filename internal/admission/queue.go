package admission

import (
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/observability"
)

// DefaultWaitPerPosition is the per-slot wait estimate reported to queued
// clients. It is a heuristic, not a promise.
const DefaultWaitPerPosition = 15 * time.Second

// QueueEntry is one waiting admission request. The fields captured at
// enqueue time let a later promotion create the session without re-running
// the full check chain.
type QueueEntry struct {
	CharacterID     string
	UserID          string
	InstanceID      string
	ProtocolVersion string
	EnqueuedAt      time.Time
	// Score is the ordering key. Equal scores fall back to FIFO order.
	Score int64
}

// Queue is a bounded per-instance FIFO of waiting admission requests.
// All methods are safe for concurrent use.
type Queue struct {
	mu              sync.Mutex
	clk             clock.Clock
	metrics         *observability.Metrics
	max             int
	waitPerPosition time.Duration
	byInstance      map[string][]*QueueEntry
}

// NewQueue creates an empty Queue bounded at max entries per instance.
//
// Precondition: clk must be non-nil; max must be positive.
func NewQueue(max int, clk clock.Clock, metrics *observability.Metrics) *Queue {
	if clk == nil {
		panic("admission.NewQueue: clk must be non-nil")
	}
	return &Queue{
		clk:             clk,
		metrics:         metrics,
		max:             max,
		waitPerPosition: DefaultWaitPerPosition,
		byInstance:      make(map[string][]*QueueEntry),
	}
}

// Enqueue appends an entry and returns its 1-based position. A character
// already waiting on the same instance keeps its original slot.
//
// Postcondition: Returns queue_full when the instance queue is at capacity.
func (q *Queue) Enqueue(e QueueEntry) (position int, wait time.Duration, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.byInstance[e.InstanceID]
	for i, existing := range entries {
		if existing.CharacterID == e.CharacterID {
			return i + 1, q.estimateLocked(i + 1), nil
		}
	}
	if len(entries) >= q.max {
		return 0, q.waitPerPosition, catalog.NewError(catalog.QueueFull).
			WithDetails("instanceId", e.InstanceID).
			WithDetails("queueLength", len(entries))
	}

	e.EnqueuedAt = q.clk.Now()
	if e.Score == 0 {
		e.Score = e.EnqueuedAt.UnixMilli()
	}
	cp := e
	q.byInstance[e.InstanceID] = append(entries, &cp)
	q.metrics.RecordQueueOp("enqueue")
	q.updateGauge(e.InstanceID)
	return len(entries) + 1, q.estimateLocked(len(entries) + 1), nil
}

// Promote pops the head entry for the instance, if any.
func (q *Queue) Promote(instanceID string) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.byInstance[instanceID]
	if len(entries) == 0 {
		return QueueEntry{}, false
	}
	head := entries[0]
	q.byInstance[instanceID] = entries[1:]
	if len(entries) == 1 {
		delete(q.byInstance, instanceID)
	}
	q.metrics.RecordQueueOp("promote")
	if q.metrics != nil {
		q.metrics.QueueWait.Observe(q.clk.Now().Sub(head.EnqueuedAt).Seconds())
	}
	q.updateGauge(instanceID)
	return *head, true
}

// Position returns the character's 1-based slot and wait estimate.
func (q *Queue) Position(instanceID, characterID string) (position int, wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.byInstance[instanceID] {
		if e.CharacterID == characterID {
			return i + 1, q.estimateLocked(i + 1), true
		}
	}
	return 0, 0, false
}

// Remove drops the character's entry from the instance queue, if present.
func (q *Queue) Remove(instanceID, characterID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.byInstance[instanceID]
	for i, e := range entries {
		if e.CharacterID == characterID {
			q.byInstance[instanceID] = append(entries[:i], entries[i+1:]...)
			if len(q.byInstance[instanceID]) == 0 {
				delete(q.byInstance, instanceID)
			}
			q.metrics.RecordQueueOp("evict")
			q.updateGauge(instanceID)
			return true
		}
	}
	return false
}

// EvictOrphans removes entries whose character fails the keep predicate.
// Used by the janitor to drop queue members with no backing session intent.
//
// Postcondition: Returns the number of entries evicted.
func (q *Queue) EvictOrphans(keep func(characterID string) bool) int {
	return q.evict(func(e *QueueEntry) bool { return keep(e.CharacterID) })
}

// EvictOrphansBefore behaves like EvictOrphans but only considers entries
// enqueued before cutoff, so fresh waiters are never swept while their
// admission is still in flight.
func (q *Queue) EvictOrphansBefore(cutoff time.Time, keep func(characterID string) bool) int {
	return q.evict(func(e *QueueEntry) bool {
		return !e.EnqueuedAt.Before(cutoff) || keep(e.CharacterID)
	})
}

func (q *Queue) evict(keep func(*QueueEntry) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := 0
	for instanceID, entries := range q.byInstance {
		kept := entries[:0]
		for _, e := range entries {
			if keep(e) {
				kept = append(kept, e)
			} else {
				evicted++
				q.metrics.RecordQueueOp("evict")
			}
		}
		if len(kept) == 0 {
			delete(q.byInstance, instanceID)
		} else {
			q.byInstance[instanceID] = kept
		}
		q.updateGauge(instanceID)
	}
	return evicted
}

// Len returns the instance queue depth.
func (q *Queue) Len(instanceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byInstance[instanceID])
}

// WaitPerPosition returns the per-slot wait estimate.
func (q *Queue) WaitPerPosition() time.Duration {
	return q.waitPerPosition
}

func (q *Queue) estimateLocked(position int) time.Duration {
	return time.Duration(position) * q.waitPerPosition
}

func (q *Queue) updateGauge(instanceID string) {
	if q.metrics == nil {
		return
	}
	q.metrics.QueueSize.WithLabelValues(instanceID).Set(float64(len(q.byInstance[instanceID])))
}
