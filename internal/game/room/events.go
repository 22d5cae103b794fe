package room

// Event types emitted to attached clients.
const (
	EventActionQueued   = "action.queued"
	EventActionRejected = "action.rejected"
	EventActionApplied  = "action.applied"
	EventSnapshot       = "snapshot"
	EventRoomClosed     = "room.closed"
)

// Event is one outbound room message.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Sink receives room events for one attached client. Implementations must
// not block; slow consumers buffer or drop on their side of the boundary.
type Sink interface {
	Send(event Event)
}
