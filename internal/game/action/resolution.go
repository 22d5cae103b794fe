package action

import (
	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
)

// RejectReason buckets why an action was turned away.
type RejectReason string

const (
	RejectValidation RejectReason = "validation"
	RejectConflict   RejectReason = "conflict"
	RejectState      RejectReason = "state"
	RejectRateLimit  RejectReason = "rate_limit"
	RejectInternal   RejectReason = "internal"
)

// Effect is one observable consequence of an applied action, broadcast to
// room members as part of action.applied.
type Effect struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Resolution is the outcome of handling one action: exactly one of Applied
// or Rejected is set.
type Resolution struct {
	Applied  *Applied  `json:"applied,omitempty"`
	Rejected *Rejected `json:"rejected,omitempty"`
}

// Applied carries the effects of a successful action.
type Applied struct {
	Effects   []Effect `json:"effects"`
	Tick      int64    `json:"tick"`
	RequestID string   `json:"requestId,omitempty"`
}

// Rejected carries the refusal reason and the catalog error behind it.
type Rejected struct {
	Reason    RejectReason   `json:"reason"`
	Err       *catalog.Error `json:"error"`
	RequestID string         `json:"requestId,omitempty"`
}

func applied(effects []Effect, tick int64, requestID string) Resolution {
	return Resolution{Applied: &Applied{Effects: effects, Tick: tick, RequestID: requestID}}
}

func rejected(reason RejectReason, err *catalog.Error, requestID string) Resolution {
	return Resolution{Rejected: &Rejected{Reason: reason, Err: err, RequestID: requestID}}
}

// rejectReasonForCategory maps a catalog category onto the resolution
// rejection bucket.
func rejectReasonForCategory(cat catalog.Category) RejectReason {
	switch cat {
	case catalog.CategoryValidation:
		return RejectValidation
	case catalog.CategoryConflict:
		return RejectConflict
	case catalog.CategoryRateLimit:
		return RejectRateLimit
	case catalog.CategoryState, catalog.CategoryCapacity:
		return RejectState
	default:
		return RejectInternal
	}
}
