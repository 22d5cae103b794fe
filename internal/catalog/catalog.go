// Package catalog holds the frozen registry of domain error kinds.
// Every error surfaced by the realtime core maps to exactly one entry.
package catalog

import (
	"fmt"
	"sort"
	"sync"
)

// Category classifies an error entry for propagation policy decisions.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryConflict   Category = "conflict"
	CategoryCapacity   Category = "capacity"
	CategoryRateLimit  Category = "rate_limit"
	CategoryState      Category = "state"
	CategorySecurity   Category = "security"
	CategoryInternal   Category = "internal"
)

// Entry is one immutable row of the error registry.
type Entry struct {
	// Key is the stable symbolic identifier used throughout the codebase.
	Key string
	// NumericCode is the wire-visible code, e.g. "E1001".
	NumericCode string
	// Reason is the machine-readable reason string, e.g. "rate_limit_exceeded".
	Reason string
	// Category groups the entry for propagation policy.
	Category Category
	// Retryable indicates whether a client may retry the failed operation.
	Retryable bool
	// HumanMessage is a non-technical message suitable for end users.
	HumanMessage string
}

// Well-known entry keys. Referencing an unregistered key panics at startup,
// never at request time.
const (
	InternalError           = "internal_error"
	RateLimitExceeded       = "rate_limit_exceeded"
	ChatRateLimitExceeded   = "chat_rate_limit_exceeded"
	InvalidTilePlacement    = "invalid_tile_placement"
	PrecedenceConflict      = "precedence_conflict"
	CrossInstanceAction     = "cross_instance_action"
	InstanceTerminated      = "instance_terminated"
	VersionConflict         = "version_conflict"
	InvalidVersion          = "invalid_version"
	NotFound                = "not_found"
	AuthenticationRequired  = "authentication_required"
	VersionMismatch         = "version_mismatch"
	CharacterNotOwned       = "character_not_owned"
	CharacterNotFound       = "character_not_found"
	RateLimited             = "rate_limited"
	Maintenance             = "maintenance"
	AlreadyInSession        = "already_in_session"
	InvalidRequest          = "invalid_request"
	QueueFull               = "queue_full"
	Timeout                 = "timeout"
	GracePeriodExpired      = "grace_period_expired"
	PersistenceFailed       = "persistence_failed"
	SequenceGapDetected     = "seq_gap_detected"
	SequenceOutOfOrder      = "seq_out_of_order"
	InvalidSequence         = "invalid_sequence"
	SessionNotFound         = "session_not_found"
	BoardSizeMismatch       = "board_size_mismatch"
	InstanceCapacityReached = "instance_capacity_reached"
)

var entries = []Entry{
	{InternalError, "E1000", "internal_error", CategoryInternal, true, "Something went wrong on our side. Please try again."},
	{RateLimitExceeded, "E1001", "rate_limit_exceeded", CategoryRateLimit, true, "You are sending requests too quickly. Please slow down."},
	{ChatRateLimitExceeded, "E1002", "CHAT_RATE_LIMIT_EXCEEDED", CategoryRateLimit, true, "You are chatting too quickly. Please wait a moment."},
	{InvalidTilePlacement, "E1010", "invalid_tile_placement", CategoryValidation, false, "That tile cannot be placed there."},
	{PrecedenceConflict, "E1011", "precedence_conflict", CategoryConflict, false, "Another player placed a tile there first."},
	{CrossInstanceAction, "E1012", "cross_instance_action", CategoryState, false, "This action belongs to a different battle."},
	{InstanceTerminated, "E1013", "instance_terminated", CategoryState, false, "This battle has ended."},
	{VersionConflict, "E1020", "version_conflict", CategoryConflict, false, "A rule set with this version already exists."},
	{InvalidVersion, "E1021", "invalid_version", CategoryValidation, false, "The rule set version is not valid semantic versioning."},
	{NotFound, "E1022", "not_found", CategoryValidation, false, "The requested item was not found."},
	{AuthenticationRequired, "E1030", "authentication_required", CategorySecurity, false, "Please sign in to continue."},
	{VersionMismatch, "E1031", "version_mismatch", CategoryValidation, false, "Your game client is out of date. Please update."},
	{CharacterNotOwned, "E1032", "character_not_owned", CategorySecurity, false, "That character does not belong to your account."},
	{CharacterNotFound, "E1033", "character_not_found", CategoryValidation, false, "That character could not be found."},
	{RateLimited, "E1034", "rate_limited", CategoryRateLimit, true, "Too many connection attempts. Please wait and try again."},
	{Maintenance, "E1035", "maintenance", CategoryCapacity, true, "The server is preparing for maintenance. Please try again soon."},
	{AlreadyInSession, "E1036", "already_in_session", CategoryConflict, false, "This character is already connected elsewhere."},
	{InvalidRequest, "E1037", "invalid_request", CategoryValidation, false, "The request was malformed or incomplete."},
	{QueueFull, "E1038", "queue_full", CategoryCapacity, true, "The waiting queue is full. Please try again later."},
	{Timeout, "E1039", "timeout", CategoryInternal, true, "The connection attempt took too long. Please try again."},
	{GracePeriodExpired, "E1040", "grace_period_expired", CategoryState, false, "Your reconnection window has expired. Please rejoin."},
	{PersistenceFailed, "E1050", "persistence_failed", CategoryInternal, true, "Your action could not be saved. Please try again."},
	{SequenceGapDetected, "E1060", "SEQ_GAP_DETECTED", CategoryState, true, "Some of your actions were lost in transit. Resyncing."},
	{SequenceOutOfOrder, "E1061", "seq_out_of_order", CategoryState, false, "An action arrived out of order and was ignored."},
	{InvalidSequence, "E1062", "invalid_sequence", CategoryValidation, false, "The action carried an invalid sequence number."},
	{SessionNotFound, "E1063", "session_not_found", CategoryState, true, "Your session was not found. Please reconnect."},
	{BoardSizeMismatch, "E1070", "board_size_mismatch", CategoryValidation, false, "The board layouts being compared have different sizes."},
	{InstanceCapacityReached, "E1071", "instance_capacity_reached", CategoryCapacity, true, "This battle is full."},
}

var (
	registryOnce sync.Once
	byKey        map[string]Entry
	byCode       map[string]Entry
	byReason     map[string]Entry
)

// buildRegistry freezes the registry and verifies its invariants: unique
// numeric codes, unique keys and reasons, non-empty human messages.
func buildRegistry() {
	byKey = make(map[string]Entry, len(entries))
	byCode = make(map[string]Entry, len(entries))
	byReason = make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.HumanMessage == "" {
			panic(fmt.Sprintf("catalog: entry %q has empty human message", e.Key))
		}
		if _, dup := byKey[e.Key]; dup {
			panic(fmt.Sprintf("catalog: duplicate key %q", e.Key))
		}
		if _, dup := byCode[e.NumericCode]; dup {
			panic(fmt.Sprintf("catalog: duplicate numeric code %q", e.NumericCode))
		}
		if _, dup := byReason[e.Reason]; dup {
			panic(fmt.Sprintf("catalog: duplicate reason %q", e.Reason))
		}
		byKey[e.Key] = e
		byCode[e.NumericCode] = e
		byReason[e.Reason] = e
	}
}

func registry() {
	registryOnce.Do(buildRegistry)
}

// LookupByKey returns the entry for the given symbolic key.
//
// Postcondition: Returns (entry, true) if registered, or (zero, false) otherwise.
func LookupByKey(key string) (Entry, bool) {
	registry()
	e, ok := byKey[key]
	return e, ok
}

// LookupByNumericCode returns the entry for the given wire code (e.g. "E1001").
func LookupByNumericCode(code string) (Entry, bool) {
	registry()
	e, ok := byCode[code]
	return e, ok
}

// LookupByReason returns the entry for the given reason string.
func LookupByReason(reason string) (Entry, bool) {
	registry()
	e, ok := byReason[reason]
	return e, ok
}

// MustEntry returns the entry for key or panics. Intended for package-level
// wiring where the key is a compile-time constant.
func MustEntry(key string) Entry {
	e, ok := LookupByKey(key)
	if !ok {
		panic(fmt.Sprintf("catalog: unknown entry key %q", key))
	}
	return e
}

// ListAll returns all entries, optionally restricted to one category,
// ordered by numeric code.
func ListAll(filter ...Category) []Entry {
	registry()
	out := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		if len(filter) > 0 {
			match := false
			for _, c := range filter {
				if e.Category == c {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NumericCode < out[j].NumericCode })
	return out
}
