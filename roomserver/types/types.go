// Package types holds the roomserver's dense-integer index model:
// events and rooms are referred to everywhere in the store, the DAG
// and the state resolver by a monotonically minted uint64, never by
// their string id, so that secondary columns stay compact.
package types

import (
	"sort"

	"github.com/matrix-org/gomatrixserverlib"
)

// EventNID is the dense integer minted on first ingest of a new event
// id.
type EventNID uint64

// RoomNID is the dense integer minted on first ingest of a new room
// id.
type RoomNID uint64

// StateSnapshotNID identifies one materialized state mapping (a set of
// StateEntry values produced by AddState), used as the
// BeforeStateSnapshotNID of a StateAtEvent.
type StateSnapshotNID uint64

// RefKind enumerates the edge kinds stored in event_refs: prev_event,
// auth_event, prev_state and next_state.
type RefKind int

const (
	RefKindPrevEvent RefKind = iota
	RefKindAuthEvent
	RefKindPrevState
	RefKindNextState
)

func (k RefKind) String() string {
	switch k {
	case RefKindPrevEvent:
		return "prev_event"
	case RefKindAuthEvent:
		return "auth_event"
	case RefKindPrevState:
		return "prev_state"
	case RefKindNextState:
		return "next_state"
	default:
		return "unknown"
	}
}

// StateKeyTuple is the (type, state_key) key of the room state mapping.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// StateEntry is one (type, state_key) -> event_idx binding as stored
// in either the present-state or the state-space column.
type StateEntry struct {
	StateKeyTuple
	EventNID EventNID
}

// DeduplicateStateEntries keeps only the last occurrence of each
// StateKeyTuple, preserving input order of first appearance. This is
// the contract state.CalculateAndStoreStateBeforeEvent relies on when
// merging its prev_events' state entries before calling AddState.
func DeduplicateStateEntries(entries []StateEntry) []StateEntry {
	seen := make(map[StateKeyTuple]int, len(entries))
	out := make([]StateEntry, 0, len(entries))
	for _, e := range entries {
		if idx, ok := seen[e.StateKeyTuple]; ok {
			out[idx] = e
			continue
		}
		seen[e.StateKeyTuple] = len(out)
		out = append(out, e)
	}
	return out
}

// StateAtEvent describes the state snapshot in effect immediately
// before an event, plus bookkeeping the pipeline needs to decide
// whether that snapshot still needs to be computed.
type StateAtEvent struct {
	EventNID EventNID
	// BeforeStateSnapshotNID is 0 until a snapshot has been recorded for
	// the event via SetState.
	BeforeStateSnapshotNID StateSnapshotNID
	// Overwrite marks supplied state as replacing rather than merging
	// with locally computed state. Nothing in the roomserver sets or
	// reads it; the pipeline always computes state locally.
	Overwrite bool
}

// RoomInfo is the metadata kept per room: its NID,
// string id, creator, version, and federation flag.
type RoomInfo struct {
	RoomNID       RoomNID
	RoomID        string
	Creator       string
	RoomVersion   gomatrixserverlib.RoomVersion
	IsFederatable bool
}

// IsStateEvent reports whether the headered event carries a state_key,
// i.e. whether it contributes to the room state mapping.
func IsStateEvent(event *gomatrixserverlib.Event) bool {
	return event.StateKey() != nil
}

// SortEventNIDs sorts in place, ascending. Event NIDs are minted in
// ingest order, so this also yields a stable-ish "seen before" order
// useful for deterministic iteration in tests.
func SortEventNIDs(nids []EventNID) {
	sort.Slice(nids, func(i, j int) bool { return nids[i] < nids[j] })
}
