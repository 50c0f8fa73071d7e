// Package api defines the request/response shapes that cross the
// roomserver's boundary: events submitted to the pipeline (Component
// E), the output log the pipeline's effect hooks append to, and the
// query/perform calls the state resolver and auth engine serve.
package api

import (
	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/roomserver/types"
)

// Kind distinguishes why an event is being input, which changes how
// the pipeline treats missing dependencies and head-set updates.
type Kind int

const (
	// KindNew is a locally authored or freshly received event that
	// extends the DAG at its head.
	KindNew Kind = iota
	// KindOld is a backfilled event older than our current head; it
	// does not move the head set.
	KindOld
	// KindOutlier is an event we only need for auth-chain or
	// auth_events verification; it has no state computed for it and is
	// never part of the timeline.
	KindOutlier
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindOld:
		return "old"
	case KindOutlier:
		return "outlier"
	default:
		return "unknown"
	}
}

// NonConform is a bitmask of conformance relaxations the pipeline's
// Conform stage may apply for known-bad cases.
type NonConform uint32

const (
	// NonConformPermitImpersonation allows an invite event whose sender
	// does not match the request's authenticated origin, needed for
	// third-party invite completion.
	NonConformPermitImpersonation NonConform = 1 << iota
)

// Has reports whether mask includes flag.
func (m NonConform) Has(flag NonConform) bool { return m&flag != 0 }

// CreationOptions carries room-creation-specific overrides: the room
// version and initial state to seed, used only
// when the event being input is the room's m.room.create event.
type CreationOptions struct {
	RoomVersion  gomatrixserverlib.RoomVersion
	Preset       string
	InitialState []gomatrixserverlib.EventBuilder
}

// InputRoomEventOptions are the pipeline's per-event options.
type InputRoomEventOptions struct {
	// Verify controls whether stage 2 (hash & signature checks) runs:
	// it runs only when Verify is true and the Inputer has a Verifier.
	// The zero value (false) skips stage 2.
	Verify bool
	// NonConformMask is the non_conform relaxation bitmask.
	NonConformMask NonConform
	// InfologAccept requests an Info-level log line on successful
	// commit instead of the default Debug line.
	InfologAccept bool
	// Creation is non-nil only for the room's m.room.create event.
	Creation *CreationOptions
}

// InputRoomEvent is a single event submitted to the pipeline, together
// with everything the pipeline needs to avoid re-deriving it: the
// declared auth/state event ids and how the event was obtained.
type InputRoomEvent struct {
	Event         *gomatrixserverlib.HeaderedEvent
	Kind          Kind
	Origin        gomatrixserverlib.ServerName
	AuthEventIDs  []string
	StateEventIDs []string
	HasState      bool
	SendAsServer  string
	TransactionID *TransactionID
	Options       InputRoomEventOptions
}

// TransactionID identifies a locally authored event's client-supplied
// transaction, used to deduplicate retried client sends.
type TransactionID struct {
	DeviceID      string
	TransactionID string
}

// InputRoomEventsRequest/Response wrap a batch of InputRoomEvent for
// the pipeline's single entry point.
type InputRoomEventsRequest struct {
	InputRoomEvents []InputRoomEvent
	Asynchronous    bool
}

type InputRoomEventsResponse struct {
	EventID string
	Err     error
}

// RoomNID and EventNID are re-exported so callers that only need the
// api package's request/response shapes don't also need to import
// roomserver/types directly.
type RoomNID = types.RoomNID
type EventNID = types.EventNID
