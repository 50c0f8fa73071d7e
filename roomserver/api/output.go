package api

import (
	"github.com/matrix-org/gomatrixserverlib"
)

// OutputType distinguishes the payload carried by an OutputEvent —
// the pipeline's post-commit effect hooks deliver exactly
// one of these per call.
type OutputType string

const (
	// OutputTypeNewRoomEvent fires when the pipeline commits a new
	// timeline event (Kind == KindNew).
	OutputTypeNewRoomEvent OutputType = "new_room_event"
	// OutputTypeOldRoomEvent fires for a backfilled event (Kind ==
	// KindOld); it never changes the head set.
	OutputTypeOldRoomEvent OutputType = "old_room_event"
	// OutputTypeNewInviteEvent fires when an invite becomes active.
	OutputTypeNewInviteEvent OutputType = "new_invite_event"
	// OutputTypeRetireInviteEvent fires when a pending invite stops
	// being active: the target joined, left, or was banned.
	OutputTypeRetireInviteEvent OutputType = "retire_invite_event"
	// OutputTypeRedactedEvent fires once both sides of a redaction
	// (the m.room.redaction and its target) are known.
	OutputTypeRedactedEvent OutputType = "redacted_event"
)

// OutputEvent is one entry in the roomserver's output log. Consumers
// switch on Type to find which field is populated.
type OutputEvent struct {
	Type              OutputType               `json:"type"`
	NewRoomEvent      *OutputNewRoomEvent      `json:"new_room_event,omitempty"`
	OldRoomEvent      *OutputOldRoomEvent      `json:"old_room_event,omitempty"`
	NewInviteEvent    *OutputNewInviteEvent    `json:"new_invite_event,omitempty"`
	RetireInviteEvent *OutputRetireInviteEvent `json:"retire_invite_event,omitempty"`
	RedactedEvent     *OutputRedactedEvent     `json:"redacted_event,omitempty"`
}

// OutputNewRoomEvent carries the full event plus enough of a state
// delta for a downstream consumer to maintain current state without
// re-querying it on every event.
type OutputNewRoomEvent struct {
	Event gomatrixserverlib.HeaderedEvent `json:"event"`

	// LatestEventIDs are the room's head set immediately after this
	// commit.
	LatestEventIDs []string `json:"latest_event_ids"`

	// AddsStateEventIDs / RemovesStateEventIDs are the present-state
	// delta this commit produced.
	AddsStateEventIDs    []string `json:"adds_state_event_ids"`
	RemovesStateEventIDs []string `json:"removes_state_event_ids"`

	// AddStateEvents carries the full bodies of any *extra* state
	// events this commit added beyond Event itself — happens when
	// state resolution at a DAG merge point promotes events from a
	// losing branch.
	AddStateEvents []gomatrixserverlib.HeaderedEvent `json:"add_state_events"`

	SendAsServer  string         `json:"send_as_server"`
	TransactionID *TransactionID `json:"transaction_id,omitempty"`
}

// AddsState returns every state event this commit added, including
// Event itself if it is a state event that became present state.
func (o *OutputNewRoomEvent) AddsState() []gomatrixserverlib.HeaderedEvent {
	for _, id := range o.AddsStateEventIDs {
		if id == o.Event.EventID() {
			return append(append([]gomatrixserverlib.HeaderedEvent{}, o.AddStateEvents...), o.Event)
		}
	}
	return o.AddStateEvents
}

// OutputOldRoomEvent carries a backfilled event. Downstream consumers
// must not treat it as newly arrived.
type OutputOldRoomEvent struct {
	Event gomatrixserverlib.HeaderedEvent `json:"event"`
}

// OutputNewInviteEvent is emitted whenever an invite becomes active,
// tracked separately from room timeline events because the recipient
// may not otherwise be a member of the room's known event graph.
type OutputNewInviteEvent struct {
	RoomVersion gomatrixserverlib.RoomVersion   `json:"room_version"`
	Event       gomatrixserverlib.HeaderedEvent `json:"event"`
}

// OutputRetireInviteEvent is emitted when a pending invite stops being
// active: accepted, rejected, or superseded by a ban.
type OutputRetireInviteEvent struct {
	EventID          string `json:"event_id"`
	TargetUserID     string `json:"target_user_id"`
	RetiredByEventID string `json:"retired_by_event_id,omitempty"`
	Membership       string `json:"membership"`
}

// OutputRedactedEvent is emitted once a redaction is validated.
// Downstream consumers that have stored RedactedEventID's JSON must
// strip it to only the fields m.room.redaction leaves behind.
type OutputRedactedEvent struct {
	RedactedEventID string                          `json:"redacted_event_id"`
	RedactedBecause gomatrixserverlib.HeaderedEvent `json:"redacted_because"`
}
