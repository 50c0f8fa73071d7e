package api

import (
	"github.com/matrix-org/gomatrixserverlib"
)

// QueryLatestEventsAndStateRequest/Response expose the room head set
// and present state in one round trip — the common case for building
// a new event's prev_events/auth_events.
type QueryLatestEventsAndStateRequest struct {
	RoomID string
}

type QueryLatestEventsAndStateResponse struct {
	RoomExists   bool
	RoomVersion  gomatrixserverlib.RoomVersion
	LatestEvents []string
	Depth        int64
	StateEvents  []gomatrixserverlib.HeaderedEvent
}

// QueryStateAfterEventsRequest/Response resolve state anchored at a
// specific set of prev-event ids, used when checking an incoming
// event's auth against current-at-that-point state.
type QueryStateAfterEventsRequest struct {
	RoomID       string
	PrevEventIDs []string
	StateToFetch []gomatrixserverlib.StateKeyTuple
}

type QueryStateAfterEventsResponse struct {
	RoomExists      bool
	StateEvents     []gomatrixserverlib.HeaderedEvent
	PrevEventsExist bool
}

// QueryMembershipForUserRequest/Response answers "is this user a
// member, and with what membership, in present state".
type QueryMembershipForUserRequest struct {
	RoomID string
	UserID string
}

type QueryMembershipForUserResponse struct {
	IsInRoom   bool
	Membership string
	EventID    string
}

// QueryRoomsForUserRequest/Response lists rooms a user has the given
// membership in — the "joined rooms" query backing client sync.
type QueryRoomsForUserRequest struct {
	UserID         string
	WantMembership string
}

type QueryRoomsForUserResponse struct {
	RoomIDs []string
}

// QueryBackfillRequest/Response implements GET /backfill_ids: up to
// Limit event ids in decreasing depth order, ending
// at AnchorEventID (or the current head if empty).
type QueryBackfillRequest struct {
	RoomID        string
	AnchorEventID string
	Limit         int
}

type QueryBackfillResponse struct {
	EventIDs []string
}

// QueryEventAuthRequest/Response implements GET /event_auth: the
// transitive closure of an event's auth_events.
type QueryEventAuthRequest struct {
	RoomID  string
	EventID string
}

type QueryEventAuthResponse struct {
	AuthChain []gomatrixserverlib.HeaderedEvent
}

// PerformInviteRequest/Response processes a locally or remotely
// originated invite.
type PerformInviteRequest struct {
	Event           *gomatrixserverlib.HeaderedEvent
	InviteRoomState []gomatrixserverlib.InviteV2StrippedState
	SendAsServer    string
}

type PerformInviteResponse struct {
	Error error
}

// PerformBackfillRequest/Response drives an outbound backfill fetch
// and ingests the result as KindOld events.
type PerformBackfillRequest struct {
	RoomID               string
	BackwardsExtremities []string
	Limit                int
	ServerName           gomatrixserverlib.ServerName
}

type PerformBackfillResponse struct {
	Events            []gomatrixserverlib.HeaderedEvent
	HistoryVisibility string
}
