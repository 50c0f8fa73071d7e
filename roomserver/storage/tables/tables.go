// Package tables declares the per-column storage contracts of
// roomserver's store. Each interface is implemented once per supported
// engine (postgres, sqlite3); callers only ever see the interfaces
// here via roomserver/storage.Database.
package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/roomserver/types"
)

// Events is the "event -> fields" column family: one logical row per
// event, keyed by EventNID.
type Events interface {
	// InsertEvent mints a new EventNID for eventID if one doesn't
	// already exist, and stores the sharded fields. Returns the NID and
	// whether the row already existed (idempotent ingest).
	InsertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, event *gomatrixserverlib.Event, authEventNIDs []types.EventNID, isRejected bool) (nid types.EventNID, alreadyExisted bool, err error)
	SelectEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, error)
	BulkSelectEventNID(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventNID, error)
	SelectEventJSON(ctx context.Context, txn *sql.Tx, nid types.EventNID) ([]byte, error)
	BulkSelectEventJSON(ctx context.Context, txn *sql.Tx, nids []types.EventNID) (map[types.EventNID][]byte, error)
	SelectEventID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (string, error)
	SelectRoomNIDForEventNID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (types.RoomNID, error)
	SelectDepthForEventNID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (int64, error)
	UpdateEventState(ctx context.Context, txn *sql.Tx, nid types.EventNID, snapshotNID types.StateSnapshotNID) error
	SelectStateAtEventNID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (types.StateSnapshotNID, error)
	MarkEventRedacted(ctx context.Context, txn *sql.Tx, redactedEventID string, redactedBecause []byte) error
	SelectRedactionInfo(ctx context.Context, txn *sql.Tx, eventID string) (redactedBy string, found bool, err error)
}

// Rooms is a narrow registry of (RoomID <-> RoomNID) plus the creator
// and version metadata attached to a room.
type Rooms interface {
	SelectOrInsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion gomatrixserverlib.RoomVersion) (types.RoomNID, error)
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error)
	SelectRoomInfoByNID(ctx context.Context, txn *sql.Tx, nid types.RoomNID) (*types.RoomInfo, error)
	SetRoomCreator(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, creator string) error
	SetRoomFederatable(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, federatable bool) error
	SelectAllRoomNIDs(ctx context.Context, txn *sql.Tx) ([]types.RoomNID, error)
}

// RoomEvents is the `(room_id, depth, event_idx) -> ()` column:
// ordered scan yields events in room depth order.
type RoomEvents interface {
	InsertRoomEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, depth int64, eventNID types.EventNID) error
	// SelectRoomEventsByDepthRange returns at most limit event NIDs at
	// or below maxDepth, in descending depth order, breaking ties by NID
	// ascending — used by backfill pagination.
	SelectRoomEventsByDepthRange(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, maxDepth int64, limit int) ([]types.EventNID, error)
}

// RoomState is the present-state column: `(room_id, type, state_key)
// -> event_idx`.
type RoomState interface {
	UpsertRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, key types.StateKeyTuple, eventNID types.EventNID) error
	SelectRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, key types.StateKeyTuple) (types.EventNID, error)
	SelectAllRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, typePrefix string) ([]types.StateEntry, error)
	CountRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, typeFilter string) (int, error)
	DeleteRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, key types.StateKeyTuple) error
}

// RoomStateSpace is the historical column: one row per state event
// ever seen, ordered for the historical depth-ceiling walk.
type RoomStateSpace interface {
	InsertRoomStateSpace(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, key types.StateKeyTuple, depth int64, eventNID types.EventNID) error
	// SelectStateAtDepth returns, for each distinct StateKeyTuple at or
	// below ceiling, the entry with the highest depth — the historical
	// analogue of RoomState.SelectAllRoomState.
	SelectStateAtDepth(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, ceiling int64, typePrefix string) ([]types.StateEntry, error)
	SelectOneStateAtDepth(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, ceiling int64, key types.StateKeyTuple) (types.EventNID, error)
}

// RoomJoined is the `(room_id, origin, user_id) -> event_idx` fast
// path for "joined members" listing; valid only in present mode
// (historical membership falls back to the state-space walk).
type RoomJoined interface {
	UpsertRoomJoined(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, userID string, eventNID types.EventNID) error
	DeleteRoomJoined(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, userID string) error
	SelectJoinedUsers(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName) ([]string, error)
	SelectLocalJoinedUserNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, local bool) ([]types.EventNID, error)
	CountJoined(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName) (int, error)
}

// RoomHeads is the `(room_id, event_id) -> event_idx` head set.
type RoomHeads interface {
	InsertRoomHead(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, eventNID types.EventNID) error
	DeleteRoomHead(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error
	SelectRoomHeads(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (map[string]types.EventNID, error)
	ReplaceRoomHeads(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, heads map[string]types.EventNID) error
}

// EventRefs is the `(event_idx, ref_kind, other_idx) -> ()` column for
// all four reference kinds.
type EventRefs interface {
	InsertEventRef(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, kind types.RefKind, otherNID types.EventNID) error
	SelectEventRefs(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, kind types.RefKind) ([]types.EventNID, error)
	// SelectReferencingEvents returns events that reference eventNID as
	// kind — i.e. the reverse edge, used for backward traversal and
	// "next state event of this type" queries.
	SelectReferencingEvents(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, kind types.RefKind) ([]types.EventNID, error)
}

// StateSnapshots materializes a set of StateEntry values under one
// StateSnapshotNID, so StateAtEvent can refer to "the state before
// this event" compactly.
type StateSnapshots interface {
	InsertStateSnapshot(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, entries []types.StateEntry) (types.StateSnapshotNID, error)
	SelectStateSnapshot(ctx context.Context, txn *sql.Tx, nid types.StateSnapshotNID) ([]types.StateEntry, error)
}
