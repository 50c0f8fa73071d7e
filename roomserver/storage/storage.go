// Package storage defines the roomserver's transactional key-value
// store contract as a Go interface over the per-column table
// contracts in roomserver/storage/tables, and is implemented by
// roomserver/storage/postgres and roomserver/storage/sqlite3.
package storage

import (
	"context"
	"errors"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/roomserver/types"
)

// Database is the full store contract the rest of the roomserver core
// depends on. Every method that mutates state does so atomically.
type Database interface {
	// StoreEvent persists event, minting a new EventNID if one doesn't
	// already exist, recording its auth_events refs and whether it was
	// rejected by auth. It returns the event's NID, its StateAtEvent
	// placeholder (state not yet calculated), the redaction event and
	// target id when event is itself an m.room.redaction whose target is
	// already stored (a target stored after its redaction is not
	// matched), and a bool for whether the event already existed.
	StoreEvent(ctx context.Context, event *gomatrixserverlib.Event, authEventNIDs []types.EventNID, isRejected bool) (nid types.EventNID, stateAtEvent types.StateAtEvent, redactionEvent *gomatrixserverlib.Event, redactedEventID string, alreadyExisted bool, err error)

	// EventNIDs resolves known event ids to NIDs; ids with no known NID
	// are simply absent from the result map.
	EventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventNID, error)
	EventsFromIDs(ctx context.Context, eventIDs []string) ([]*gomatrixserverlib.Event, error)
	EventIDsFromNIDs(ctx context.Context, nids []types.EventNID) (map[types.EventNID]string, error)

	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error)
	RoomInfoByNID(ctx context.Context, roomNID types.RoomNID) (*types.RoomInfo, error)
	// AllRoomNIDs lists every room the store knows, backing cross-room
	// scans that have no reverse index to walk instead.
	AllRoomNIDs(ctx context.Context) ([]types.RoomNID, error)
	// GetOrCreateRoomInfo mints a RoomNID for a never-before-seen room,
	// recording its version; it is a no-op returning the existing
	// RoomInfo if the room is already known.
	GetOrCreateRoomInfo(ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion) (*types.RoomInfo, error)
	SetRoomCreator(ctx context.Context, roomNID types.RoomNID, creator string) error

	// SetState records that eventNID's state-before is snapshotNID.
	SetState(ctx context.Context, eventNID types.EventNID, snapshotNID types.StateSnapshotNID) error

	// AddState materializes entries (already deduplicated by the
	// caller, see types.DeduplicateStateEntries) into a new
	// StateSnapshotNID, optionally layered on top of baseNID if
	// non-nil.
	AddState(ctx context.Context, roomNID types.RoomNID, baseNID *types.StateSnapshotNID, entries []types.StateEntry) (types.StateSnapshotNID, error)
	StateEntriesForEventIDs(ctx context.Context, eventIDs []string) ([]types.StateEntry, error)
	StateAtEvent(ctx context.Context, eventNID types.EventNID) (types.StateAtEvent, error)
	Snapshot(ctx context.Context, snapshotNID types.StateSnapshotNID) ([]types.StateEntry, error)

	// CurrentStateEvent looks up the present-state mapping directly.
	CurrentStateEvent(ctx context.Context, roomNID types.RoomNID, eventType, stateKey string) (types.EventNID, error)
	CurrentState(ctx context.Context, roomNID types.RoomNID, typePrefix string) ([]types.StateEntry, error)
	SetCurrentStateEvent(ctx context.Context, roomNID types.RoomNID, key types.StateKeyTuple, nid types.EventNID) error
	CountCurrentState(ctx context.Context, roomNID types.RoomNID, typeFilter string) (int, error)

	// HistoricalState is the historical-mode read: a depth-ceiling
	// walk over the state-space column.
	HistoricalState(ctx context.Context, roomNID types.RoomNID, depthCeiling int64, typePrefix string) ([]types.StateEntry, error)
	HistoricalStateEvent(ctx context.Context, roomNID types.RoomNID, depthCeiling int64, key types.StateKeyTuple) (types.EventNID, error)

	// GetMembershipEventNIDsForRoom returns membership event NIDs for
	// joined users in roomNID, optionally restricted to local users.
	GetMembershipEventNIDsForRoom(ctx context.Context, roomNID types.RoomNID, joinedOnly, localOnly bool) ([]types.EventNID, error)
	JoinedUsers(ctx context.Context, roomNID types.RoomNID, origin gomatrixserverlib.ServerName) ([]string, error)
	UpdateMembership(ctx context.Context, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, userID string, membership string, eventNID types.EventNID) error

	// Heads exposes the room head set.
	Heads(ctx context.Context, roomNID types.RoomNID) (map[string]types.EventNID, error)
	ResetHeads(ctx context.Context, roomNID types.RoomNID, eventID string, eventNID types.EventNID) error
	UpdateHeads(ctx context.Context, roomNID types.RoomNID, removed []string, added map[string]types.EventNID) error

	// EventRefs exposes the reference columns for DAG traversal.
	EventRefs(ctx context.Context, eventNID types.EventNID, kind types.RefKind) ([]types.EventNID, error)
	ReferencingEvents(ctx context.Context, eventNID types.EventNID, kind types.RefKind) ([]types.EventNID, error)
	InsertEventRef(ctx context.Context, eventNID types.EventNID, kind types.RefKind, otherNID types.EventNID) error

	// DepthForEventNID and RoomEventsByDepth back backfill pagination
	// and the room-depth-order scan.
	DepthForEventNID(ctx context.Context, eventNID types.EventNID) (int64, error)
	RoomEventsByDepth(ctx context.Context, roomNID types.RoomNID, maxDepth int64, limit int) ([]types.EventNID, error)
	InsertRoomEvent(ctx context.Context, roomNID types.RoomNID, depth int64, eventNID types.EventNID) error

	MarkEventRedacted(ctx context.Context, redactedEventID string, redactedBecause []byte) error
	RedactionInfo(ctx context.Context, eventID string) (redactedBy string, found bool, err error)

	// GetRoomUpdater begins a transaction and returns a view of the
	// store scoped to it, so the pipeline can land an event's whole
	// derived write-set (event fields, DAG edges, state columns,
	// membership fast path, head update) in one atomic commit.
	GetRoomUpdater(ctx context.Context) (RoomUpdater, error)

	// Close releases the underlying connection pool.
	Close() error
}

// RoomUpdater is the transaction-scoped subset of the store the event
// pipeline writes through between accepting an event and committing
// it. Nothing staged on a RoomUpdater is visible to readers until
// Commit; Rollback discards all of it. Callers must finish with
// exactly one of the two.
type RoomUpdater interface {
	StoreEvent(ctx context.Context, event *gomatrixserverlib.Event, authEventNIDs []types.EventNID, isRejected bool) (nid types.EventNID, stateAtEvent types.StateAtEvent, redactionEvent *gomatrixserverlib.Event, redactedEventID string, alreadyExisted bool, err error)
	SetState(ctx context.Context, eventNID types.EventNID, snapshotNID types.StateSnapshotNID) error
	Heads(ctx context.Context, roomNID types.RoomNID) (map[string]types.EventNID, error)
	UpdateHeads(ctx context.Context, roomNID types.RoomNID, removed []string, added map[string]types.EventNID) error
	CurrentStateEvent(ctx context.Context, roomNID types.RoomNID, eventType, stateKey string) (types.EventNID, error)
	SetCurrentStateEvent(ctx context.Context, roomNID types.RoomNID, key types.StateKeyTuple, nid types.EventNID) error
	InsertEventRef(ctx context.Context, eventNID types.EventNID, kind types.RefKind, otherNID types.EventNID) error
	UpdateMembership(ctx context.Context, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, userID string, membership string, eventNID types.EventNID) error

	Commit() error
	Rollback() error
}

// ErrNotFound is returned by any lookup whose key is absent.
var ErrNotFound = notFoundError("storage: not found")

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
