// Package sqlite3 implements roomserver/storage.Database over SQLite
// for single-process deployments and tests.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"

	// Registers the "sqlite3" database/sql driver.
	"github.com/matrix-org/gomatrixserverlib"
	_ "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"

	"github.com/Havelet/construct/internal/sqlutil"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

type Database struct {
	db             *sql.DB
	events         tables.Events
	rooms          tables.Rooms
	roomEvents     tables.RoomEvents
	roomState      tables.RoomState
	roomStateSpace tables.RoomStateSpace
	roomJoined     tables.RoomJoined
	roomHeads      tables.RoomHeads
	eventRefs      tables.EventRefs
	stateSnapshots tables.StateSnapshots
}

// NewDatabase opens db (already connected; see internal/sqlutil.Open)
// and prepares every table's statements, creating schema as needed.
// SQLite only supports a single writer at a time, so callers should
// size their connection pool accordingly.
func NewDatabase(db *sql.DB) (storage.Database, error) {
	d := &Database{db: db}
	var err error
	if d.events, err = NewSQLiteEventsTable(db); err != nil {
		return nil, pkgerrors.Wrap(err, "events table")
	}
	if d.rooms, err = NewSQLiteRoomsTable(db); err != nil {
		return nil, pkgerrors.Wrap(err, "rooms table")
	}
	if d.roomEvents, err = NewSQLiteRoomEventsTable(db); err != nil {
		return nil, pkgerrors.Wrap(err, "room_events table")
	}
	if d.roomState, err = NewSQLiteRoomStateTable(db); err != nil {
		return nil, pkgerrors.Wrap(err, "room_state table")
	}
	if d.roomStateSpace, err = NewSQLiteRoomStateSpaceTable(db); err != nil {
		return nil, pkgerrors.Wrap(err, "room_state_space table")
	}
	if d.roomJoined, err = NewSQLiteRoomJoinedTable(db); err != nil {
		return nil, pkgerrors.Wrap(err, "room_joined table")
	}
	if d.roomHeads, err = NewSQLiteRoomHeadsTable(db); err != nil {
		return nil, pkgerrors.Wrap(err, "room_head table")
	}
	if d.eventRefs, err = NewSQLiteEventRefsTable(db); err != nil {
		return nil, pkgerrors.Wrap(err, "event_refs table")
	}
	if d.stateSnapshots, err = NewSQLiteStateSnapshotsTable(db); err != nil {
		return nil, pkgerrors.Wrap(err, "state_snapshots table")
	}
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// mapNoRows converts the driver's row-miss into the store's NotFound
// sentinel so callers can classify it with storage.IsNotFound.
func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// StoreEvent assumes the room has already been registered via
// GetOrCreateRoomInfo; it is the caller's job (roomserver/input)
// to create the room before the first event arrives.
func (d *Database) StoreEvent(ctx context.Context, event *gomatrixserverlib.Event, authEventNIDs []types.EventNID, isRejected bool) (nid types.EventNID, stateAtEvent types.StateAtEvent, redactionEvent *gomatrixserverlib.Event, redactedEventID string, alreadyExisted bool, err error) {
	err = sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var serr error
		nid, stateAtEvent, redactionEvent, redactedEventID, alreadyExisted, serr = d.storeEvent(ctx, txn, event, authEventNIDs, isRejected)
		return serr
	})
	return
}

// storeEvent is StoreEvent's transaction body, shared with the
// RoomUpdater so the pipeline can stage it inside the same commit as
// the rest of an event's derived writes.
func (d *Database) storeEvent(ctx context.Context, txn *sql.Tx, event *gomatrixserverlib.Event, authEventNIDs []types.EventNID, isRejected bool) (nid types.EventNID, stateAtEvent types.StateAtEvent, redactionEvent *gomatrixserverlib.Event, redactedEventID string, alreadyExisted bool, err error) {
	roomInfo, rerr := d.rooms.SelectRoomInfo(ctx, txn, event.RoomID())
	if errors.Is(rerr, sql.ErrNoRows) {
		err = storage.ErrNotFound
		return
	}
	if rerr != nil {
		err = rerr
		return
	}

	nid, alreadyExisted, err = d.events.InsertEvent(ctx, txn, roomInfo.RoomNID, event.EventID(), event, authEventNIDs, isRejected)
	if err != nil {
		return
	}
	if alreadyExisted {
		snap, serr := d.events.SelectStateAtEventNID(ctx, txn, nid)
		if serr != nil && !errors.Is(serr, sql.ErrNoRows) {
			err = serr
			return
		}
		stateAtEvent = types.StateAtEvent{EventNID: nid, BeforeStateSnapshotNID: snap}
		return
	}

	if err = d.roomEvents.InsertRoomEvent(ctx, txn, roomInfo.RoomNID, event.Depth(), nid); err != nil {
		return
	}

	for _, authNID := range authEventNIDs {
		if err = d.eventRefs.InsertEventRef(ctx, txn, nid, types.RefKindAuthEvent, authNID); err != nil {
			return
		}
	}

	prevIDs := event.PrevEventIDs()
	if len(prevIDs) > 0 {
		prevNIDs, perr := d.events.BulkSelectEventNID(ctx, txn, prevIDs)
		if perr != nil {
			err = perr
			return
		}
		for _, prevNID := range prevNIDs {
			if err = d.eventRefs.InsertEventRef(ctx, txn, nid, types.RefKindPrevEvent, prevNID); err != nil {
				return
			}
		}
	}

	if types.IsStateEvent(event) {
		key := types.StateKeyTuple{EventType: event.Type(), StateKey: *event.StateKey()}
		if err = d.roomStateSpace.InsertRoomStateSpace(ctx, txn, roomInfo.RoomNID, key, event.Depth(), nid); err != nil {
			return
		}
	}

	stateAtEvent = types.StateAtEvent{EventNID: nid}

	if event.Type() == "m.room.redaction" {
		if target := event.Redacts(); target != "" {
			if _, terr := d.events.SelectEventNID(ctx, txn, target); terr == nil {
				if err = d.events.MarkEventRedacted(ctx, txn, target, event.JSON()); err != nil {
					return
				}
				redactionEvent = event
				redactedEventID = target
			} else if !errors.Is(terr, sql.ErrNoRows) {
				err = terr
				return
			}
		}
	}

	return
}

func (d *Database) EventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventNID, error) {
	var result map[string]types.EventNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		result, err = d.events.BulkSelectEventNID(ctx, txn, eventIDs)
		return err
	})
	return result, err
}

func (d *Database) EventsFromIDs(ctx context.Context, eventIDs []string) ([]*gomatrixserverlib.Event, error) {
	var out []*gomatrixserverlib.Event
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		nidMap, err := d.events.BulkSelectEventNID(ctx, txn, eventIDs)
		if err != nil {
			return err
		}
		for _, id := range eventIDs {
			nid, ok := nidMap[id]
			if !ok {
				continue
			}
			eventJSON, err := d.events.SelectEventJSON(ctx, txn, nid)
			if err != nil {
				return err
			}
			roomNID, err := d.events.SelectRoomNIDForEventNID(ctx, txn, nid)
			if err != nil {
				return err
			}
			info, err := d.rooms.SelectRoomInfoByNID(ctx, txn, roomNID)
			if err != nil {
				return err
			}
			ev, err := gomatrixserverlib.NewEventFromTrustedJSON(eventJSON, false, info.RoomVersion)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func (d *Database) EventIDsFromNIDs(ctx context.Context, nids []types.EventNID) (map[types.EventNID]string, error) {
	result := make(map[types.EventNID]string, len(nids))
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		for _, nid := range nids {
			id, err := d.events.SelectEventID(ctx, txn, nid)
			if err != nil {
				return err
			}
			result[nid] = id
		}
		return nil
	})
	return result, err
}

func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	var info *types.RoomInfo
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		info, err = d.rooms.SelectRoomInfo(ctx, txn, roomID)
		return mapNoRows(err)
	})
	return info, err
}

func (d *Database) RoomInfoByNID(ctx context.Context, roomNID types.RoomNID) (*types.RoomInfo, error) {
	var info *types.RoomInfo
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		info, err = d.rooms.SelectRoomInfoByNID(ctx, txn, roomNID)
		return mapNoRows(err)
	})
	return info, err
}

// AllRoomNIDs lists every room the store has ever minted a RoomNID
// for, used by cross-room queries (e.g. QueryRoomsForUser) that have
// no reverse user-to-room index to walk instead.
func (d *Database) AllRoomNIDs(ctx context.Context) ([]types.RoomNID, error) {
	var nids []types.RoomNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		nids, err = d.rooms.SelectAllRoomNIDs(ctx, txn)
		return err
	})
	return nids, err
}

func (d *Database) GetOrCreateRoomInfo(ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion) (*types.RoomInfo, error) {
	var info *types.RoomInfo
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		existing, err := d.rooms.SelectRoomInfo(ctx, txn, roomID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if existing != nil {
			info = existing
			return nil
		}
		nid, err := d.rooms.SelectOrInsertRoomNID(ctx, txn, roomID, roomVersion)
		if err != nil {
			return err
		}
		info = &types.RoomInfo{RoomNID: nid, RoomID: roomID, RoomVersion: roomVersion}
		return nil
	})
	return info, err
}

func (d *Database) SetRoomCreator(ctx context.Context, roomNID types.RoomNID, creator string) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		return d.rooms.SetRoomCreator(ctx, txn, roomNID, creator)
	})
}

func (d *Database) SetState(ctx context.Context, eventNID types.EventNID, snapshotNID types.StateSnapshotNID) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		return d.events.UpdateEventState(ctx, txn, eventNID, snapshotNID)
	})
}

func (d *Database) AddState(ctx context.Context, roomNID types.RoomNID, baseNID *types.StateSnapshotNID, entries []types.StateEntry) (types.StateSnapshotNID, error) {
	var nid types.StateSnapshotNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		merged := entries
		if baseNID != nil && *baseNID != 0 {
			base, err := d.stateSnapshots.SelectStateSnapshot(ctx, txn, *baseNID)
			if err != nil {
				return err
			}
			merged = append(append([]types.StateEntry{}, base...), entries...)
		}
		var err error
		nid, err = d.stateSnapshots.InsertStateSnapshot(ctx, txn, roomNID, merged)
		return err
	})
	return nid, err
}

func (d *Database) StateEntriesForEventIDs(ctx context.Context, eventIDs []string) ([]types.StateEntry, error) {
	var out []types.StateEntry
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		nidMap, err := d.events.BulkSelectEventNID(ctx, txn, eventIDs)
		if err != nil {
			return err
		}
		for _, id := range eventIDs {
			nid, ok := nidMap[id]
			if !ok {
				continue
			}
			snapNID, err := d.events.SelectStateAtEventNID(ctx, txn, nid)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			entries, err := d.stateSnapshots.SelectStateSnapshot(ctx, txn, snapNID)
			if err != nil {
				return err
			}
			out = append(out, entries...)
		}
		return nil
	})
	return out, err
}

func (d *Database) StateAtEvent(ctx context.Context, eventNID types.EventNID) (types.StateAtEvent, error) {
	var s types.StateAtEvent
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		snapNID, err := d.events.SelectStateAtEventNID(ctx, txn, eventNID)
		if err != nil {
			return mapNoRows(err)
		}
		s = types.StateAtEvent{EventNID: eventNID, BeforeStateSnapshotNID: snapNID}
		return nil
	})
	return s, err
}

func (d *Database) Snapshot(ctx context.Context, snapshotNID types.StateSnapshotNID) ([]types.StateEntry, error) {
	var out []types.StateEntry
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		out, err = d.stateSnapshots.SelectStateSnapshot(ctx, txn, snapshotNID)
		return err
	})
	return out, err
}

func (d *Database) CurrentStateEvent(ctx context.Context, roomNID types.RoomNID, eventType, stateKey string) (types.EventNID, error) {
	var nid types.EventNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		nid, err = d.roomState.SelectRoomState(ctx, txn, roomNID, types.StateKeyTuple{EventType: eventType, StateKey: stateKey})
		return mapNoRows(err)
	})
	return nid, err
}

func (d *Database) CurrentState(ctx context.Context, roomNID types.RoomNID, typePrefix string) ([]types.StateEntry, error) {
	var out []types.StateEntry
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		out, err = d.roomState.SelectAllRoomState(ctx, txn, roomNID, typePrefix)
		return err
	})
	return out, err
}

func (d *Database) SetCurrentStateEvent(ctx context.Context, roomNID types.RoomNID, key types.StateKeyTuple, nid types.EventNID) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		return d.roomState.UpsertRoomState(ctx, txn, roomNID, key, nid)
	})
}

func (d *Database) CountCurrentState(ctx context.Context, roomNID types.RoomNID, typeFilter string) (int, error) {
	var count int
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		count, err = d.roomState.CountRoomState(ctx, txn, roomNID, typeFilter)
		return err
	})
	return count, err
}

func (d *Database) HistoricalState(ctx context.Context, roomNID types.RoomNID, depthCeiling int64, typePrefix string) ([]types.StateEntry, error) {
	var out []types.StateEntry
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		out, err = d.roomStateSpace.SelectStateAtDepth(ctx, txn, roomNID, depthCeiling, typePrefix)
		return err
	})
	return out, err
}

func (d *Database) HistoricalStateEvent(ctx context.Context, roomNID types.RoomNID, depthCeiling int64, key types.StateKeyTuple) (types.EventNID, error) {
	var nid types.EventNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		nid, err = d.roomStateSpace.SelectOneStateAtDepth(ctx, txn, roomNID, depthCeiling, key)
		return mapNoRows(err)
	})
	return nid, err
}

func (d *Database) GetMembershipEventNIDsForRoom(ctx context.Context, roomNID types.RoomNID, joinedOnly, localOnly bool) ([]types.EventNID, error) {
	var out []types.EventNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		out, err = d.roomJoined.SelectLocalJoinedUserNIDs(ctx, txn, roomNID, "", localOnly)
		return err
	})
	return out, err
}

func (d *Database) JoinedUsers(ctx context.Context, roomNID types.RoomNID, origin gomatrixserverlib.ServerName) ([]string, error) {
	var out []string
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		out, err = d.roomJoined.SelectJoinedUsers(ctx, txn, roomNID, origin)
		return err
	})
	return out, err
}

func (d *Database) UpdateMembership(ctx context.Context, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, userID string, membership string, eventNID types.EventNID) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		if membership == "join" {
			return d.roomJoined.UpsertRoomJoined(ctx, txn, roomNID, origin, userID, eventNID)
		}
		return d.roomJoined.DeleteRoomJoined(ctx, txn, roomNID, origin, userID)
	})
}

func (d *Database) Heads(ctx context.Context, roomNID types.RoomNID) (map[string]types.EventNID, error) {
	var out map[string]types.EventNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		out, err = d.roomHeads.SelectRoomHeads(ctx, txn, roomNID)
		return err
	})
	return out, err
}

func (d *Database) ResetHeads(ctx context.Context, roomNID types.RoomNID, eventID string, eventNID types.EventNID) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		return d.roomHeads.ReplaceRoomHeads(ctx, txn, roomNID, map[string]types.EventNID{eventID: eventNID})
	})
}

func (d *Database) UpdateHeads(ctx context.Context, roomNID types.RoomNID, removed []string, added map[string]types.EventNID) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		for _, eventID := range removed {
			if err := d.roomHeads.DeleteRoomHead(ctx, txn, roomNID, eventID); err != nil {
				return err
			}
		}
		for eventID, nid := range added {
			if err := d.roomHeads.InsertRoomHead(ctx, txn, roomNID, eventID, nid); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) EventRefs(ctx context.Context, eventNID types.EventNID, kind types.RefKind) ([]types.EventNID, error) {
	var out []types.EventNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		out, err = d.eventRefs.SelectEventRefs(ctx, txn, eventNID, kind)
		return err
	})
	return out, err
}

func (d *Database) ReferencingEvents(ctx context.Context, eventNID types.EventNID, kind types.RefKind) ([]types.EventNID, error) {
	var out []types.EventNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		out, err = d.eventRefs.SelectReferencingEvents(ctx, txn, eventNID, kind)
		return err
	})
	return out, err
}

func (d *Database) InsertEventRef(ctx context.Context, eventNID types.EventNID, kind types.RefKind, otherNID types.EventNID) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		return d.eventRefs.InsertEventRef(ctx, txn, eventNID, kind, otherNID)
	})
}

func (d *Database) DepthForEventNID(ctx context.Context, eventNID types.EventNID) (int64, error) {
	var depth int64
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		depth, err = d.events.SelectDepthForEventNID(ctx, txn, eventNID)
		return mapNoRows(err)
	})
	return depth, err
}

func (d *Database) RoomEventsByDepth(ctx context.Context, roomNID types.RoomNID, maxDepth int64, limit int) ([]types.EventNID, error) {
	var out []types.EventNID
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var err error
		out, err = d.roomEvents.SelectRoomEventsByDepthRange(ctx, txn, roomNID, maxDepth, limit)
		return err
	})
	return out, err
}

func (d *Database) InsertRoomEvent(ctx context.Context, roomNID types.RoomNID, depth int64, eventNID types.EventNID) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		return d.roomEvents.InsertRoomEvent(ctx, txn, roomNID, depth, eventNID)
	})
}

func (d *Database) MarkEventRedacted(ctx context.Context, redactedEventID string, redactedBecause []byte) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		return d.events.MarkEventRedacted(ctx, txn, redactedEventID, redactedBecause)
	})
}

func (d *Database) RedactionInfo(ctx context.Context, eventID string) (redactedBy string, found bool, err error) {
	err = sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		var ierr error
		redactedBy, found, ierr = d.events.SelectRedactionInfo(ctx, txn, eventID)
		return ierr
	})
	return
}

// roomUpdater is the transaction-scoped view of the store that
// GetRoomUpdater returns: every method stages its writes on one
// transaction, made durable by a single Commit, so the whole derived
// write-set of an ingested event lands (or vanishes) together.
type roomUpdater struct {
	d   *Database
	txn *sql.Tx
}

func (d *Database) GetRoomUpdater(ctx context.Context) (storage.RoomUpdater, error) {
	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &roomUpdater{d: d, txn: txn}, nil
}

func (u *roomUpdater) Commit() error   { return u.txn.Commit() }
func (u *roomUpdater) Rollback() error { return u.txn.Rollback() }

func (u *roomUpdater) StoreEvent(ctx context.Context, event *gomatrixserverlib.Event, authEventNIDs []types.EventNID, isRejected bool) (types.EventNID, types.StateAtEvent, *gomatrixserverlib.Event, string, bool, error) {
	return u.d.storeEvent(ctx, u.txn, event, authEventNIDs, isRejected)
}

func (u *roomUpdater) SetState(ctx context.Context, eventNID types.EventNID, snapshotNID types.StateSnapshotNID) error {
	return u.d.events.UpdateEventState(ctx, u.txn, eventNID, snapshotNID)
}

func (u *roomUpdater) Heads(ctx context.Context, roomNID types.RoomNID) (map[string]types.EventNID, error) {
	return u.d.roomHeads.SelectRoomHeads(ctx, u.txn, roomNID)
}

func (u *roomUpdater) UpdateHeads(ctx context.Context, roomNID types.RoomNID, removed []string, added map[string]types.EventNID) error {
	for _, eventID := range removed {
		if err := u.d.roomHeads.DeleteRoomHead(ctx, u.txn, roomNID, eventID); err != nil {
			return err
		}
	}
	for eventID, nid := range added {
		if err := u.d.roomHeads.InsertRoomHead(ctx, u.txn, roomNID, eventID, nid); err != nil {
			return err
		}
	}
	return nil
}

func (u *roomUpdater) CurrentStateEvent(ctx context.Context, roomNID types.RoomNID, eventType, stateKey string) (types.EventNID, error) {
	nid, err := u.d.roomState.SelectRoomState(ctx, u.txn, roomNID, types.StateKeyTuple{EventType: eventType, StateKey: stateKey})
	return nid, mapNoRows(err)
}

func (u *roomUpdater) SetCurrentStateEvent(ctx context.Context, roomNID types.RoomNID, key types.StateKeyTuple, nid types.EventNID) error {
	return u.d.roomState.UpsertRoomState(ctx, u.txn, roomNID, key, nid)
}

func (u *roomUpdater) InsertEventRef(ctx context.Context, eventNID types.EventNID, kind types.RefKind, otherNID types.EventNID) error {
	return u.d.eventRefs.InsertEventRef(ctx, u.txn, eventNID, kind, otherNID)
}

func (u *roomUpdater) UpdateMembership(ctx context.Context, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, userID string, membership string, eventNID types.EventNID) error {
	if membership == "join" {
		return u.d.roomJoined.UpsertRoomJoined(ctx, u.txn, roomNID, origin, userID, eventNID)
	}
	return u.d.roomJoined.DeleteRoomJoined(ctx, u.txn, roomNID, origin, userID)
}
