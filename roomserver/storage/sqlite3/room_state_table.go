package sqlite3

import (
	"context"
	"database/sql"

	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

const roomStateSchema = `
CREATE TABLE IF NOT EXISTS roomserver_room_state (
    room_nid INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    event_nid INTEGER NOT NULL,
    PRIMARY KEY (room_nid, event_type, state_key)
);
`

const upsertRoomStateSQL = "" +
	"INSERT INTO roomserver_room_state (room_nid, event_type, state_key, event_nid) VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_nid, event_type, state_key) DO UPDATE SET event_nid = $4"

const selectRoomStateSQL = "" +
	"SELECT event_nid FROM roomserver_room_state WHERE room_nid = $1 AND event_type = $2 AND state_key = $3"

const selectAllRoomStateSQL = "" +
	"SELECT event_type, state_key, event_nid FROM roomserver_room_state" +
	" WHERE room_nid = $1 AND event_type LIKE $2 ORDER BY event_type, state_key"

const countRoomStateSQL = "" +
	"SELECT COUNT(*) FROM roomserver_room_state WHERE room_nid = $1 AND event_type LIKE $2"

const deleteRoomStateSQL = "" +
	"DELETE FROM roomserver_room_state WHERE room_nid = $1 AND event_type = $2 AND state_key = $3"

type roomStateStatements struct {
	db                     *sql.DB
	upsertRoomStateStmt    *sql.Stmt
	selectRoomStateStmt    *sql.Stmt
	selectAllRoomStateStmt *sql.Stmt
	countRoomStateStmt     *sql.Stmt
	deleteRoomStateStmt    *sql.Stmt
}

func NewSQLiteRoomStateTable(db *sql.DB) (tables.RoomState, error) {
	s := &roomStateStatements{db: db}
	if _, err := db.Exec(roomStateSchema); err != nil {
		return nil, err
	}
	return s, prepare(db, map[string]**sql.Stmt{
		upsertRoomStateSQL:    &s.upsertRoomStateStmt,
		selectRoomStateSQL:    &s.selectRoomStateStmt,
		selectAllRoomStateSQL: &s.selectAllRoomStateStmt,
		countRoomStateSQL:     &s.countRoomStateStmt,
		deleteRoomStateSQL:    &s.deleteRoomStateStmt,
	})
}

func likePrefix(prefix string) string {
	if prefix == "" {
		return "%"
	}
	return prefix + "%"
}

func (s *roomStateStatements) UpsertRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, key types.StateKeyTuple, eventNID types.EventNID) error {
	_, err := txStmt(txn, s.upsertRoomStateStmt).ExecContext(ctx, int64(roomNID), key.EventType, key.StateKey, int64(eventNID))
	return err
}

func (s *roomStateStatements) SelectRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, key types.StateKeyTuple) (types.EventNID, error) {
	var nid int64
	err := txStmt(txn, s.selectRoomStateStmt).QueryRowContext(ctx, int64(roomNID), key.EventType, key.StateKey).Scan(&nid)
	return types.EventNID(nid), err
}

func (s *roomStateStatements) SelectAllRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, typePrefix string) ([]types.StateEntry, error) {
	rows, err := txStmt(txn, s.selectAllRoomStateStmt).QueryContext(ctx, int64(roomNID), likePrefix(typePrefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []types.StateEntry
	for rows.Next() {
		var e types.StateEntry
		var nid int64
		if err := rows.Scan(&e.EventType, &e.StateKey, &nid); err != nil {
			return nil, err
		}
		e.EventNID = types.EventNID(nid)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *roomStateStatements) CountRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, typeFilter string) (int, error) {
	var count int
	err := txStmt(txn, s.countRoomStateStmt).QueryRowContext(ctx, int64(roomNID), likePrefix(typeFilter)).Scan(&count)
	return count, err
}

func (s *roomStateStatements) DeleteRoomState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, key types.StateKeyTuple) error {
	_, err := txStmt(txn, s.deleteRoomStateStmt).ExecContext(ctx, int64(roomNID), key.EventType, key.StateKey)
	return err
}
