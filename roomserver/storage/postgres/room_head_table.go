package postgres

import (
	"context"
	"database/sql"

	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

// Head set: `(room_id, event_id) -> event_idx`.
const roomHeadSchema = `
CREATE TABLE IF NOT EXISTS roomserver_room_head (
    room_nid BIGINT NOT NULL,
    event_id TEXT NOT NULL,
    event_nid BIGINT NOT NULL,
    PRIMARY KEY (room_nid, event_id)
);
`

const insertRoomHeadSQL = "" +
	"INSERT INTO roomserver_room_head (room_nid, event_id, event_nid) VALUES ($1, $2, $3)" +
	" ON CONFLICT (room_nid, event_id) DO UPDATE SET event_nid = $3"

const deleteRoomHeadSQL = "" +
	"DELETE FROM roomserver_room_head WHERE room_nid = $1 AND event_id = $2"

const selectRoomHeadsSQL = "" +
	"SELECT event_id, event_nid FROM roomserver_room_head WHERE room_nid = $1"

const deleteAllRoomHeadsSQL = "" +
	"DELETE FROM roomserver_room_head WHERE room_nid = $1"

type roomHeadStatements struct {
	db                     *sql.DB
	insertRoomHeadStmt     *sql.Stmt
	deleteRoomHeadStmt     *sql.Stmt
	selectRoomHeadsStmt    *sql.Stmt
	deleteAllRoomHeadsStmt *sql.Stmt
}

func NewPostgresRoomHeadsTable(db *sql.DB) (tables.RoomHeads, error) {
	s := &roomHeadStatements{db: db}
	if _, err := db.Exec(roomHeadSchema); err != nil {
		return nil, err
	}
	return s, prepare(db, map[string]**sql.Stmt{
		insertRoomHeadSQL:     &s.insertRoomHeadStmt,
		deleteRoomHeadSQL:     &s.deleteRoomHeadStmt,
		selectRoomHeadsSQL:    &s.selectRoomHeadsStmt,
		deleteAllRoomHeadsSQL: &s.deleteAllRoomHeadsStmt,
	})
}

func (s *roomHeadStatements) InsertRoomHead(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, eventNID types.EventNID) error {
	_, err := txStmt(txn, s.insertRoomHeadStmt).ExecContext(ctx, int64(roomNID), eventID, int64(eventNID))
	return err
}

func (s *roomHeadStatements) DeleteRoomHead(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error {
	_, err := txStmt(txn, s.deleteRoomHeadStmt).ExecContext(ctx, int64(roomNID), eventID)
	return err
}

func (s *roomHeadStatements) SelectRoomHeads(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (map[string]types.EventNID, error) {
	rows, err := txStmt(txn, s.selectRoomHeadsStmt).QueryContext(ctx, int64(roomNID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	heads := make(map[string]types.EventNID)
	for rows.Next() {
		var eventID string
		var nid int64
		if err := rows.Scan(&eventID, &nid); err != nil {
			return nil, err
		}
		heads[eventID] = types.EventNID(nid)
	}
	return heads, rows.Err()
}

// ReplaceRoomHeads implements dag.reset: the head set becomes exactly
// heads, discarding anything previously recorded.
func (s *roomHeadStatements) ReplaceRoomHeads(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, heads map[string]types.EventNID) error {
	if _, err := txStmt(txn, s.deleteAllRoomHeadsStmt).ExecContext(ctx, int64(roomNID)); err != nil {
		return err
	}
	for eventID, nid := range heads {
		if err := s.InsertRoomHead(ctx, txn, roomNID, eventID, nid); err != nil {
			return err
		}
	}
	return nil
}
