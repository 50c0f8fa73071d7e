package postgres

import (
	"context"
	"database/sql"

	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

// Schema for the `(room_id, depth, event_idx) -> ()` column: an
// ordered scan yields events in room depth order, breaking ties by
// NID.
const roomEventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_room_events (
    room_nid BIGINT NOT NULL,
    depth BIGINT NOT NULL,
    event_nid BIGINT NOT NULL,
    PRIMARY KEY (room_nid, depth, event_nid)
);
CREATE INDEX IF NOT EXISTS roomserver_room_events_depth_desc_idx
    ON roomserver_room_events (room_nid, depth DESC, event_nid ASC);
`

const insertRoomEventSQL = "" +
	"INSERT INTO roomserver_room_events (room_nid, depth, event_nid) VALUES ($1, $2, $3)" +
	" ON CONFLICT DO NOTHING"

const selectRoomEventsByDepthRangeSQL = "" +
	"SELECT event_nid FROM roomserver_room_events" +
	" WHERE room_nid = $1 AND depth <= $2" +
	" ORDER BY depth DESC, event_nid ASC LIMIT $3"

type roomEventsStatements struct {
	db                               *sql.DB
	insertRoomEventStmt              *sql.Stmt
	selectRoomEventsByDepthRangeStmt *sql.Stmt
}

func NewPostgresRoomEventsTable(db *sql.DB) (tables.RoomEvents, error) {
	s := &roomEventsStatements{db: db}
	if _, err := db.Exec(roomEventsSchema); err != nil {
		return nil, err
	}
	return s, prepare(db, map[string]**sql.Stmt{
		insertRoomEventSQL:              &s.insertRoomEventStmt,
		selectRoomEventsByDepthRangeSQL: &s.selectRoomEventsByDepthRangeStmt,
	})
}

func (s *roomEventsStatements) InsertRoomEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, depth int64, eventNID types.EventNID) error {
	_, err := txStmt(txn, s.insertRoomEventStmt).ExecContext(ctx, int64(roomNID), depth, int64(eventNID))
	return err
}

func (s *roomEventsStatements) SelectRoomEventsByDepthRange(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, maxDepth int64, limit int) ([]types.EventNID, error) {
	rows, err := txStmt(txn, s.selectRoomEventsByDepthRangeStmt).QueryContext(ctx, int64(roomNID), maxDepth, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nids []types.EventNID
	for rows.Next() {
		var nid int64
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		nids = append(nids, types.EventNID(nid))
	}
	return nids, rows.Err()
}
