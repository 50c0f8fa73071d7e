package sqlite3

import (
	"context"
	"database/sql"

	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

const roomStateSpaceSchema = `
CREATE TABLE IF NOT EXISTS roomserver_room_state_space (
    room_nid INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    depth INTEGER NOT NULL,
    event_nid INTEGER NOT NULL,
    PRIMARY KEY (room_nid, event_type, state_key, depth, event_nid)
);
CREATE INDEX IF NOT EXISTS roomserver_room_state_space_walk_idx
    ON roomserver_room_state_space (room_nid, event_type, state_key, depth DESC);
`

const insertRoomStateSpaceSQL = "" +
	"INSERT INTO roomserver_room_state_space (room_nid, event_type, state_key, depth, event_nid) VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT DO NOTHING"

// SQLite has no DISTINCT ON; ROW_NUMBER() windowed over the same
// ordering picks the same highest-depth-at-or-below-ceiling row per
// (type, state_key) as the postgres query.
const selectStateAtDepthSQL = "" +
	"SELECT event_type, state_key, event_nid FROM (" +
	"  SELECT event_type, state_key, event_nid," +
	"    ROW_NUMBER() OVER (PARTITION BY event_type, state_key ORDER BY depth DESC) AS rn" +
	"  FROM roomserver_room_state_space" +
	"  WHERE room_nid = $1 AND depth <= $2 AND event_type LIKE $3" +
	") WHERE rn = 1"

const selectOneStateAtDepthSQL = "" +
	"SELECT event_nid FROM roomserver_room_state_space" +
	" WHERE room_nid = $1 AND depth <= $2 AND event_type = $3 AND state_key = $4" +
	" ORDER BY depth DESC LIMIT 1"

type roomStateSpaceStatements struct {
	db                        *sql.DB
	insertRoomStateSpaceStmt  *sql.Stmt
	selectStateAtDepthStmt    *sql.Stmt
	selectOneStateAtDepthStmt *sql.Stmt
}

func NewSQLiteRoomStateSpaceTable(db *sql.DB) (tables.RoomStateSpace, error) {
	s := &roomStateSpaceStatements{db: db}
	if _, err := db.Exec(roomStateSpaceSchema); err != nil {
		return nil, err
	}
	return s, prepare(db, map[string]**sql.Stmt{
		insertRoomStateSpaceSQL:  &s.insertRoomStateSpaceStmt,
		selectStateAtDepthSQL:    &s.selectStateAtDepthStmt,
		selectOneStateAtDepthSQL: &s.selectOneStateAtDepthStmt,
	})
}

func (s *roomStateSpaceStatements) InsertRoomStateSpace(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, key types.StateKeyTuple, depth int64, eventNID types.EventNID) error {
	_, err := txStmt(txn, s.insertRoomStateSpaceStmt).ExecContext(ctx, int64(roomNID), key.EventType, key.StateKey, depth, int64(eventNID))
	return err
}

func (s *roomStateSpaceStatements) SelectStateAtDepth(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, ceiling int64, typePrefix string) ([]types.StateEntry, error) {
	rows, err := txStmt(txn, s.selectStateAtDepthStmt).QueryContext(ctx, int64(roomNID), ceiling, likePrefix(typePrefix))
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

func (s *roomStateSpaceStatements) SelectOneStateAtDepth(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, ceiling int64, key types.StateKeyTuple) (types.EventNID, error) {
	var nid int64
	err := txStmt(txn, s.selectOneStateAtDepthStmt).QueryRowContext(ctx, int64(roomNID), ceiling, key.EventType, key.StateKey).Scan(&nid)
	return types.EventNID(nid), err
}
