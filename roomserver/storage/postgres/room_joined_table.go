package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

// `(room_id, origin, user_id) -> event_idx` fast path for "joined
// members" listing. Valid only in present mode.
const roomJoinedSchema = `
CREATE TABLE IF NOT EXISTS roomserver_room_joined (
    room_nid BIGINT NOT NULL,
    origin TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_nid BIGINT NOT NULL,
    PRIMARY KEY (room_nid, origin, user_id)
);
CREATE INDEX IF NOT EXISTS roomserver_room_joined_room_origin_idx ON roomserver_room_joined (room_nid, origin);
`

const upsertRoomJoinedSQL = "" +
	"INSERT INTO roomserver_room_joined (room_nid, origin, user_id, event_nid) VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_nid, origin, user_id) DO UPDATE SET event_nid = $4"

const deleteRoomJoinedSQL = "" +
	"DELETE FROM roomserver_room_joined WHERE room_nid = $1 AND origin = $2 AND user_id = $3"

const selectJoinedUsersSQL = "" +
	"SELECT user_id FROM roomserver_room_joined WHERE room_nid = $1 AND ($2 = '' OR origin = $2)"

const selectLocalJoinedUserNIDsSQL = "" +
	"SELECT event_nid FROM roomserver_room_joined WHERE room_nid = $1 AND origin = $2"

const countJoinedSQL = "" +
	"SELECT COUNT(*) FROM roomserver_room_joined WHERE room_nid = $1 AND ($2 = '' OR origin = $2)"

type roomJoinedStatements struct {
	db                            *sql.DB
	upsertRoomJoinedStmt          *sql.Stmt
	deleteRoomJoinedStmt          *sql.Stmt
	selectJoinedUsersStmt         *sql.Stmt
	selectLocalJoinedUserNIDsStmt *sql.Stmt
	countJoinedStmt               *sql.Stmt
}

func NewPostgresRoomJoinedTable(db *sql.DB) (tables.RoomJoined, error) {
	s := &roomJoinedStatements{db: db}
	if _, err := db.Exec(roomJoinedSchema); err != nil {
		return nil, err
	}
	return s, prepare(db, map[string]**sql.Stmt{
		upsertRoomJoinedSQL:          &s.upsertRoomJoinedStmt,
		deleteRoomJoinedSQL:          &s.deleteRoomJoinedStmt,
		selectJoinedUsersSQL:         &s.selectJoinedUsersStmt,
		selectLocalJoinedUserNIDsSQL: &s.selectLocalJoinedUserNIDsStmt,
		countJoinedSQL:               &s.countJoinedStmt,
	})
}

func (s *roomJoinedStatements) UpsertRoomJoined(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, userID string, eventNID types.EventNID) error {
	_, err := txStmt(txn, s.upsertRoomJoinedStmt).ExecContext(ctx, int64(roomNID), string(origin), userID, int64(eventNID))
	return err
}

func (s *roomJoinedStatements) DeleteRoomJoined(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, userID string) error {
	_, err := txStmt(txn, s.deleteRoomJoinedStmt).ExecContext(ctx, int64(roomNID), string(origin), userID)
	return err
}

func (s *roomJoinedStatements) SelectJoinedUsers(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName) ([]string, error) {
	rows, err := txStmt(txn, s.selectJoinedUsersStmt).QueryContext(ctx, int64(roomNID), string(origin))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *roomJoinedStatements) SelectLocalJoinedUserNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName, local bool) ([]types.EventNID, error) {
	rows, err := txStmt(txn, s.selectLocalJoinedUserNIDsStmt).QueryContext(ctx, int64(roomNID), string(origin))
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

func (s *roomJoinedStatements) CountJoined(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, origin gomatrixserverlib.ServerName) (int, error) {
	var count int
	err := txStmt(txn, s.countJoinedStmt).QueryRowContext(ctx, int64(roomNID), string(origin)).Scan(&count)
	return count, err
}

// userIDOrigin extracts the server name portion of a Matrix user id,
// used by callers deciding which origin bucket a membership event
// belongs to.
func userIDOrigin(userID string) string {
	idx := strings.IndexByte(userID, ':')
	if idx < 0 {
		return ""
	}
	return userID[idx+1:]
}
