package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_nid BIGSERIAL PRIMARY KEY,
    room_id TEXT NOT NULL UNIQUE,
    room_version TEXT NOT NULL,
    creator TEXT NOT NULL DEFAULT '',
    is_federatable BOOLEAN NOT NULL DEFAULT TRUE
);
`

const insertRoomNIDSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version) VALUES ($1, $2)" +
	" ON CONFLICT (room_id) DO NOTHING"

const selectRoomInfoSQL = "" +
	"SELECT room_nid, room_id, room_version, creator, is_federatable FROM roomserver_rooms WHERE room_id = $1"

const selectRoomInfoByNIDSQL = "" +
	"SELECT room_nid, room_id, room_version, creator, is_federatable FROM roomserver_rooms WHERE room_nid = $1"

const setRoomCreatorSQL = "" +
	"UPDATE roomserver_rooms SET creator = $2 WHERE room_nid = $1"

const setRoomFederatableSQL = "" +
	"UPDATE roomserver_rooms SET is_federatable = $2 WHERE room_nid = $1"

const selectAllRoomNIDsSQL = "" +
	"SELECT room_nid FROM roomserver_rooms"

type roomsStatements struct {
	db                      *sql.DB
	insertRoomNIDStmt       *sql.Stmt
	selectRoomInfoStmt      *sql.Stmt
	selectRoomInfoByNIDStmt *sql.Stmt
	setRoomCreatorStmt      *sql.Stmt
	setRoomFederatableStmt  *sql.Stmt
	selectAllRoomNIDsStmt   *sql.Stmt
}

func NewPostgresRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomsStatements{db: db}
	if _, err := db.Exec(roomsSchema); err != nil {
		return nil, err
	}
	return s, prepare(db, map[string]**sql.Stmt{
		insertRoomNIDSQL:       &s.insertRoomNIDStmt,
		selectRoomInfoSQL:      &s.selectRoomInfoStmt,
		selectRoomInfoByNIDSQL: &s.selectRoomInfoByNIDStmt,
		setRoomCreatorSQL:      &s.setRoomCreatorStmt,
		setRoomFederatableSQL:  &s.setRoomFederatableStmt,
		selectAllRoomNIDsSQL:   &s.selectAllRoomNIDsStmt,
	})
}

func (s *roomsStatements) SelectOrInsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion gomatrixserverlib.RoomVersion) (types.RoomNID, error) {
	if _, err := txStmt(txn, s.insertRoomNIDStmt).ExecContext(ctx, roomID, string(roomVersion)); err != nil {
		return 0, err
	}
	info, err := s.SelectRoomInfo(ctx, txn, roomID)
	if err != nil {
		return 0, err
	}
	return info.RoomNID, nil
}

func (s *roomsStatements) scanRoomInfo(row *sql.Row) (*types.RoomInfo, error) {
	var info types.RoomInfo
	var roomNID int64
	var version string
	if err := row.Scan(&roomNID, &info.RoomID, &version, &info.Creator, &info.IsFederatable); err != nil {
		return nil, err
	}
	info.RoomNID = types.RoomNID(roomNID)
	info.RoomVersion = gomatrixserverlib.RoomVersion(version)
	return &info, nil
}

func (s *roomsStatements) SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error) {
	return s.scanRoomInfo(txStmt(txn, s.selectRoomInfoStmt).QueryRowContext(ctx, roomID))
}

func (s *roomsStatements) SelectRoomInfoByNID(ctx context.Context, txn *sql.Tx, nid types.RoomNID) (*types.RoomInfo, error) {
	return s.scanRoomInfo(txStmt(txn, s.selectRoomInfoByNIDStmt).QueryRowContext(ctx, int64(nid)))
}

func (s *roomsStatements) SetRoomCreator(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, creator string) error {
	_, err := txStmt(txn, s.setRoomCreatorStmt).ExecContext(ctx, int64(roomNID), creator)
	return err
}

func (s *roomsStatements) SetRoomFederatable(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, federatable bool) error {
	_, err := txStmt(txn, s.setRoomFederatableStmt).ExecContext(ctx, int64(roomNID), federatable)
	return err
}

func (s *roomsStatements) SelectAllRoomNIDs(ctx context.Context, txn *sql.Tx) ([]types.RoomNID, error) {
	rows, err := txStmt(txn, s.selectAllRoomNIDsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nids []types.RoomNID
	for rows.Next() {
		var nid int64
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		nids = append(nids, types.RoomNID(nid))
	}
	return nids, rows.Err()
}
