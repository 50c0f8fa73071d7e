package sqlite3

import (
	"context"
	"database/sql"

	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

// SQLite has no CREATE SEQUENCE, so a one-column autoincrement table
// mints StateSnapshotNIDs: each insert's rowid is the next NID.
const stateSnapshotsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_snapshot_nid_seq (
    seq INTEGER PRIMARY KEY AUTOINCREMENT
);
CREATE TABLE IF NOT EXISTS roomserver_state_snapshots (
    state_snapshot_nid INTEGER NOT NULL,
    room_nid INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    event_nid INTEGER NOT NULL,
    PRIMARY KEY (state_snapshot_nid, event_type, state_key)
);
`

const mintStateSnapshotNIDSQL = "" +
	"INSERT INTO roomserver_state_snapshot_nid_seq DEFAULT VALUES"

const insertStateSnapshotEntrySQL = "" +
	"INSERT INTO roomserver_state_snapshots (state_snapshot_nid, room_nid, event_type, state_key, event_nid) VALUES ($1, $2, $3, $4, $5)"

const selectStateSnapshotSQL = "" +
	"SELECT event_type, state_key, event_nid FROM roomserver_state_snapshots WHERE state_snapshot_nid = $1"

type stateSnapshotsStatements struct {
	db                       *sql.DB
	mintStateSnapshotNIDStmt *sql.Stmt
	insertStateSnapshotStmt  *sql.Stmt
	selectStateSnapshotStmt  *sql.Stmt
}

func NewSQLiteStateSnapshotsTable(db *sql.DB) (tables.StateSnapshots, error) {
	s := &stateSnapshotsStatements{db: db}
	if _, err := db.Exec(stateSnapshotsSchema); err != nil {
		return nil, err
	}
	return s, prepare(db, map[string]**sql.Stmt{
		mintStateSnapshotNIDSQL:     &s.mintStateSnapshotNIDStmt,
		insertStateSnapshotEntrySQL: &s.insertStateSnapshotStmt,
		selectStateSnapshotSQL:      &s.selectStateSnapshotStmt,
	})
}

func (s *stateSnapshotsStatements) InsertStateSnapshot(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, entries []types.StateEntry) (types.StateSnapshotNID, error) {
	res, err := txStmt(txn, s.mintStateSnapshotNIDStmt).ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	nid, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	stmt := txStmt(txn, s.insertStateSnapshotStmt)
	deduped := types.DeduplicateStateEntries(entries)
	for _, e := range deduped {
		if _, err := stmt.ExecContext(ctx, nid, int64(roomNID), e.EventType, e.StateKey, int64(e.EventNID)); err != nil {
			return 0, err
		}
	}
	return types.StateSnapshotNID(nid), nil
}

func (s *stateSnapshotsStatements) SelectStateSnapshot(ctx context.Context, txn *sql.Tx, nid types.StateSnapshotNID) ([]types.StateEntry, error) {
	rows, err := txStmt(txn, s.selectStateSnapshotStmt).QueryContext(ctx, int64(nid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []types.StateEntry
	for rows.Next() {
		var e types.StateEntry
		var eventNID int64
		if err := rows.Scan(&e.EventType, &e.StateKey, &eventNID); err != nil {
			return nil, err
		}
		e.EventNID = types.EventNID(eventNID)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
