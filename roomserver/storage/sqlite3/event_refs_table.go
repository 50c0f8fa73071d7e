package sqlite3

import (
	"context"
	"database/sql"

	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

const eventRefsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_refs (
    event_nid INTEGER NOT NULL,
    ref_kind INTEGER NOT NULL,
    other_nid INTEGER NOT NULL,
    PRIMARY KEY (event_nid, ref_kind, other_nid)
);
CREATE INDEX IF NOT EXISTS roomserver_event_refs_reverse_idx
    ON roomserver_event_refs (other_nid, ref_kind, event_nid);
`

const insertEventRefSQL = "" +
	"INSERT INTO roomserver_event_refs (event_nid, ref_kind, other_nid) VALUES ($1, $2, $3)" +
	" ON CONFLICT DO NOTHING"

const selectEventRefsSQL = "" +
	"SELECT other_nid FROM roomserver_event_refs WHERE event_nid = $1 AND ref_kind = $2"

const selectReferencingEventsSQL = "" +
	"SELECT event_nid FROM roomserver_event_refs WHERE other_nid = $1 AND ref_kind = $2"

type eventRefsStatements struct {
	db                          *sql.DB
	insertEventRefStmt          *sql.Stmt
	selectEventRefsStmt         *sql.Stmt
	selectReferencingEventsStmt *sql.Stmt
}

func NewSQLiteEventRefsTable(db *sql.DB) (tables.EventRefs, error) {
	s := &eventRefsStatements{db: db}
	if _, err := db.Exec(eventRefsSchema); err != nil {
		return nil, err
	}
	return s, prepare(db, map[string]**sql.Stmt{
		insertEventRefSQL:          &s.insertEventRefStmt,
		selectEventRefsSQL:         &s.selectEventRefsStmt,
		selectReferencingEventsSQL: &s.selectReferencingEventsStmt,
	})
}

func (s *eventRefsStatements) InsertEventRef(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, kind types.RefKind, otherNID types.EventNID) error {
	_, err := txStmt(txn, s.insertEventRefStmt).ExecContext(ctx, int64(eventNID), int(kind), int64(otherNID))
	return err
}

func (s *eventRefsStatements) SelectEventRefs(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, kind types.RefKind) ([]types.EventNID, error) {
	rows, err := txStmt(txn, s.selectEventRefsStmt).QueryContext(ctx, int64(eventNID), int(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventNIDs(rows)
}

func (s *eventRefsStatements) SelectReferencingEvents(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, kind types.RefKind) ([]types.EventNID, error) {
	rows, err := txStmt(txn, s.selectReferencingEventsStmt).QueryContext(ctx, int64(eventNID), int(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventNIDs(rows)
}

func scanEventNIDs(rows *sql.Rows) ([]types.EventNID, error) {
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
