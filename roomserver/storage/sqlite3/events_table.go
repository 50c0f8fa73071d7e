package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/roomserver/storage/tables"
	"github.com/Havelet/construct/roomserver/types"
)

// SQLite has no array column type, so auth_event_nids is stored as a
// JSON-encoded array of NIDs rather than postgres's BIGINT[].
const eventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_events (
    event_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_nid INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    sender TEXT NOT NULL,
    state_key TEXT,
    content TEXT NOT NULL,
    depth INTEGER NOT NULL,
    origin_server_ts INTEGER NOT NULL,
    origin TEXT NOT NULL,
    auth_event_nids TEXT NOT NULL DEFAULT '[]',
    event_json TEXT NOT NULL,
    is_rejected INTEGER NOT NULL DEFAULT 0,
    state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
    redacted_because TEXT
);
CREATE INDEX IF NOT EXISTS roomserver_events_room_nid_idx ON roomserver_events(room_nid);
CREATE INDEX IF NOT EXISTS roomserver_events_type_state_key_idx ON roomserver_events(room_nid, event_type, state_key);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (room_nid, event_id, event_type, sender, state_key, content, depth, origin_server_ts, origin, auth_event_nids, event_json, is_rejected)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)" +
	" ON CONFLICT (event_id) DO NOTHING"

const selectEventNIDSQL = "" +
	"SELECT event_nid FROM roomserver_events WHERE event_id = $1"

const selectEventJSONSQL = "" +
	"SELECT event_json FROM roomserver_events WHERE event_nid = $1"

const selectEventIDSQL = "" +
	"SELECT event_id FROM roomserver_events WHERE event_nid = $1"

const selectRoomNIDForEventNIDSQL = "" +
	"SELECT room_nid FROM roomserver_events WHERE event_nid = $1"

const selectDepthForEventNIDSQL = "" +
	"SELECT depth FROM roomserver_events WHERE event_nid = $1"

const updateEventStateSQL = "" +
	"UPDATE roomserver_events SET state_snapshot_nid = $2 WHERE event_nid = $1"

const selectStateAtEventNIDSQL = "" +
	"SELECT state_snapshot_nid FROM roomserver_events WHERE event_nid = $1"

const markEventRedactedSQL = "" +
	"UPDATE roomserver_events SET redacted_because = $2 WHERE event_id = $1"

const selectRedactionInfoSQL = "" +
	"SELECT redacted_because FROM roomserver_events WHERE event_id = $1"

type eventsStatements struct {
	db                           *sql.DB
	insertEventStmt              *sql.Stmt
	selectEventNIDStmt           *sql.Stmt
	selectEventJSONStmt          *sql.Stmt
	selectEventIDStmt            *sql.Stmt
	selectRoomNIDForEventNIDStmt *sql.Stmt
	selectDepthForEventNIDStmt   *sql.Stmt
	updateEventStateStmt         *sql.Stmt
	selectStateAtEventNIDStmt    *sql.Stmt
	markEventRedactedStmt        *sql.Stmt
	selectRedactionInfoStmt      *sql.Stmt
}

func NewSQLiteEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventsStatements{db: db}
	if _, err := db.Exec(eventsSchema); err != nil {
		return nil, err
	}
	return s, prepare(db, map[string]**sql.Stmt{
		insertEventSQL:              &s.insertEventStmt,
		selectEventNIDSQL:           &s.selectEventNIDStmt,
		selectEventJSONSQL:          &s.selectEventJSONStmt,
		selectEventIDSQL:            &s.selectEventIDStmt,
		selectRoomNIDForEventNIDSQL: &s.selectRoomNIDForEventNIDStmt,
		selectDepthForEventNIDSQL:   &s.selectDepthForEventNIDStmt,
		updateEventStateSQL:         &s.updateEventStateStmt,
		selectStateAtEventNIDSQL:    &s.selectStateAtEventNIDStmt,
		markEventRedactedSQL:        &s.markEventRedactedStmt,
		selectRedactionInfoSQL:      &s.selectRedactionInfoStmt,
	})
}

func (s *eventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string,
	event *gomatrixserverlib.Event, authEventNIDs []types.EventNID, isRejected bool,
) (types.EventNID, bool, error) {
	var stateKey sql.NullString
	if sk := event.StateKey(); sk != nil {
		stateKey = sql.NullString{String: *sk, Valid: true}
	}
	authNIDs := make([]int64, len(authEventNIDs))
	for i, n := range authEventNIDs {
		authNIDs[i] = int64(n)
	}
	authJSON, err := json.Marshal(authNIDs)
	if err != nil {
		return 0, false, err
	}

	res, err := txStmt(txn, s.insertEventStmt).ExecContext(
		ctx, int64(roomNID), eventID, event.Type(), event.Sender(), stateKey,
		string(event.Content()), event.Depth(), int64(event.OriginServerTS()),
		string(event.Origin()), string(authJSON), string(event.JSON()), isRejected,
	)
	if err != nil {
		return 0, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		existing, selErr := s.SelectEventNID(ctx, txn, eventID)
		return existing, true, selErr
	}
	nid, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return types.EventNID(nid), false, nil
}

func (s *eventsStatements) SelectEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, error) {
	var nid int64
	err := txStmt(txn, s.selectEventNIDStmt).QueryRowContext(ctx, eventID).Scan(&nid)
	return types.EventNID(nid), err
}

// BulkSelectEventNID has no unnest equivalent in SQLite, so it builds a
// dynamic IN clause for the requested ids.
func (s *eventsStatements) BulkSelectEventNID(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventNID, error) {
	result := make(map[string]types.EventNID, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}
	placeholders := make([]string, len(eventIDs))
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := "SELECT event_id, event_nid FROM roomserver_events WHERE event_id IN (" + strings.Join(placeholders, ",") + ")"
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, query, args...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var nid int64
		if err := rows.Scan(&id, &nid); err != nil {
			return nil, err
		}
		result[id] = types.EventNID(nid)
	}
	return result, rows.Err()
}

func (s *eventsStatements) SelectEventJSON(ctx context.Context, txn *sql.Tx, nid types.EventNID) ([]byte, error) {
	var j string
	err := txStmt(txn, s.selectEventJSONStmt).QueryRowContext(ctx, int64(nid)).Scan(&j)
	return []byte(j), err
}

func (s *eventsStatements) BulkSelectEventJSON(ctx context.Context, txn *sql.Tx, nids []types.EventNID) (map[types.EventNID][]byte, error) {
	result := make(map[types.EventNID][]byte, len(nids))
	if len(nids) == 0 {
		return result, nil
	}
	placeholders := make([]string, len(nids))
	args := make([]interface{}, len(nids))
	for i, n := range nids {
		placeholders[i] = "?"
		args[i] = int64(n)
	}
	query := "SELECT event_nid, event_json FROM roomserver_events WHERE event_nid IN (" + strings.Join(placeholders, ",") + ")"
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, query, args...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var nid int64
		var j string
		if err := rows.Scan(&nid, &j); err != nil {
			return nil, err
		}
		result[types.EventNID(nid)] = []byte(j)
	}
	return result, rows.Err()
}

func (s *eventsStatements) SelectEventID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (string, error) {
	var id string
	err := txStmt(txn, s.selectEventIDStmt).QueryRowContext(ctx, int64(nid)).Scan(&id)
	return id, err
}

func (s *eventsStatements) SelectRoomNIDForEventNID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (types.RoomNID, error) {
	var roomNID int64
	err := txStmt(txn, s.selectRoomNIDForEventNIDStmt).QueryRowContext(ctx, int64(nid)).Scan(&roomNID)
	return types.RoomNID(roomNID), err
}

func (s *eventsStatements) SelectDepthForEventNID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (int64, error) {
	var depth int64
	err := txStmt(txn, s.selectDepthForEventNIDStmt).QueryRowContext(ctx, int64(nid)).Scan(&depth)
	return depth, err
}

func (s *eventsStatements) UpdateEventState(ctx context.Context, txn *sql.Tx, nid types.EventNID, snapshotNID types.StateSnapshotNID) error {
	_, err := txStmt(txn, s.updateEventStateStmt).ExecContext(ctx, int64(nid), int64(snapshotNID))
	return err
}

func (s *eventsStatements) SelectStateAtEventNID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (types.StateSnapshotNID, error) {
	var snapshotNID int64
	err := txStmt(txn, s.selectStateAtEventNIDStmt).QueryRowContext(ctx, int64(nid)).Scan(&snapshotNID)
	return types.StateSnapshotNID(snapshotNID), err
}

func (s *eventsStatements) MarkEventRedacted(ctx context.Context, txn *sql.Tx, redactedEventID string, redactedBecause []byte) error {
	_, err := txStmt(txn, s.markEventRedactedStmt).ExecContext(ctx, redactedEventID, string(redactedBecause))
	return err
}

func (s *eventsStatements) SelectRedactionInfo(ctx context.Context, txn *sql.Tx, eventID string) (string, bool, error) {
	var j sql.NullString
	err := txStmt(txn, s.selectRedactionInfoStmt).QueryRowContext(ctx, eventID).Scan(&j)
	if err == sql.ErrNoRows || !j.Valid {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var parsed struct {
		Sender string `json:"sender"`
	}
	_ = json.Unmarshal([]byte(j.String), &parsed)
	return parsed.Sender, true, nil
}
