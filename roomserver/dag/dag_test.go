package dag

import (
	"context"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Havelet/construct/internal/sqlutil"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/storage/sqlite3"
	"github.com/Havelet/construct/roomserver/types"
	"github.com/Havelet/construct/setup/config"
)

const testRoomVersion = gomatrixserverlib.RoomVersionV1

func mustMakeDatabase(t *testing.T) storage.Database {
	t.Helper()
	db, err := sqlutil.Open("sqlite3", ":memory:", config.DatabaseOptions{})
	require.NoError(t, err)
	d, err := sqlite3.NewDatabase(db)
	require.NoError(t, err)
	return d
}

// buildEvent constructs a trusted test event. stateKey == nil means a
// non-state event; prevEventID == "" means no prev_events (room create).
func buildEvent(t *testing.T, roomID, eventID, evType string, stateKey *string, prevEventID string, depth int64) *gomatrixserverlib.Event {
	t.Helper()
	prevEvents := "[]"
	if prevEventID != "" {
		prevEvents = fmt.Sprintf(`[["%s",{}]]`, prevEventID)
	}
	stateKeyJSON := "null"
	if stateKey != nil {
		stateKeyJSON = fmt.Sprintf("%q", *stateKey)
	}
	eventJSON := fmt.Sprintf(`{
		"event_id":%q,
		"room_id":%q,
		"sender":"@alice:test",
		"type":%q,
		"state_key":%s,
		"content":{},
		"prev_events":%s,
		"auth_events":[],
		"depth":%d,
		"origin_server_ts":1000000
	}`, eventID, roomID, evType, stateKeyJSON, prevEvents, depth)

	ev, err := gomatrixserverlib.NewEventFromTrustedJSON([]byte(eventJSON), false, testRoomVersion)
	require.NoError(t, err)
	return &ev
}

// storeAndIndex stores event via db.StoreEvent and runs the DAG
// bookkeeping OnEventWritten would apply on ingest.
func storeAndIndex(t *testing.T, ctx context.Context, db storage.Database, idx *Index, roomNID types.RoomNID, event *gomatrixserverlib.Event) types.EventNID {
	t.Helper()
	nid, _, _, _, alreadyExisted, err := db.StoreEvent(ctx, event, nil, false)
	require.NoError(t, err)
	require.False(t, alreadyExisted)
	require.NoError(t, idx.OnEventWritten(ctx, db, roomNID, nid, event.EventID(), event))
	return nid
}

func TestOnEventWrittenHeadSet(t *testing.T) {
	ctx := context.Background()
	db := mustMakeDatabase(t)
	idx := New(db)

	roomID := "!room:test"
	info, err := db.GetOrCreateRoomInfo(ctx, roomID, testRoomVersion)
	require.NoError(t, err)

	create := buildEvent(t, roomID, "$create:test", "m.room.create", strPtr(""), "", 0)
	createNID := storeAndIndex(t, ctx, db, idx, info.RoomNID, create)

	heads, err := db.Heads(ctx, info.RoomNID)
	require.NoError(t, err)
	assert.Equal(t, map[string]types.EventNID{"$create:test": createNID}, heads)

	msg := buildEvent(t, roomID, "$msg:test", "m.room.message", nil, "$create:test", 1)
	msgNID := storeAndIndex(t, ctx, db, idx, info.RoomNID, msg)

	heads, err = db.Heads(ctx, info.RoomNID)
	require.NoError(t, err)
	assert.Equal(t, map[string]types.EventNID{"$msg:test": msgNID}, heads, "create should drop out of the head set once msg supersedes it")
}

func TestOnEventWrittenPrevStateLinking(t *testing.T) {
	ctx := context.Background()
	db := mustMakeDatabase(t)
	idx := New(db)

	roomID := "!room:test"
	info, err := db.GetOrCreateRoomInfo(ctx, roomID, testRoomVersion)
	require.NoError(t, err)

	create := buildEvent(t, roomID, "$create:test", "m.room.create", strPtr(""), "", 0)
	storeAndIndex(t, ctx, db, idx, info.RoomNID, create)

	nameA := buildEvent(t, roomID, "$name-a:test", "m.room.name", strPtr(""), "$create:test", 1)
	nameANID := storeAndIndex(t, ctx, db, idx, info.RoomNID, nameA)

	cur, err := db.CurrentStateEvent(ctx, info.RoomNID, "m.room.name", "")
	require.NoError(t, err)
	assert.Equal(t, nameANID, cur)

	nameB := buildEvent(t, roomID, "$name-b:test", "m.room.name", strPtr(""), "$name-a:test", 2)
	nameBNID := storeAndIndex(t, ctx, db, idx, info.RoomNID, nameB)

	cur, err = db.CurrentStateEvent(ctx, info.RoomNID, "m.room.name", "")
	require.NoError(t, err)
	assert.Equal(t, nameBNID, cur, "present state should now point at the newer name event")

	nextOfA, err := db.EventRefs(ctx, nameANID, types.RefKindNextState)
	require.NoError(t, err)
	assert.Equal(t, []types.EventNID{nameBNID}, nextOfA)

	prevOfB, err := db.EventRefs(ctx, nameBNID, types.RefKindPrevState)
	require.NoError(t, err)
	assert.Equal(t, []types.EventNID{nameANID}, prevOfB)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	db := mustMakeDatabase(t)
	idx := New(db)

	roomID := "!room:test"
	info, err := db.GetOrCreateRoomInfo(ctx, roomID, testRoomVersion)
	require.NoError(t, err)

	create := buildEvent(t, roomID, "$create:test", "m.room.create", strPtr(""), "", 0)
	storeAndIndex(t, ctx, db, idx, info.RoomNID, create)
	msg := buildEvent(t, roomID, "$msg:test", "m.room.message", nil, "$create:test", 1)
	msgNID := storeAndIndex(t, ctx, db, idx, info.RoomNID, msg)

	// Simulate divergence: stomp the head set with something stale.
	require.NoError(t, db.ResetHeads(ctx, info.RoomNID, "$create:test", 0))

	require.NoError(t, idx.Reset(ctx, info.RoomNID))

	heads, err := db.Heads(ctx, info.RoomNID)
	require.NoError(t, err)
	assert.Equal(t, map[string]types.EventNID{"$msg:test": msgNID}, heads)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	db := mustMakeDatabase(t)
	idx := New(db)

	roomID := "!room:test"
	info, err := db.GetOrCreateRoomInfo(ctx, roomID, testRoomVersion)
	require.NoError(t, err)

	create := buildEvent(t, roomID, "$create:test", "m.room.create", strPtr(""), "", 0)
	storeAndIndex(t, ctx, db, idx, info.RoomNID, create)
	msgA := buildEvent(t, roomID, "$msg-a:test", "m.room.message", nil, "$create:test", 1)
	storeAndIndex(t, ctx, db, idx, info.RoomNID, msgA)
	msgB := buildEvent(t, roomID, "$msg-b:test", "m.room.message", nil, "$create:test", 1)
	msgBNID := storeAndIndex(t, ctx, db, idx, info.RoomNID, msgB)

	// Corrupt the head set before rebuilding.
	require.NoError(t, db.UpdateHeads(ctx, info.RoomNID, []string{"$msg-a:test", "$msg-b:test"}, map[string]types.EventNID{"$create:test": 1}))

	require.NoError(t, idx.Rebuild(ctx, info.RoomNID))

	heads, err := db.Heads(ctx, info.RoomNID)
	require.NoError(t, err)
	assert.Len(t, heads, 2, "both childless messages should be heads again after rebuild")
	assert.Contains(t, heads, "$msg-b:test")
	assert.Equal(t, msgBNID, heads["$msg-b:test"])
	assert.NotContains(t, heads, "$create:test")
}

func TestSupersededStateEvents(t *testing.T) {
	ctx := context.Background()
	db := mustMakeDatabase(t)
	idx := New(db)

	roomID := "!room:test"
	info, err := db.GetOrCreateRoomInfo(ctx, roomID, testRoomVersion)
	require.NoError(t, err)

	create := buildEvent(t, roomID, "$create:test", "m.room.create", strPtr(""), "", 0)
	storeAndIndex(t, ctx, db, idx, info.RoomNID, create)
	nameA := buildEvent(t, roomID, "$name-a:test", "m.room.name", strPtr(""), "$create:test", 1)
	nameANID := storeAndIndex(t, ctx, db, idx, info.RoomNID, nameA)
	nameB := buildEvent(t, roomID, "$name-b:test", "m.room.name", strPtr(""), "$name-a:test", 2)
	storeAndIndex(t, ctx, db, idx, info.RoomNID, nameB)

	// create has no predecessor of its own tuple, so only nameA (which
	// nameB superseded) should surface.
	superseded, err := idx.SupersededStateEvents(ctx, info.RoomNID)
	require.NoError(t, err)
	assert.Equal(t, []types.EventNID{nameANID}, superseded)
}

func strPtr(s string) *string { return &s }
