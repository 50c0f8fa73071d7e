package state

import (
	"context"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Havelet/construct/internal/caching"
	"github.com/Havelet/construct/internal/sqlutil"
	"github.com/Havelet/construct/roomserver/dag"
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

func buildEvent(t *testing.T, roomID, eventID, evType string, stateKey *string, content string, prevEventID string, depth int64) *gomatrixserverlib.Event {
	t.Helper()
	prevEvents := "[]"
	if prevEventID != "" {
		prevEvents = fmt.Sprintf(`[["%s",{}]]`, prevEventID)
	}
	stateKeyJSON := "null"
	if stateKey != nil {
		stateKeyJSON = fmt.Sprintf("%q", *stateKey)
	}
	if content == "" {
		content = "{}"
	}
	eventJSON := fmt.Sprintf(`{
		"event_id":%q,
		"room_id":%q,
		"sender":"@alice:test",
		"type":%q,
		"state_key":%s,
		"content":%s,
		"prev_events":%s,
		"auth_events":[],
		"depth":%d,
		"origin_server_ts":1000000
	}`, eventID, roomID, evType, stateKeyJSON, content, prevEvents, depth)

	ev, err := gomatrixserverlib.NewEventFromTrustedJSON([]byte(eventJSON), false, testRoomVersion)
	require.NoError(t, err)
	return &ev
}

func strPtr(s string) *string { return &s }

// fixture builds a small room: create, join(alice), a room name set
// twice (so historical queries can observe the superseded value).
type fixture struct {
	db      storage.Database
	idx     *dag.Index
	roomNID types.RoomNID
	nameAID string
	nameBID string
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := mustMakeDatabase(t)
	idx := dag.New(db)

	roomID := "!room:test"
	info, err := db.GetOrCreateRoomInfo(ctx, roomID, testRoomVersion)
	require.NoError(t, err)

	store := func(ev *gomatrixserverlib.Event) {
		nid, _, _, _, _, err := db.StoreEvent(ctx, ev, nil, false)
		require.NoError(t, err)
		require.NoError(t, idx.OnEventWritten(ctx, db, info.RoomNID, nid, ev.EventID(), ev))
	}

	store(buildEvent(t, roomID, "$create:test", "m.room.create", strPtr(""), "", "", 0))
	join := buildEvent(t, roomID, "$join-alice:test", "m.room.member", strPtr("@alice:test"), `{"membership":"join"}`, "$create:test", 1)
	store(join)
	// The room_joined fast path is maintained by the input pipeline,
	// not by StoreEvent itself; mirror that call here.
	joinNID, err := db.EventNIDs(ctx, []string{"$join-alice:test"})
	require.NoError(t, err)
	require.NoError(t, db.UpdateMembership(ctx, info.RoomNID, "test", "@alice:test", "join", joinNID["$join-alice:test"]))
	store(buildEvent(t, roomID, "$name-a:test", "m.room.name", strPtr(""), `{"name":"a"}`, "$join-alice:test", 2))
	store(buildEvent(t, roomID, "$name-b:test", "m.room.name", strPtr(""), `{"name":"b"}`, "$name-a:test", 3))

	return &fixture{db: db, idx: idx, roomNID: info.RoomNID, nameAID: "$name-a:test", nameBID: "$name-b:test"}
}

func TestPresentModeGet(t *testing.T) {
	ctx := context.Background()
	f := buildFixture(t)
	res := NewStateResolution(f.db, nil)

	q, err := res.Open(ctx, "!room:test", "")
	require.NoError(t, err)

	present, err := q.Present(ctx)
	require.NoError(t, err)
	assert.True(t, present)

	nid, err := q.Get(ctx, "m.room.name", "")
	require.NoError(t, err)
	nameBNID, err := f.db.EventNIDs(ctx, []string{f.nameBID})
	require.NoError(t, err)
	assert.Equal(t, nameBNID[f.nameBID], nid, "present mode should see the latest name event")
}

func TestHistoricalModeGet(t *testing.T) {
	ctx := context.Background()
	f := buildFixture(t)
	res := NewStateResolution(f.db, nil)

	q, err := res.Open(ctx, "!room:test", f.nameAID)
	require.NoError(t, err)

	present, err := q.Present(ctx)
	require.NoError(t, err)
	assert.False(t, present, "anchor predates the head, so this query is not present")

	nid, err := q.Get(ctx, "m.room.name", "")
	require.NoError(t, err)
	nameANID, err := f.db.EventNIDs(ctx, []string{f.nameAID})
	require.NoError(t, err)
	assert.Equal(t, nameANID[f.nameAID], nid, "anchored at name-a, the name should still read as 'a'")
}

func TestPresentEqualsHead(t *testing.T) {
	ctx := context.Background()
	f := buildFixture(t)
	res := NewStateResolution(f.db, nil)

	q, err := res.Open(ctx, "!room:test", f.nameBID)
	require.NoError(t, err)
	present, err := q.Present(ctx)
	require.NoError(t, err)
	assert.True(t, present, "anchor at the current head counts as present")
}

func TestHasAndExists(t *testing.T) {
	ctx := context.Background()
	f := buildFixture(t)
	res := NewStateResolution(f.db, nil)

	q, err := res.Open(ctx, "!room:test", "")
	require.NoError(t, err)

	exists, err := q.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	has, err := q.Has(ctx, "m.room.topic", "")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestExistsFalseWithoutCreate(t *testing.T) {
	ctx := context.Background()
	db := mustMakeDatabase(t)
	_, err := db.GetOrCreateRoomInfo(ctx, "!empty:test", testRoomVersion)
	require.NoError(t, err)
	res := NewStateResolution(db, nil)

	q, err := res.Open(ctx, "!empty:test", "")
	require.NoError(t, err)
	exists, err := q.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestForEachAndCount(t *testing.T) {
	ctx := context.Background()
	f := buildFixture(t)
	res := NewStateResolution(f.db, nil)

	q, err := res.Open(ctx, "!room:test", "")
	require.NoError(t, err)

	var seenTypes []string
	require.NoError(t, q.ForEach(ctx, "", func(eventType, stateKey string, nid types.EventNID) error {
		seenTypes = append(seenTypes, eventType)
		return nil
	}))
	assert.ElementsMatch(t, []string{"m.room.create", "m.room.member", "m.room.name"}, seenTypes)

	count, err := q.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestJoinedMembersPresentMode(t *testing.T) {
	ctx := context.Background()
	f := buildFixture(t)
	res := NewStateResolution(f.db, nil)

	q, err := res.Open(ctx, "!room:test", "")
	require.NoError(t, err)

	joined, err := q.JoinedMembers(ctx)
	require.NoError(t, err)
	assert.Contains(t, joined, "@alice:test")
}

func TestRistrettoCacheHit(t *testing.T) {
	ctx := context.Background()
	f := buildFixture(t)
	caches, err := caching.NewRistrettoCache()
	require.NoError(t, err)
	res := NewStateResolution(f.db, caches)

	q, err := res.Open(ctx, "!room:test", "")
	require.NoError(t, err)

	first, err := q.Get(ctx, "m.room.name", "")
	require.NoError(t, err)
	second, err := q.Get(ctx, "m.room.name", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
