package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Havelet/construct/internal/sqlutil"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/dag"
	"github.com/Havelet/construct/roomserver/input"
	"github.com/Havelet/construct/roomserver/state"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/storage/sqlite3"
	"github.com/Havelet/construct/setup/config"
)

const testRoomVersion = gomatrixserverlib.RoomVersionV1
const testRoomID = "!room:test"

func buildTrusted(t *testing.T, eventID, evType string, stateKey *string, content, sender, prevEventID string, depth int64) *gomatrixserverlib.Event {
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
		"sender":%q,
		"type":%q,
		"state_key":%s,
		"content":%s,
		"prev_events":%s,
		"auth_events":[],
		"depth":%d,
		"origin_server_ts":1000000
	}`, eventID, testRoomID, sender, evType, stateKeyJSON, content, prevEvents, depth)

	ev, err := gomatrixserverlib.NewEventFromTrustedJSON([]byte(eventJSON), false, testRoomVersion)
	require.NoError(t, err)
	return &ev
}

func inputEvent(event *gomatrixserverlib.Event, authEventIDs []string, creation *api.CreationOptions) api.InputRoomEvent {
	headered := event.Headered(testRoomVersion)
	return api.InputRoomEvent{
		Event:        &headered,
		Kind:         api.KindNew,
		AuthEventIDs: authEventIDs,
		Options:      api.InputRoomEventOptions{Creation: creation},
	}
}

// setupRoom builds a store with a create+alice-join+bob-join+message
// sequence already committed via the real input pipeline, so the
// query layer is exercised against state the pipeline actually
// produced rather than hand-seeded rows.
func setupRoom(t *testing.T) (*Queryer, storage.Database) {
	t.Helper()
	sqlDB, err := sqlutil.Open("sqlite3", ":memory:", config.DatabaseOptions{})
	require.NoError(t, err)
	db, err := sqlite3.NewDatabase(sqlDB)
	require.NoError(t, err)
	idx := dag.New(db)
	res := state.NewStateResolution(db, nil)
	in := input.New(db, idx, res, &config.RoomServer{})

	ctx := context.Background()
	create := buildTrusted(t, "$create:test", "m.room.create", strPtr(""), `{"creator":"@alice:test"}`, "@alice:test", "", 1)
	resps := in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(create, nil, &api.CreationOptions{RoomVersion: testRoomVersion})},
	})
	require.NoError(t, resps[0].Err)

	aliceJoin := buildTrusted(t, "$alice-join:test", "m.room.member", strPtr("@alice:test"), `{"membership":"join"}`, "@alice:test", "$create:test", 2)
	resps = in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(aliceJoin, []string{"$create:test"}, nil)},
	})
	require.NoError(t, resps[0].Err)

	joinRules := buildTrusted(t, "$join-rules:test", "m.room.join_rules", strPtr(""), `{"join_rule":"public"}`, "@alice:test", "$alice-join:test", 3)
	resps = in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(joinRules, []string{"$create:test", "$alice-join:test"}, nil)},
	})
	require.NoError(t, resps[0].Err)

	bobJoin := buildTrusted(t, "$bob-join:test", "m.room.member", strPtr("@bob:test"), `{"membership":"join"}`, "@bob:test", "$join-rules:test", 4)
	resps = in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(bobJoin, []string{"$create:test", "$join-rules:test"}, nil)},
	})
	require.NoError(t, resps[0].Err)

	msg := buildTrusted(t, "$msg:test", "m.room.message", nil, `{"body":"hi"}`, "@alice:test", "$bob-join:test", 5)
	resps = in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(msg, []string{"$create:test", "$alice-join:test"}, nil)},
	})
	require.NoError(t, resps[0].Err)

	return New(db, res), db
}

func TestQueryLatestEventsAndState(t *testing.T) {
	q, _ := setupRoom(t)
	var res api.QueryLatestEventsAndStateResponse
	require.NoError(t, q.QueryLatestEventsAndState(context.Background(), &api.QueryLatestEventsAndStateRequest{RoomID: testRoomID}, &res))
	assert.True(t, res.RoomExists)
	assert.Equal(t, testRoomVersion, res.RoomVersion)
	assert.Contains(t, res.LatestEvents, "$msg:test")
	var sawCreate, sawAliceJoin, sawBobJoin bool
	for _, e := range res.StateEvents {
		switch e.EventID() {
		case "$create:test":
			sawCreate = true
		case "$alice-join:test":
			sawAliceJoin = true
		case "$bob-join:test":
			sawBobJoin = true
		}
	}
	assert.True(t, sawCreate)
	assert.True(t, sawAliceJoin)
	assert.True(t, sawBobJoin)
}

func TestQueryMembershipForUser(t *testing.T) {
	q, _ := setupRoom(t)
	var res api.QueryMembershipForUserResponse
	require.NoError(t, q.QueryMembershipForUser(context.Background(), &api.QueryMembershipForUserRequest{RoomID: testRoomID, UserID: "@bob:test"}, &res))
	assert.True(t, res.IsInRoom)
	assert.Equal(t, "join", res.Membership)
	assert.Equal(t, "$bob-join:test", res.EventID)

	var absent api.QueryMembershipForUserResponse
	require.NoError(t, q.QueryMembershipForUser(context.Background(), &api.QueryMembershipForUserRequest{RoomID: testRoomID, UserID: "@carol:test"}, &absent))
	assert.False(t, absent.IsInRoom)
}

func TestQueryRoomsForUser(t *testing.T) {
	q, _ := setupRoom(t)
	var res api.QueryRoomsForUserResponse
	require.NoError(t, q.QueryRoomsForUser(context.Background(), &api.QueryRoomsForUserRequest{UserID: "@bob:test", WantMembership: "join"}, &res))
	assert.Contains(t, res.RoomIDs, testRoomID)
}

func TestQueryBackfill(t *testing.T) {
	q, _ := setupRoom(t)
	var res api.QueryBackfillResponse
	require.NoError(t, q.QueryBackfill(context.Background(), &api.QueryBackfillRequest{RoomID: testRoomID, Limit: 10}, &res))
	assert.Contains(t, res.EventIDs, "$msg:test")
	assert.Contains(t, res.EventIDs, "$create:test")
}

func TestQueryEventAuth(t *testing.T) {
	q, _ := setupRoom(t)
	var res api.QueryEventAuthResponse
	require.NoError(t, q.QueryEventAuth(context.Background(), &api.QueryEventAuthRequest{RoomID: testRoomID, EventID: "$msg:test"}, &res))
	var sawCreate bool
	for _, e := range res.AuthChain {
		if e.EventID() == "$create:test" {
			sawCreate = true
		}
	}
	assert.True(t, sawCreate)
}

func strPtr(s string) *string { return &s }
