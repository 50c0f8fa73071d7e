package perform

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
const localServerName = gomatrixserverlib.ServerName("test")

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

func setupPerformer(t *testing.T) (*Performer, storage.Database, *input.Inputer) {
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

	return New(db, in, nil), db, in
}

func strPtr(s string) *string { return &s }

func TestPerformInviteRejectsNilEvent(t *testing.T) {
	p, _, _ := setupPerformer(t)
	var res api.PerformInviteResponse
	require.NoError(t, p.PerformInvite(context.Background(), &api.PerformInviteRequest{}, &res))
	assert.Error(t, res.Error)
}

func TestPerformInviteCommitsEvent(t *testing.T) {
	p, db, _ := setupPerformer(t)
	invite := buildTrusted(t, "$bob-invite:test", "m.room.member", strPtr("@bob:test"), `{"membership":"invite"}`, "@alice:test", "$alice-join:test", 3)
	headered := invite.Headered(testRoomVersion)
	var res api.PerformInviteResponse
	require.NoError(t, p.PerformInvite(context.Background(), &api.PerformInviteRequest{Event: &headered}, &res))
	assert.NoError(t, res.Error)

	events, err := db.EventsFromIDs(context.Background(), []string{"$bob-invite:test"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPerformBackfillLocally(t *testing.T) {
	p, _, in := setupPerformer(t)
	ctx := context.Background()
	msg := buildTrusted(t, "$msg:test", "m.room.message", nil, `{"body":"hi"}`, "@alice:test", "$alice-join:test", 3)
	resps := in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(msg, []string{"$create:test"}, nil)},
	})
	require.NoError(t, resps[0].Err)

	var res api.PerformBackfillResponse
	req := &api.PerformBackfillRequest{
		RoomID:               testRoomID,
		BackwardsExtremities: []string{"$msg:test"},
		Limit:                10,
		ServerName:           gomatrixserverlib.ServerName("remote"),
	}
	require.NoError(t, p.PerformBackfill(ctx, localServerName, req, &res))

	var sawCreate bool
	for _, e := range res.Events {
		if e.EventID() == "$create:test" {
			sawCreate = true
		}
	}
	assert.True(t, sawCreate)
	assert.Equal(t, "shared", res.HistoryVisibility)
}

type fakeFetcher struct {
	events []*gomatrixserverlib.Event
}

func (f *fakeFetcher) Backfill(ctx context.Context, server gomatrixserverlib.ServerName, roomID string, limit int, fromEventIDs []string) ([]*gomatrixserverlib.Event, error) {
	return f.events, nil
}

func TestPerformBackfillViaFederation(t *testing.T) {
	p, _, in := setupPerformer(t)
	_ = in
	fetched := buildTrusted(t, "$remote-msg:test", "m.room.message", nil, `{"body":"from elsewhere"}`, "@alice:test", "$alice-join:test", 3)
	p.Fetcher = &fakeFetcher{events: []*gomatrixserverlib.Event{fetched}}

	var res api.PerformBackfillResponse
	req := &api.PerformBackfillRequest{
		RoomID:               testRoomID,
		BackwardsExtremities: []string{"$alice-join:test"},
		Limit:                10,
		ServerName:           localServerName,
	}
	require.NoError(t, p.PerformBackfill(context.Background(), localServerName, req, &res))
	require.Len(t, res.Events, 1)
	assert.Equal(t, "$remote-msg:test", res.Events[0].EventID())
}

func TestPerformBackfillUnknownRoom(t *testing.T) {
	p, _, _ := setupPerformer(t)
	var res api.PerformBackfillResponse
	req := &api.PerformBackfillRequest{RoomID: "!nope:test", ServerName: gomatrixserverlib.ServerName("remote")}
	err := p.PerformBackfill(context.Background(), localServerName, req, &res)
	assert.Error(t, err)
}
