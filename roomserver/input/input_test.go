package input

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
	"github.com/Havelet/construct/roomserver/state"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/storage/sqlite3"
	"github.com/Havelet/construct/setup/config"
)

const testRoomVersion = gomatrixserverlib.RoomVersionV1

const testRoomID = "!room:test"

func mustMakeInputer(t *testing.T) (*Inputer, storage.Database) {
	t.Helper()
	sqlDB, err := sqlutil.Open("sqlite3", ":memory:", config.DatabaseOptions{})
	require.NoError(t, err)
	db, err := sqlite3.NewDatabase(sqlDB)
	require.NoError(t, err)
	idx := dag.New(db)
	res := state.NewStateResolution(db, nil)
	cfg := &config.RoomServer{}
	return New(db, idx, res, cfg), db
}

// buildTrusted constructs a trusted, signed-in-appearance event. depth
// is supplied explicitly since these events never pass through a real
// signing/depth-assignment path.
func buildTrusted(t *testing.T, eventID, evType string, stateKey *string, content, sender string, prevEventID string, depth int64, authEventIDs []string) *gomatrixserverlib.Event {
	t.Helper()
	prevEvents := "[]"
	if prevEventID != "" {
		prevEvents = fmt.Sprintf(`[["%s",{}]]`, prevEventID)
	}
	authJSON := "[]"
	if len(authEventIDs) > 0 {
		parts := make([]string, len(authEventIDs))
		for i, id := range authEventIDs {
			parts[i] = fmt.Sprintf(`["%s",{}]`, id)
		}
		authJSON = "[" + join(parts, ",") + "]"
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
		"auth_events":%s,
		"depth":%d,
		"origin_server_ts":1000000
	}`, eventID, testRoomID, sender, evType, stateKeyJSON, content, prevEvents, authJSON, depth)

	ev, err := gomatrixserverlib.NewEventFromTrustedJSON([]byte(eventJSON), false, testRoomVersion)
	require.NoError(t, err)
	return &ev
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

func inputEvent(event *gomatrixserverlib.Event, kind api.Kind, authEventIDs []string, creation *api.CreationOptions) api.InputRoomEvent {
	headered := event.Headered(testRoomVersion)
	return api.InputRoomEvent{
		Event:        &headered,
		Kind:         kind,
		AuthEventIDs: authEventIDs,
		Options: api.InputRoomEventOptions{
			Creation: creation,
		},
	}
}

func TestInputRoomEventsCreateJoinMessage(t *testing.T) {
	ctx := context.Background()
	in, _ := mustMakeInputer(t)

	var captured []api.OutputEvent
	in.OnOutput = func(_ context.Context, roomID string, events []api.OutputEvent) error {
		assert.Equal(t, testRoomID, roomID)
		captured = append(captured, events...)
		return nil
	}

	create := buildTrusted(t, "$create:test", "m.room.create", strPtr(""), `{"creator":"@alice:test"}`, "@alice:test", "", 1, nil)
	resps := in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{
			inputEvent(create, api.KindNew, nil, &api.CreationOptions{RoomVersion: testRoomVersion}),
		},
	})
	require.Len(t, resps, 1)
	require.NoError(t, resps[0].Err)

	aliceJoin := buildTrusted(t, "$alice-join:test", "m.room.member", strPtr("@alice:test"), `{"membership":"join"}`, "@alice:test", "$create:test", 2, []string{"$create:test"})
	resps = in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{
			inputEvent(aliceJoin, api.KindNew, []string{"$create:test"}, nil),
		},
	})
	require.Len(t, resps, 1)
	require.NoError(t, resps[0].Err)

	msg := buildTrusted(t, "$msg:test", "m.room.message", nil, `{"body":"hi"}`, "@alice:test", "$alice-join:test", 3, []string{"$create:test", "$alice-join:test"})
	resps = in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{
			inputEvent(msg, api.KindNew, []string{"$create:test", "$alice-join:test"}, nil),
		},
	})
	require.Len(t, resps, 1)
	require.NoError(t, resps[0].Err)

	require.NotEmpty(t, captured)
	var sawMessage bool
	for _, out := range captured {
		if out.Type == api.OutputTypeNewRoomEvent && out.NewRoomEvent.Event.EventID() == "$msg:test" {
			sawMessage = true
		}
	}
	assert.True(t, sawMessage, "message commit should have produced a new_room_event output")
}

func TestInputRoomEventsRejectsMalformedSender(t *testing.T) {
	ctx := context.Background()
	in, _ := mustMakeInputer(t)

	bad := buildTrusted(t, "$bad:test", "m.room.message", nil, `{"body":"hi"}`, "alice-no-colon", "", 1, nil)
	resps := in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(bad, api.KindNew, nil, nil)},
	})
	require.Len(t, resps, 1)
	require.Error(t, resps[0].Err)
}

func TestInputRoomEventsRejectsSecondCreate(t *testing.T) {
	ctx := context.Background()
	in, _ := mustMakeInputer(t)

	first := buildTrusted(t, "$create:test", "m.room.create", strPtr(""), `{"creator":"@alice:test"}`, "@alice:test", "", 1, nil)
	resps := in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(first, api.KindNew, nil, &api.CreationOptions{RoomVersion: testRoomVersion})},
	})
	require.NoError(t, resps[0].Err)

	second := buildTrusted(t, "$create2:test", "m.room.create", strPtr(""), `{"creator":"@bob:test"}`, "@bob:test", "$create:test", 2, nil)
	resps = in.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(second, api.KindNew, nil, nil)},
	})
	require.Error(t, resps[0].Err, "a second m.room.create in a non-empty room must be rejected")
}

func TestInputRoomEventsIdempotentReingest(t *testing.T) {
	ctx := context.Background()
	in, _ := mustMakeInputer(t)

	create := buildTrusted(t, "$create:test", "m.room.create", strPtr(""), `{"creator":"@alice:test"}`, "@alice:test", "", 1, nil)
	req := &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{inputEvent(create, api.KindNew, nil, &api.CreationOptions{RoomVersion: testRoomVersion})},
	}
	resps := in.InputRoomEvents(ctx, req)
	require.NoError(t, resps[0].Err)

	resps = in.InputRoomEvents(ctx, req)
	require.NoError(t, resps[0].Err, "re-ingesting the same event id is a no-op, not an error")
	assert.Equal(t, "$create:test", resps[0].EventID)
}

func strPtr(s string) *string { return &s }
