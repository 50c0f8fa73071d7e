package routing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/Havelet/construct/internal/sqlutil"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/dag"
	"github.com/Havelet/construct/roomserver/input"
	"github.com/Havelet/construct/roomserver/perform"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/roomserver/state"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/storage/sqlite3"
	"github.com/Havelet/construct/setup/config"
)

const testRoomVersion = gomatrixserverlib.RoomVersionV1

const testRoomID = "!room:test"

type testServer struct {
	router  *mux.Router
	db      storage.Database
	inputer *input.Inputer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	var cfg config.Construct
	cfg.Defaults(config.DefaultOpts{Generate: true, SingleDatabase: true})
	cfg.Global.ServerName = "test"
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg.Global.KeyID = "ed25519:u1"
	cfg.Global.PrivateKey = priv

	sqlDB, err := sqlutil.Open("sqlite3", ":memory:", config.DatabaseOptions{})
	require.NoError(t, err)
	db, err := sqlite3.NewDatabase(sqlDB)
	require.NoError(t, err)

	resolver := state.NewStateResolution(db, nil)
	inputer := input.New(db, dag.New(db), resolver, &cfg.RoomServer)
	queryer := query.New(db, resolver)
	performer := perform.New(db, inputer, nil)

	router := mux.NewRouter()
	Setup(router, &cfg, queryer, inputer, performer, db)
	return &testServer{router: router, db: db, inputer: inputer}
}

func (s *testServer) seedRoom(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	create := buildTrusted(t, "$create:test", "m.room.create", strPtr(""), `{"creator":"@alice:test"}`, "@alice:test", "", 1, nil)
	aliceJoin := buildTrusted(t, "$alice-join:test", "m.room.member", strPtr("@alice:test"), `{"membership":"join"}`, "@alice:test", "$create:test", 2, []string{"$create:test"})
	joinRules := buildTrusted(t, "$join-rules:test", "m.room.join_rules", strPtr(""), `{"join_rule":"public"}`, "@alice:test", "$alice-join:test", 3, []string{"$create:test", "$alice-join:test"})
	msg := buildTrusted(t, "$msg:test", "m.room.message", nil, `{"body":"hi"}`, "@alice:test", "$join-rules:test", 4, []string{"$create:test", "$alice-join:test"})

	for _, seed := range []struct {
		event    *gomatrixserverlib.Event
		authIDs  []string
		creation *api.CreationOptions
	}{
		{create, nil, &api.CreationOptions{RoomVersion: testRoomVersion}},
		{aliceJoin, []string{"$create:test"}, nil},
		{joinRules, []string{"$create:test", "$alice-join:test"}, nil},
		{msg, []string{"$create:test", "$alice-join:test"}, nil},
	} {
		headered := seed.event.Headered(testRoomVersion)
		resps := s.inputer.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
			InputRoomEvents: []api.InputRoomEvent{{
				Event:        &headered,
				Kind:         api.KindNew,
				AuthEventIDs: seed.authIDs,
				Options:      api.InputRoomEventOptions{Creation: seed.creation},
			}},
		})
		require.Len(t, resps, 1)
		require.NoError(t, resps[0].Err)
	}
}

func buildTrusted(t *testing.T, eventID, evType string, stateKey *string, content, sender, prevEventID string, depth int64, authEventIDs []string) *gomatrixserverlib.Event {
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
		authJSON = "[" + strings.Join(parts, ",") + "]"
	}
	stateKeyJSON := "null"
	if stateKey != nil {
		stateKeyJSON = fmt.Sprintf("%q", *stateKey)
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

func strPtr(s string) *string { return &s }

func (s *testServer) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	target := path + "?user_id=" + url.QueryEscape(userID)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func roomPath(suffix string) string {
	return "/client/r0/rooms/" + url.PathEscape(testRoomID) + suffix
}

func TestInitialSync(t *testing.T) {
	s := newTestServer(t)
	s.seedRoom(t)

	rec := s.do(t, http.MethodGet, roomPath("/initialSync"), "@alice:test", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		RoomID     string            `json:"room_id"`
		Membership string            `json:"membership"`
		Visibility string            `json:"visibility"`
		State      []json.RawMessage `json:"state"`
		Messages   struct {
			Chunk []json.RawMessage `json:"chunk"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testRoomID, resp.RoomID)
	assert.Equal(t, "join", resp.Membership)
	assert.Equal(t, "shared", resp.Visibility)
	assert.GreaterOrEqual(t, len(resp.State), 2)
	require.Len(t, resp.Messages.Chunk, 1)
	assert.Contains(t, string(resp.Messages.Chunk[0]), `"body":"hi"`)
}

func TestInitialSyncUnknownRoom(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/client/r0/rooms/"+url.PathEscape("!nope:test")+"/initialSync", "@alice:test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStateDeniedForNonMember(t *testing.T) {
	s := newTestServer(t)
	s.seedRoom(t)

	rec := s.do(t, http.MethodGet, roomPath("/state"), "@mallory:elsewhere", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendAndGetStateEvent(t *testing.T) {
	s := newTestServer(t)
	s.seedRoom(t)

	rec := s.do(t, http.MethodPut, roomPath("/state/m.room.name"), "@alice:test", `{"name":"the room"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sendResp struct {
		EventID string `json:"event_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sendResp))
	assert.NotEmpty(t, sendResp.EventID)

	rec = s.do(t, http.MethodGet, roomPath("/state/m.room.name"), "@alice:test", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"name":"the room"}`, rec.Body.String())
}

func TestGetStateMissingEventIs404(t *testing.T) {
	s := newTestServer(t)
	s.seedRoom(t)

	rec := s.do(t, http.MethodGet, roomPath("/state/m.room.topic"), "@alice:test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendStateDeniedWithoutPower(t *testing.T) {
	s := newTestServer(t)
	s.seedRoom(t)
	ctx := context.Background()

	info, err := s.db.RoomInfo(ctx, testRoomID)
	require.NoError(t, err)
	headsBefore, err := s.db.Heads(ctx, info.RoomNID)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPut, roomPath("/state/m.room.topic"), "@carol:test", `{"topic":"nope"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	// Denied sends leave no trace: same head set, nothing committed.
	headsAfter, err := s.db.Heads(ctx, info.RoomNID)
	require.NoError(t, err)
	assert.Equal(t, headsBefore, headsAfter)
}

func TestRedactionHidesMessageFromOtherUsers(t *testing.T) {
	s := newTestServer(t)
	s.seedRoom(t)
	ctx := context.Background()

	daveJoin := buildTrusted(t, "$dave-join:test", "m.room.member", strPtr("@dave:test"), `{"membership":"join"}`, "@dave:test", "$msg:test", 5, []string{"$create:test", "$join-rules:test"})
	headered := daveJoin.Headered(testRoomVersion)
	resps := s.inputer.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Event:        &headered,
			Kind:         api.KindNew,
			AuthEventIDs: []string{"$create:test", "$join-rules:test"},
		}},
	})
	require.NoError(t, resps[0].Err)

	redactionJSON := fmt.Sprintf(`{
		"event_id":"$redact:test",
		"room_id":%q,
		"sender":"@alice:test",
		"type":"m.room.redaction",
		"redacts":"$msg:test",
		"content":{"reason":"spam"},
		"prev_events":[["$dave-join:test",{}]],
		"auth_events":[["$create:test",{}],["$alice-join:test",{}]],
		"depth":6,
		"origin_server_ts":1000001
	}`, testRoomID)
	redaction, err := gomatrixserverlib.NewEventFromTrustedJSON([]byte(redactionJSON), false, testRoomVersion)
	require.NoError(t, err)
	redactionHeadered := redaction.Headered(testRoomVersion)
	resps = s.inputer.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Event:        &redactionHeadered,
			Kind:         api.KindNew,
			AuthEventIDs: []string{"$create:test", "$alice-join:test"},
		}},
	})
	require.NoError(t, resps[0].Err)

	// Another member no longer sees the redacted message.
	rec := s.do(t, http.MethodGet, roomPath("/initialSync"), "@dave:test", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), `"body":"hi"`)

	// The redacted event's own sender still does.
	rec = s.do(t, http.MethodGet, roomPath("/initialSync"), "@alice:test", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"body":"hi"`)
}

func TestInvite(t *testing.T) {
	s := newTestServer(t)
	s.seedRoom(t)

	rec := s.do(t, http.MethodPost, roomPath("/invite"), "@alice:test", `{"user_id":"@bob:elsewhere"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, roomPath("/state/m.room.member/"+url.PathEscape("@bob:elsewhere")), "@alice:test", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"membership":"invite"`)
}
