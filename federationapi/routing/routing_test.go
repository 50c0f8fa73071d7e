package routing

import (
	"context"
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

	"github.com/Havelet/construct/internal/sqlutil"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/dag"
	"github.com/Havelet/construct/roomserver/input"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/roomserver/state"
	"github.com/Havelet/construct/roomserver/storage/sqlite3"
	"github.com/Havelet/construct/setup/config"
)

const testRoomVersion = gomatrixserverlib.RoomVersionV1

const testRoomID = "!r2:test"

func newTestRouter(t *testing.T) (*mux.Router, *input.Inputer) {
	t.Helper()
	sqlDB, err := sqlutil.Open("sqlite3", ":memory:", config.DatabaseOptions{})
	require.NoError(t, err)
	db, err := sqlite3.NewDatabase(sqlDB)
	require.NoError(t, err)

	resolver := state.NewStateResolution(db, nil)
	cfg := &config.RoomServer{}
	var defaults config.Construct
	defaults.Defaults(config.DefaultOpts{})
	*cfg = defaults.RoomServer
	cfg.Matrix = &defaults.Global

	inputer := input.New(db, dag.New(db), resolver, cfg)
	queryer := query.New(db, resolver)

	router := mux.NewRouter()
	Setup(router, queryer, cfg)
	return router, inputer
}

func ingest(t *testing.T, inputer *input.Inputer, eventID, evType string, stateKey *string, content, sender, prevEventID string, depth int64, authEventIDs []string, creation *api.CreationOptions) {
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
	headered := ev.Headered(testRoomVersion)
	resps := inputer.InputRoomEvents(context.Background(), &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Event:        &headered,
			Kind:         api.KindNew,
			AuthEventIDs: authEventIDs,
			Options:      api.InputRoomEventOptions{Creation: creation},
		}},
	})
	require.Len(t, resps, 1)
	require.NoError(t, resps[0].Err)
}

func strPtr(s string) *string { return &s }

// seedRoomWithMessages builds a room with a create, a join, and count
// message events at successive depths, returning the head event id.
func seedRoomWithMessages(t *testing.T, inputer *input.Inputer, count int) string {
	t.Helper()
	ingest(t, inputer, "$create:test", "m.room.create", strPtr(""), `{"creator":"@alice:test"}`, "@alice:test", "", 1, nil, &api.CreationOptions{RoomVersion: testRoomVersion})
	ingest(t, inputer, "$join:test", "m.room.member", strPtr("@alice:test"), `{"membership":"join"}`, "@alice:test", "$create:test", 2, []string{"$create:test"}, nil)
	prev := "$join:test"
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("$m%d:test", i)
		ingest(t, inputer, id, "m.room.message", nil, fmt.Sprintf(`{"body":"msg %d"}`, i), "@alice:test", prev, int64(2+i), []string{"$create:test", "$join:test"}, nil)
		prev = id
	}
	return prev
}

func get(router *mux.Router, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Matrix-Origin", "remote")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestBackfillIDsPagination(t *testing.T) {
	router, inputer := newTestRouter(t)
	head := seedRoomWithMessages(t, inputer, 30)

	rec := get(router, "/federation/v1/backfill_ids/"+url.PathEscape(testRoomID)+"?v="+url.QueryEscape(head)+"&limit=20")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		PDUIDs []string `json:"pdu_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.PDUIDs, 20)
	assert.Equal(t, head, resp.PDUIDs[0], "ids run newest-first from the anchor")
}

func TestBackfillIDsRejectsBadLimit(t *testing.T) {
	router, inputer := newTestRouter(t)
	seedRoomWithMessages(t, inputer, 1)

	rec := get(router, "/federation/v1/backfill_ids/"+url.PathEscape(testRoomID)+"?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackfillIDsUnknownRoom(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := get(router, "/federation/v1/backfill_ids/"+url.PathEscape("!missing:test"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventAuthChain(t *testing.T) {
	router, inputer := newTestRouter(t)
	head := seedRoomWithMessages(t, inputer, 1)

	rec := get(router, "/federation/v1/event_auth/"+url.PathEscape(testRoomID)+"/"+url.PathEscape(head))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		AuthChain []json.RawMessage `json:"auth_chain"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.AuthChain, 2, "auth chain of a message is the create and the sender's join")
}
