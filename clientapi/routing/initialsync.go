package routing

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/Havelet/construct/clientapi/jsonerror"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/types"
	"github.com/Havelet/construct/setup/config"
)

type messageChunk struct {
	Start string            `json:"start"`
	End   string            `json:"end"`
	Chunk []json.RawMessage `json:"chunk"`
}

type initialSyncResponse struct {
	RoomID      string            `json:"room_id"`
	Membership  string            `json:"membership"`
	Visibility  string            `json:"visibility"`
	AccountData []json.RawMessage `json:"account_data"`
	State       []json.RawMessage `json:"state"`
	Messages    messageChunk      `json:"messages"`
}

// InitialSync implements GET /rooms/{roomID}/initialSync: the caller's
// membership, the room's visibility, the full present state, and the
// last few message events.
func InitialSync(req *http.Request, cfg *config.Construct, queryAPI *query.Queryer, db storage.Database, roomID, userID string) util.JSONResponse {
	ctx := req.Context()
	if userID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: jsonerror.MissingArgument("user_id")}
	}

	info, err := db.RoomInfo(ctx, roomID)
	if storage.IsNotFound(err) {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound("unknown room")}
	}
	if err != nil {
		return serverError(req, err, "RoomInfo failed")
	}

	membership, visibility, errResp := callerAccess(req, queryAPI, db, info, roomID, userID)
	if errResp != nil {
		return *errResp
	}

	resp := initialSyncResponse{
		RoomID:      roomID,
		Membership:  membership,
		Visibility:  visibility,
		AccountData: []json.RawMessage{},
		State:       []json.RawMessage{},
	}

	var stateRes api.QueryLatestEventsAndStateResponse
	if err := queryAPI.QueryLatestEventsAndState(ctx, &api.QueryLatestEventsAndStateRequest{RoomID: roomID}, &stateRes); err != nil {
		return serverError(req, err, "QueryLatestEventsAndState failed")
	}
	for i := range stateRes.StateEvents {
		ev := stateRes.StateEvents[i].Unwrap()
		raw, errResp := serveEventJSON(req, db, ev.EventID(), ev.Sender(), ev.JSON(), userID)
		if errResp != nil {
			return *errResp
		}
		if raw != nil {
			resp.State = append(resp.State, raw)
		}
	}

	backfill := cfg.RoomServer.InitialSyncBackfill
	if backfill <= 0 {
		backfill = 20
	}
	chunk, start, end, errResp := recentMessages(req, db, info.RoomNID, backfill, userID)
	if errResp != nil {
		return *errResp
	}
	resp.Messages = messageChunk{Start: start, End: end, Chunk: chunk}

	return util.JSONResponse{Code: http.StatusOK, JSON: resp}
}

// recentMessages collects the last limit message events in depth
// order, skipping redacted events the caller may no longer see.
func recentMessages(req *http.Request, db storage.Database, roomNID types.RoomNID, limit int, userID string) ([]json.RawMessage, string, string, *util.JSONResponse) {
	ctx := req.Context()
	nids, err := db.RoomEventsByDepth(ctx, roomNID, math.MaxInt64, limit*2)
	if err != nil {
		resp := serverError(req, err, "RoomEventsByDepth failed")
		return nil, "", "", &resp
	}
	idMap, err := db.EventIDsFromNIDs(ctx, nids)
	if err != nil {
		resp := serverError(req, err, "EventIDsFromNIDs failed")
		return nil, "", "", &resp
	}
	ids := make([]string, 0, len(nids))
	for _, nid := range nids {
		if id, ok := idMap[nid]; ok {
			ids = append(ids, id)
		}
	}
	events, err := db.EventsFromIDs(ctx, ids)
	if err != nil {
		resp := serverError(req, err, "EventsFromIDs failed")
		return nil, "", "", &resp
	}

	chunk := []json.RawMessage{}
	var lowDepth, highDepth int64
	// events arrive newest-first: take the newest limit messages, then
	// reverse the chunk so it reads oldest-first.
	for i := 0; i < len(events) && len(chunk) < limit; i++ {
		ev := events[i]
		if ev.StateKey() != nil {
			continue
		}
		raw, errResp := serveEventJSON(req, db, ev.EventID(), ev.Sender(), ev.JSON(), userID)
		if errResp != nil {
			return nil, "", "", errResp
		}
		if raw == nil {
			continue
		}
		if lowDepth == 0 || ev.Depth() < lowDepth {
			lowDepth = ev.Depth()
		}
		if ev.Depth() > highDepth {
			highDepth = ev.Depth()
		}
		chunk = append(chunk, raw)
	}
	for l, r := 0, len(chunk)-1; l < r; l, r = l+1, r-1 {
		chunk[l], chunk[r] = chunk[r], chunk[l]
	}
	return chunk, fmt.Sprintf("t%d", lowDepth), fmt.Sprintf("t%d", highDepth), nil
}

// serveEventJSON returns the JSON to serve for one event, or nil to
// omit it: a redacted event is omitted for everyone but its own
// sender.
func serveEventJSON(req *http.Request, db storage.Database, eventID, sender string, eventJSON []byte, userID string) (json.RawMessage, *util.JSONResponse) {
	_, redacted, err := db.RedactionInfo(req.Context(), eventID)
	if err != nil && !storage.IsNotFound(err) {
		resp := serverError(req, err, "RedactionInfo failed")
		return nil, &resp
	}
	if redacted && sender != userID {
		return nil, nil
	}
	return json.RawMessage(eventJSON), nil
}

func serverError(req *http.Request, err error, msg string) util.JSONResponse {
	util.GetLogger(req.Context()).WithError(err).Error(msg)
	return jsonerror.InternalServerError()
}
