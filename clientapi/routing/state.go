package routing

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	"github.com/Havelet/construct/clientapi/jsonerror"
	"github.com/Havelet/construct/internal/eventutil"
	"github.com/Havelet/construct/internal/httputil"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/auth"
	"github.com/Havelet/construct/roomserver/input"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/types"
	"github.com/Havelet/construct/setup/config"
)

// callerAccess resolves the caller's membership and the room's history
// visibility, and rejects callers who may not read the room: members
// (joined or invited) always may, everyone else only if the room is
// world-readable.
func callerAccess(req *http.Request, queryAPI *query.Queryer, db storage.Database, info *types.RoomInfo, roomID, userID string) (membership, visibility string, errResp *util.JSONResponse) {
	var memberRes api.QueryMembershipForUserResponse
	if err := queryAPI.QueryMembershipForUser(req.Context(), &api.QueryMembershipForUserRequest{
		RoomID: roomID,
		UserID: userID,
	}, &memberRes); err != nil {
		resp := serverError(req, err, "QueryMembershipForUser failed")
		return "", "", &resp
	}
	membership = memberRes.Membership
	if membership == "" {
		membership = "leave"
	}

	visibility = presentHistoryVisibility(req, db, info.RoomNID)
	switch {
	case memberRes.Membership == "join", memberRes.Membership == "invite":
	case visibility == "world_readable":
	default:
		return "", "", &util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("You aren't a member of the room and weren't previously a member of the room."),
		}
	}
	return membership, visibility, nil
}

func presentHistoryVisibility(req *http.Request, db storage.Database, roomNID types.RoomNID) string {
	ctx := req.Context()
	nid, err := db.CurrentStateEvent(ctx, roomNID, "m.room.history_visibility", "")
	if err != nil {
		return "shared"
	}
	idMap, err := db.EventIDsFromNIDs(ctx, []types.EventNID{nid})
	if err != nil {
		return "shared"
	}
	events, err := db.EventsFromIDs(ctx, []string{idMap[nid]})
	if err != nil || len(events) != 1 {
		return "shared"
	}
	var c struct {
		Visibility string `json:"history_visibility"`
	}
	if err := json.Unmarshal(events[0].Content(), &c); err != nil || c.Visibility == "" {
		return "shared"
	}
	return c.Visibility
}

// OnIncomingStateRequest implements GET /rooms/{roomID}/state: the
// full present state as an array of events. Redacted state events are
// served in stripped form.
func OnIncomingStateRequest(req *http.Request, queryAPI *query.Queryer, db storage.Database, roomID, userID string) util.JSONResponse {
	info, err := db.RoomInfo(req.Context(), roomID)
	if storage.IsNotFound(err) {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound("unknown room")}
	}
	if err != nil {
		return serverError(req, err, "RoomInfo failed")
	}
	if _, _, errResp := callerAccess(req, queryAPI, db, info, roomID, userID); errResp != nil {
		return *errResp
	}

	var stateRes api.QueryLatestEventsAndStateResponse
	if err := queryAPI.QueryLatestEventsAndState(req.Context(), &api.QueryLatestEventsAndStateRequest{RoomID: roomID}, &stateRes); err != nil {
		return serverError(req, err, "QueryLatestEventsAndState failed")
	}

	out := []json.RawMessage{}
	for i := range stateRes.StateEvents {
		ev := stateRes.StateEvents[i].Unwrap()
		raw, errResp := stateEventJSON(req, db, &ev)
		if errResp != nil {
			return *errResp
		}
		out = append(out, raw)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: out}
}

// OnIncomingStateTypeRequest implements GET
// /rooms/{roomID}/state/{type}[/{stateKey}]: the content of the single
// present state event, or 404.
func OnIncomingStateTypeRequest(req *http.Request, queryAPI *query.Queryer, db storage.Database, roomID, evType, stateKey, userID string) util.JSONResponse {
	ctx := req.Context()
	info, err := db.RoomInfo(ctx, roomID)
	if storage.IsNotFound(err) {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound("unknown room")}
	}
	if err != nil {
		return serverError(req, err, "RoomInfo failed")
	}
	if _, _, errResp := callerAccess(req, queryAPI, db, info, roomID, userID); errResp != nil {
		return *errResp
	}

	nid, err := db.CurrentStateEvent(ctx, info.RoomNID, evType, stateKey)
	if storage.IsNotFound(err) {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound("cannot find state")}
	}
	if err != nil {
		return serverError(req, err, "CurrentStateEvent failed")
	}
	idMap, err := db.EventIDsFromNIDs(ctx, []types.EventNID{nid})
	if err != nil {
		return serverError(req, err, "EventIDsFromNIDs failed")
	}
	events, err := db.EventsFromIDs(ctx, []string{idMap[nid]})
	if err != nil || len(events) != 1 {
		return serverError(req, err, "EventsFromIDs failed")
	}

	raw, errResp := stateEventJSON(req, db, events[0])
	if errResp != nil {
		return *errResp
	}
	content := gjson.GetBytes(raw, "content")
	if !content.Exists() {
		return util.JSONResponse{Code: http.StatusOK, JSON: json.RawMessage(`{}`)}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: json.RawMessage(content.Raw)}
}

// stateEventJSON returns the event's wire JSON, stripped down to the
// redaction skeleton when the event has been redacted.
func stateEventJSON(req *http.Request, db storage.Database, event *gomatrixserverlib.Event) (json.RawMessage, *util.JSONResponse) {
	_, redacted, err := db.RedactionInfo(req.Context(), event.EventID())
	if err != nil && !storage.IsNotFound(err) {
		resp := serverError(req, err, "RedactionInfo failed")
		return nil, &resp
	}
	if !redacted {
		return json.RawMessage(event.JSON()), nil
	}
	stripped, err := auth.RedactedJSON(event.JSON())
	if err != nil {
		resp := serverError(req, err, "RedactedJSON failed")
		return nil, &resp
	}
	return json.RawMessage(stripped), nil
}

// SendStateEvent implements PUT /rooms/{roomID}/state/{type}[/{stateKey}]:
// builds, authorizes and commits a locally-authored state event,
// returning its event id.
func SendStateEvent(req *http.Request, cfg *config.Construct, queryAPI *query.Queryer, inputAPI *input.Inputer, roomID, evType, stateKey, userID string) util.JSONResponse {
	if userID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: jsonerror.MissingArgument("user_id")}
	}
	var content json.RawMessage
	if errResp := httputil.UnmarshalJSONRequest(req, &content); errResp != nil {
		return *errResp
	}

	builder := gomatrixserverlib.EventBuilder{
		Sender:   userID,
		RoomID:   roomID,
		Type:     evType,
		StateKey: &stateKey,
	}
	if err := builder.SetContent(content); err != nil {
		return serverError(req, err, "SetContent failed")
	}

	event, err := eventutil.QueryAndBuildEvent(req.Context(), &builder, cfg, time.Now(), queryAPI)
	if err == eventutil.ErrRoomNoExists {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound("unknown room")}
	}
	if err != nil {
		return serverError(req, err, "QueryAndBuildEvent failed")
	}

	resps := inputAPI.InputRoomEvents(req.Context(), &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Event:        event,
			Kind:         api.KindNew,
			AuthEventIDs: event.Unwrap().AuthEventIDs(),
			SendAsServer: cfg.Global.ServerName,
			Options:      api.InputRoomEventOptions{InfologAccept: true},
		}},
	})
	if len(resps) == 1 && resps[0].Err != nil {
		return httputil.ErrorResponse(req.Context(), resps[0].Err)
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct {
			EventID string `json:"event_id"`
		}{event.EventID()},
	}
}
