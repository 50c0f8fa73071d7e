package routing

import (
	"net/http"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/util"

	"github.com/Havelet/construct/clientapi/jsonerror"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/roomserver/storage"
)

// EventAuth implements GET /event_auth/{roomID}/{eventID}: the
// transitive closure of the event's auth_events. The usual visibility
// rule applies, with one narrow exception — the server of an invitee
// may fetch the auth chain of its own user's invite even before it has
// any joined member in the room.
func EventAuth(req *http.Request, queryAPI *query.Queryer, origin gomatrixserverlib.ServerName, roomID, eventID string) util.JSONResponse {
	if roomID == "" || eventID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: jsonerror.MissingArgument("room ID and event ID")}
	}

	info, err := queryAPI.DB.RoomInfo(req.Context(), roomID)
	if storage.IsNotFound(err) {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound("unknown room")}
	}
	if err != nil {
		return httpError(req, err, "RoomInfo failed")
	}

	if resp := checkServerAccess(req, queryAPI, info, origin); resp != nil {
		if !inviteeException(req, queryAPI, origin, eventID) {
			return *resp
		}
	}

	var res api.QueryEventAuthResponse
	if err := queryAPI.QueryEventAuth(req.Context(), &api.QueryEventAuthRequest{
		RoomID:  roomID,
		EventID: eventID,
	}, &res); err != nil {
		return httpError(req, err, "QueryEventAuth failed")
	}
	if res.AuthChain == nil {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound("unknown event")}
	}

	authEvents := make([]gomatrixserverlib.Event, 0, len(res.AuthChain))
	for _, h := range res.AuthChain {
		authEvents = append(authEvents, h.Unwrap())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: gomatrixserverlib.RespEventAuth{AuthEvents: authEvents}}
}

// inviteeException reports whether eventID is an m.room.member invite
// whose target lives on origin, which may then see the auth chain
// despite failing the room's usual visibility check.
func inviteeException(req *http.Request, queryAPI *query.Queryer, origin gomatrixserverlib.ServerName, eventID string) bool {
	events, err := queryAPI.DB.EventsFromIDs(req.Context(), []string{eventID})
	if err != nil || len(events) != 1 {
		return false
	}
	event := events[0]
	if event.Type() != "m.room.member" || event.StateKey() == nil {
		return false
	}
	idx := strings.IndexByte(*event.StateKey(), ':')
	if idx < 0 || gomatrixserverlib.ServerName((*event.StateKey())[idx+1:]) != origin {
		return false
	}
	return strings.Contains(string(event.Content()), `"invite"`)
}
