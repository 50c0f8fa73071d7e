package routing

import (
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/util"

	"github.com/Havelet/construct/clientapi/jsonerror"
	"github.com/Havelet/construct/internal/eventutil"
	"github.com/Havelet/construct/internal/httputil"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/perform"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/setup/config"
)

// SendInvite implements POST /rooms/{roomID}/invite: the caller
// proposes inviting body.UserID, which commits an m.room.member invite
// state event through the usual pipeline.
func SendInvite(req *http.Request, cfg *config.Construct, queryAPI *query.Queryer, performer *perform.Performer, roomID, userID string) util.JSONResponse {
	if userID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: jsonerror.MissingArgument("user_id")}
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if errResp := httputil.UnmarshalJSONRequest(req, &body); errResp != nil {
		return *errResp
	}
	if body.UserID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: jsonerror.MissingArgument("missing user_id")}
	}

	builder := gomatrixserverlib.EventBuilder{
		Sender:   userID,
		RoomID:   roomID,
		Type:     "m.room.member",
		StateKey: &body.UserID,
	}
	if err := builder.SetContent(map[string]interface{}{"membership": "invite"}); err != nil {
		return serverError(req, err, "SetContent failed")
	}

	event, err := eventutil.QueryAndBuildEvent(req.Context(), &builder, cfg, time.Now(), queryAPI)
	if err == eventutil.ErrRoomNoExists {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound("unknown room")}
	}
	if err != nil {
		return serverError(req, err, "QueryAndBuildEvent failed")
	}

	var res api.PerformInviteResponse
	if err := performer.PerformInvite(req.Context(), &api.PerformInviteRequest{
		Event:        event,
		SendAsServer: cfg.Global.ServerName,
	}, &res); err != nil {
		return serverError(req, err, "PerformInvite failed")
	}
	if res.Error != nil {
		return httputil.ErrorResponse(req.Context(), res.Error)
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
