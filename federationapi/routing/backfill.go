package routing

import (
	"net/http"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/util"

	"github.com/Havelet/construct/clientapi/jsonerror"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/setup/config"
)

// backfillIDsResponse is the body of GET /backfill_ids/{roomID}: event
// ids only, in reverse-chronological order ending at v. The caller
// fetches bodies it is missing separately.
type backfillIDsResponse struct {
	PDUIDs []string `json:"pdu_ids"`
}

// BackfillIDs implements GET /backfill_ids/{roomID}?v={eventID}&limit={N}.
// origin is the requesting server as authenticated by the federation
// transport in front of this handler.
func BackfillIDs(req *http.Request, queryAPI *query.Queryer, cfg *config.RoomServer, origin gomatrixserverlib.ServerName, roomID string) util.JSONResponse {
	if roomID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: jsonerror.MissingArgument("room ID")}
	}

	q := req.URL.Query()
	limit := cfg.BackfillIDsLimitDefault
	if limit <= 0 {
		limit = 64
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return util.JSONResponse{Code: http.StatusBadRequest, JSON: jsonerror.InvalidArgumentValue("limit must be a positive integer")}
		}
		limit = n
	}
	max := cfg.BackfillIDsLimitMax
	if max <= 0 {
		max = 131072
	}
	if limit > max {
		limit = max
	}
	anchor := q.Get("v")

	info, err := queryAPI.DB.RoomInfo(req.Context(), roomID)
	if storage.IsNotFound(err) {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound("unknown room")}
	}
	if err != nil {
		return httpError(req, err, "RoomInfo failed")
	}

	if resp := checkServerAccess(req, queryAPI, info, origin); resp != nil {
		return *resp
	}

	var res api.QueryBackfillResponse
	if err := queryAPI.QueryBackfill(req.Context(), &api.QueryBackfillRequest{
		RoomID:        roomID,
		AnchorEventID: anchor,
		Limit:         limit,
	}, &res); err != nil {
		return httpError(req, err, "QueryBackfill failed")
	}

	if res.EventIDs == nil {
		res.EventIDs = []string{}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: backfillIDsResponse{PDUIDs: res.EventIDs}}
}

func httpError(req *http.Request, err error, msg string) util.JSONResponse {
	util.GetLogger(req.Context()).WithError(err).Error(msg)
	return jsonerror.InternalServerError()
}
