// Package routing implements the inbound federation HTTP surface that
// lets other servers fill gaps in their view of a room: backfill ids
// and the auth chain for an event. Outbound transport — signing and
// delivering requests to other servers — is out of scope here; these
// handlers only answer requests that have already been authenticated
// by whatever federation transaction layer sits in front of them,
// which conveys the verified requesting server in the X-Matrix-Origin
// header.
package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/internal/httputil"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/setup/config"
)

// Setup registers the federation routes this subsystem answers onto
// router, mirroring the path shapes of the Server-Server API.
func Setup(router *mux.Router, queryAPI *query.Queryer, cfg *config.RoomServer) {
	router.HandleFunc("/federation/v1/backfill_ids/{roomID}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		httputil.WriteJSONResponse(w, BackfillIDs(req, queryAPI, cfg, requestOrigin(req), vars["roomID"]))
	}).Methods(http.MethodGet)

	router.HandleFunc("/federation/v1/event_auth/{roomID}/{eventID}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		httputil.WriteJSONResponse(w, EventAuth(req, queryAPI, requestOrigin(req), vars["roomID"], vars["eventID"]))
	}).Methods(http.MethodGet)
}

func requestOrigin(req *http.Request) gomatrixserverlib.ServerName {
	return gomatrixserverlib.ServerName(req.Header.Get("X-Matrix-Origin"))
}
