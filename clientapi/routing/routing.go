// Package routing implements the client-facing room endpoints of the
// roomserver core: initial sync, state reads and writes, and invites.
// Access-token authentication happens in a layer out of scope here;
// that layer resolves the caller and conveys the authenticated user id
// in the user_id query parameter, which these handlers trust.
package routing

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Havelet/construct/internal/httputil"
	"github.com/Havelet/construct/roomserver/input"
	"github.com/Havelet/construct/roomserver/perform"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/setup/config"
)

// Setup registers the client routes onto router.
func Setup(
	router *mux.Router,
	cfg *config.Construct,
	queryAPI *query.Queryer,
	inputAPI *input.Inputer,
	performer *perform.Performer,
	db storage.Database,
) {
	rooms := router.PathPrefix("/client/r0/rooms/{roomID}").Subrouter()

	rooms.HandleFunc("/initialSync", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		httputil.WriteJSONResponse(w, InitialSync(req, cfg, queryAPI, db, vars["roomID"], requestUser(req)))
	}).Methods(http.MethodGet)

	rooms.HandleFunc("/state", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		httputil.WriteJSONResponse(w, OnIncomingStateRequest(req, queryAPI, db, vars["roomID"], requestUser(req)))
	}).Methods(http.MethodGet)

	rooms.HandleFunc("/state/{type}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		httputil.WriteJSONResponse(w, OnIncomingStateTypeRequest(req, queryAPI, db, vars["roomID"], vars["type"], "", requestUser(req)))
	}).Methods(http.MethodGet)

	rooms.HandleFunc("/state/{type}/{stateKey}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		httputil.WriteJSONResponse(w, OnIncomingStateTypeRequest(req, queryAPI, db, vars["roomID"], vars["type"], vars["stateKey"], requestUser(req)))
	}).Methods(http.MethodGet)

	// The state_key path segment defaults to "" when absent.
	rooms.HandleFunc("/state/{type}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		httputil.WriteJSONResponse(w, SendStateEvent(req, cfg, queryAPI, inputAPI, vars["roomID"], vars["type"], "", requestUser(req)))
	}).Methods(http.MethodPut)

	rooms.HandleFunc("/state/{type}/{stateKey}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		httputil.WriteJSONResponse(w, SendStateEvent(req, cfg, queryAPI, inputAPI, vars["roomID"], vars["type"], vars["stateKey"], requestUser(req)))
	}).Methods(http.MethodPut)

	rooms.HandleFunc("/invite", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		httputil.WriteJSONResponse(w, SendInvite(req, cfg, queryAPI, performer, vars["roomID"], requestUser(req)))
	}).Methods(http.MethodPost)
}

func requestUser(req *http.Request) string {
	return req.URL.Query().Get("user_id")
}
