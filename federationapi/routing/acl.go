package routing

import (
	"encoding/json"
	"net/http"
	"path"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/util"

	"github.com/Havelet/construct/clientapi/jsonerror"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/types"
)

// serverACLContent is the body of an m.room.server_acl state event.
// Patterns use the usual glob syntax: * matches any sequence, ? a
// single character.
type serverACLContent struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// checkServerAccess enforces the room's server ACL plus history
// visibility for a federation read: the origin must not be denied by
// m.room.server_acl, and unless history is shared or world-readable it
// must have at least one joined user in the room. Returns nil when the
// origin may proceed.
func checkServerAccess(req *http.Request, queryAPI *query.Queryer, info *types.RoomInfo, origin gomatrixserverlib.ServerName) *util.JSONResponse {
	ctx := req.Context()

	if acl, ok := serverACLFor(queryAPI, req, info.RoomNID); ok {
		if !acl.allows(string(origin)) {
			return &util.JSONResponse{Code: http.StatusForbidden, JSON: jsonerror.Forbidden("server is banned from the room")}
		}
	}

	switch historyVisibilityFor(queryAPI, req, info.RoomNID) {
	case "shared", "world_readable":
		return nil
	}
	joined, err := queryAPI.DB.JoinedUsers(ctx, info.RoomNID, origin)
	if err != nil && !storage.IsNotFound(err) {
		resp := httpError(req, err, "JoinedUsers failed")
		return &resp
	}
	if len(joined) == 0 {
		return &util.JSONResponse{Code: http.StatusForbidden, JSON: jsonerror.Forbidden("server has no member with visibility here")}
	}
	return nil
}

func (c *serverACLContent) allows(server string) bool {
	for _, pattern := range c.Deny {
		if matched, err := path.Match(pattern, server); err == nil && matched {
			return false
		}
	}
	if len(c.Allow) == 0 {
		return true
	}
	for _, pattern := range c.Allow {
		if matched, err := path.Match(pattern, server); err == nil && matched {
			return true
		}
	}
	return false
}

func serverACLFor(queryAPI *query.Queryer, req *http.Request, roomNID types.RoomNID) (*serverACLContent, bool) {
	content, ok := presentStateContent(queryAPI, req, roomNID, "m.room.server_acl")
	if !ok {
		return nil, false
	}
	var acl serverACLContent
	if err := json.Unmarshal(content, &acl); err != nil {
		return nil, false
	}
	return &acl, true
}

func historyVisibilityFor(queryAPI *query.Queryer, req *http.Request, roomNID types.RoomNID) string {
	content, ok := presentStateContent(queryAPI, req, roomNID, "m.room.history_visibility")
	if !ok {
		return "shared"
	}
	var c struct {
		Visibility string `json:"history_visibility"`
	}
	if err := json.Unmarshal(content, &c); err != nil || c.Visibility == "" {
		return "shared"
	}
	return c.Visibility
}

// presentStateContent reads the content of the present state event at
// (eventType, "") for roomNID, reporting false when the room has none.
func presentStateContent(queryAPI *query.Queryer, req *http.Request, roomNID types.RoomNID, eventType string) ([]byte, bool) {
	ctx := req.Context()
	nid, err := queryAPI.DB.CurrentStateEvent(ctx, roomNID, eventType, "")
	if err != nil {
		return nil, false
	}
	idMap, err := queryAPI.DB.EventIDsFromNIDs(ctx, []types.EventNID{nid})
	if err != nil {
		return nil, false
	}
	events, err := queryAPI.DB.EventsFromIDs(ctx, []string{idMap[nid]})
	if err != nil || len(events) != 1 {
		return nil, false
	}
	return events[0].Content(), true
}
