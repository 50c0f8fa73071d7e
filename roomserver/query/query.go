// Package query answers read-only questions about room state on
// behalf of the client and federation APIs: present/historical state
// lookups, membership checks, and the backfill/event-auth queries
// federation exchanges use to fill gaps in the DAG.
package query

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/internal/task"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/state"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/types"
)

// Queryer answers the read side of the roomserver API over a single
// store and its state resolver.
type Queryer struct {
	DB    storage.Database
	State *state.StateResolution
}

func New(db storage.Database, res *state.StateResolution) *Queryer {
	return &Queryer{DB: db, State: res}
}

// QueryLatestEventsAndState returns the room's current head set and
// full present state in one round trip.
func (q *Queryer) QueryLatestEventsAndState(ctx context.Context, req *api.QueryLatestEventsAndStateRequest, res *api.QueryLatestEventsAndStateResponse) error {
	info, err := q.DB.RoomInfo(ctx, req.RoomID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	res.RoomExists = true
	res.RoomVersion = info.RoomVersion

	heads, err := q.DB.Heads(ctx, info.RoomNID)
	if err != nil {
		return err
	}
	var maxDepth int64
	for id, nid := range heads {
		res.LatestEvents = append(res.LatestEvents, id)
		depth, derr := q.DB.DepthForEventNID(ctx, nid)
		if derr != nil {
			return derr
		}
		if depth > maxDepth {
			maxDepth = depth
		}
	}
	res.Depth = maxDepth + 1

	query := q.State.OpenByNID(info.RoomNID)
	stateEvents, err := collectState(ctx, q.DB, query, "")
	if err != nil {
		return err
	}
	res.StateEvents = headeredAll(stateEvents, info.RoomVersion)
	return nil
}

// QueryStateAfterEvents resolves req.StateToFetch anchored at the
// state implied by req.PrevEventIDs, the shape needed when checking an
// incoming event's auth against current state at the point it was
// created.
func (q *Queryer) QueryStateAfterEvents(ctx context.Context, req *api.QueryStateAfterEventsRequest, res *api.QueryStateAfterEventsResponse) error {
	info, err := q.DB.RoomInfo(ctx, req.RoomID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	res.RoomExists = true

	nidMap, err := q.DB.EventNIDs(ctx, req.PrevEventIDs)
	if err != nil {
		return err
	}
	res.PrevEventsExist = len(nidMap) == len(req.PrevEventIDs)
	if !res.PrevEventsExist {
		return nil
	}

	entries, err := q.DB.StateEntriesForEventIDs(ctx, req.PrevEventIDs)
	if err != nil {
		return err
	}
	entries = types.DeduplicateStateEntries(entries)

	var wanted map[types.StateKeyTuple]bool
	if len(req.StateToFetch) > 0 {
		wanted = make(map[types.StateKeyTuple]bool, len(req.StateToFetch))
		for _, tuple := range req.StateToFetch {
			wanted[types.StateKeyTuple{EventType: tuple.EventType, StateKey: tuple.StateKey}] = true
		}
	}

	var nids []types.EventNID
	for _, e := range entries {
		if wanted != nil && !wanted[e.StateKeyTuple] {
			continue
		}
		nids = append(nids, e.EventNID)
	}
	idMap, err := q.DB.EventIDsFromNIDs(ctx, nids)
	if err != nil {
		return err
	}
	var ids []string
	for _, id := range idMap {
		ids = append(ids, id)
	}
	events, err := q.DB.EventsFromIDs(ctx, ids)
	if err != nil {
		return err
	}
	res.StateEvents = headeredAll(events, info.RoomVersion)
	return nil
}

// QueryMembershipForUser answers whether userID is a member of
// req.RoomID in present state, and with what membership.
func (q *Queryer) QueryMembershipForUser(ctx context.Context, req *api.QueryMembershipForUserRequest, res *api.QueryMembershipForUserResponse) error {
	info, err := q.DB.RoomInfo(ctx, req.RoomID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	query := q.State.OpenByNID(info.RoomNID)
	nid, err := query.Get(ctx, "m.room.member", req.UserID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	idMap, err := q.DB.EventIDsFromNIDs(ctx, []types.EventNID{nid})
	if err != nil {
		return err
	}
	events, err := q.DB.EventsFromIDs(ctx, []string{idMap[nid]})
	if err != nil {
		return err
	}
	if len(events) != 1 {
		return nil
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(events[0].Content(), &content); err != nil {
		return err
	}
	res.IsInRoom = content.Membership == "join"
	res.Membership = content.Membership
	res.EventID = events[0].EventID()
	return nil
}

// QueryRoomsForUser lists every room where userID currently holds
// wantMembership. There is no reverse user-to-room index in the
// store's column layout, so this walks every known room and checks
// membership individually; fine at single-process scale, but the
// first thing to replace with a dedicated index if room counts grow
// large.
func (q *Queryer) QueryRoomsForUser(ctx context.Context, req *api.QueryRoomsForUserRequest, res *api.QueryRoomsForUserResponse) error {
	roomNIDs, err := q.DB.AllRoomNIDs(ctx)
	if err != nil {
		return err
	}
	// Per-room checks are independent reads, so fan them out with a
	// small bound rather than walking rooms one at a time.
	matched := make([]string, len(roomNIDs))
	indexes := make([]int, len(roomNIDs))
	for i := range roomNIDs {
		indexes[i] = i
	}
	err = task.BoundedFanOut(ctx, 8, indexes, func(ctx context.Context, i int) error {
		roomNID := roomNIDs[i]
		query := q.State.OpenByNID(roomNID)
		nid, err := query.Get(ctx, "m.room.member", req.UserID)
		if storage.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		idMap, err := q.DB.EventIDsFromNIDs(ctx, []types.EventNID{nid})
		if err != nil {
			return err
		}
		events, err := q.DB.EventsFromIDs(ctx, []string{idMap[nid]})
		if err != nil {
			return err
		}
		if len(events) != 1 {
			return nil
		}
		var content struct {
			Membership string `json:"membership"`
		}
		if err := json.Unmarshal(events[0].Content(), &content); err != nil {
			return nil
		}
		if content.Membership == req.WantMembership {
			info, err := q.DB.RoomInfoByNID(ctx, roomNID)
			if err != nil {
				return err
			}
			matched[i] = info.RoomID
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, roomID := range matched {
		if roomID != "" {
			res.RoomIDs = append(res.RoomIDs, roomID)
		}
	}
	return nil
}

// QueryBackfill implements GET /backfill_ids: up to req.Limit event
// ids in decreasing depth order, ending at req.AnchorEventID (the
// current head set if empty).
func (q *Queryer) QueryBackfill(ctx context.Context, req *api.QueryBackfillRequest, res *api.QueryBackfillResponse) error {
	info, err := q.DB.RoomInfo(ctx, req.RoomID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	maxDepth := int64(1<<63 - 1)
	if req.AnchorEventID != "" {
		nidMap, err := q.DB.EventNIDs(ctx, []string{req.AnchorEventID})
		if err != nil {
			return err
		}
		nid, ok := nidMap[req.AnchorEventID]
		if !ok {
			return fmt.Errorf("roomserver: unknown backfill anchor %s", req.AnchorEventID)
		}
		maxDepth, err = q.DB.DepthForEventNID(ctx, nid)
		if err != nil {
			return err
		}
	}

	nids, err := q.DB.RoomEventsByDepth(ctx, info.RoomNID, maxDepth, req.Limit)
	if err != nil {
		return err
	}
	idMap, err := q.DB.EventIDsFromNIDs(ctx, nids)
	if err != nil {
		return err
	}
	for _, nid := range nids {
		if id, ok := idMap[nid]; ok {
			res.EventIDs = append(res.EventIDs, id)
		}
	}
	return nil
}

// QueryEventAuth returns the transitive closure of req.EventID's
// auth_events, implementing GET /event_auth.
func (q *Queryer) QueryEventAuth(ctx context.Context, req *api.QueryEventAuthRequest, res *api.QueryEventAuthResponse) error {
	info, err := q.DB.RoomInfo(ctx, req.RoomID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	events, err := q.DB.EventsFromIDs(ctx, []string{req.EventID})
	if err != nil {
		return err
	}
	if len(events) != 1 {
		return nil
	}
	startNID, err := q.DB.EventNIDs(ctx, []string{req.EventID})
	if err != nil {
		return err
	}
	nid, ok := startNID[req.EventID]
	if !ok {
		return nil
	}

	seen := map[types.EventNID]bool{nid: true}
	frontier := []types.EventNID{nid}
	var chain []*gomatrixserverlib.Event
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		authNIDs, err := q.DB.EventRefs(ctx, next, types.RefKindAuthEvent)
		if err != nil {
			return err
		}
		for _, a := range authNIDs {
			if seen[a] {
				continue
			}
			seen[a] = true
			frontier = append(frontier, a)
		}
	}
	delete(seen, nid)
	var nids []types.EventNID
	for n := range seen {
		nids = append(nids, n)
	}
	idMap, err := q.DB.EventIDsFromNIDs(ctx, nids)
	if err != nil {
		return err
	}
	var ids []string
	for _, id := range idMap {
		ids = append(ids, id)
	}
	chain, err = q.DB.EventsFromIDs(ctx, ids)
	if err != nil {
		return err
	}
	res.AuthChain = headeredAll(chain, info.RoomVersion)
	return nil
}

func collectState(ctx context.Context, db storage.Database, query *state.Query, prefix string) ([]*gomatrixserverlib.Event, error) {
	var nids []types.EventNID
	err := query.ForEach(ctx, prefix, func(_, _ string, nid types.EventNID) error {
		nids = append(nids, nid)
		return nil
	})
	if err != nil {
		return nil, err
	}
	idMap, err := db.EventIDsFromNIDs(ctx, nids)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range idMap {
		ids = append(ids, id)
	}
	return db.EventsFromIDs(ctx, ids)
}

func headeredAll(events []*gomatrixserverlib.Event, roomVersion gomatrixserverlib.RoomVersion) []gomatrixserverlib.HeaderedEvent {
	out := make([]gomatrixserverlib.HeaderedEvent, 0, len(events))
	for _, e := range events {
		out = append(out, *e.Headered(roomVersion))
	}
	return out
}
