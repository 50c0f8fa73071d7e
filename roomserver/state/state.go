// Package state implements the roomserver's state resolver:
// present-mode O(1) lookups backed by the room_state column,
// and historical-mode depth-ceiling walks over room_state_space for
// queries anchored at a specific event.
package state

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/internal/caching"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/types"
)

// StateResolution opens Queries against a single roomserver store.
type StateResolution struct {
	db     storage.Database
	caches *caching.Caches
}

func NewStateResolution(db storage.Database, caches *caching.Caches) *StateResolution {
	return &StateResolution{db: db, caches: caches}
}

// anchor pins a Query to a specific event rather than the live frontier.
type anchor struct {
	eventNID types.EventNID
	depth    int64
}

// Query is a single resolver instance over one room, optionally
// anchored at an event. present() is cached for the lifetime of the
// Query: events only move forward, so once an
// anchor is known to have fallen behind the frontier it stays behind
// for the rest of this query.
type Query struct {
	res       *StateResolution
	roomNID   types.RoomNID
	anchor    *anchor
	presentOk *bool
}

// Open resolves roomID to its RoomNID and, if anchorEventID is
// non-empty, to the anchor's NID and depth. An empty anchorEventID
// means present mode.
func (r *StateResolution) Open(ctx context.Context, roomID, anchorEventID string) (*Query, error) {
	info, err := r.db.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	q := &Query{res: r, roomNID: info.RoomNID}
	if anchorEventID == "" {
		return q, nil
	}
	nids, err := r.db.EventNIDs(ctx, []string{anchorEventID})
	if err != nil {
		return nil, err
	}
	nid, ok := nids[anchorEventID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	depth, err := r.db.DepthForEventNID(ctx, nid)
	if err != nil {
		return nil, err
	}
	q.anchor = &anchor{eventNID: nid, depth: depth}
	return q, nil
}

// OpenByNID is Open for callers that already hold a RoomNID, skipping
// the roomID lookup (the input pipeline's common case).
func (r *StateResolution) OpenByNID(roomNID types.RoomNID) *Query {
	return &Query{res: r, roomNID: roomNID}
}

// Present reports whether this query sees the room's live frontier:
// true if unanchored, or if the anchor event is itself a current head.
// Computed once and cached for the Query's lifetime.
func (q *Query) Present(ctx context.Context) (bool, error) {
	if q.presentOk != nil {
		return *q.presentOk, nil
	}
	if q.anchor == nil {
		t := true
		q.presentOk = &t
		return true, nil
	}
	heads, err := q.res.db.Heads(ctx, q.roomNID)
	if err != nil {
		return false, err
	}
	isHead := false
	for _, nid := range heads {
		if nid == q.anchor.eventNID {
			isHead = true
			break
		}
	}
	q.presentOk = &isHead
	return isHead, nil
}

// Get returns the event NID currently (or, anchored, historically)
// assigned to (eventType, stateKey), or storage.ErrNotFound.
func (q *Query) Get(ctx context.Context, eventType, stateKey string) (types.EventNID, error) {
	if q.anchor == nil {
		if q.res.caches != nil {
			key := caching.RoomStateKey{RoomNID: int64(q.roomNID), Type: eventType, StateKey: stateKey}
			if nid, ok := q.res.caches.GetRoomState(key); ok {
				return types.EventNID(nid), nil
			}
			nid, err := q.res.db.CurrentStateEvent(ctx, q.roomNID, eventType, stateKey)
			if err == nil {
				q.res.caches.StoreRoomState(key, int64(nid))
			}
			return nid, err
		}
		return q.res.db.CurrentStateEvent(ctx, q.roomNID, eventType, stateKey)
	}
	key := types.StateKeyTuple{EventType: eventType, StateKey: stateKey}
	return q.res.db.HistoricalStateEvent(ctx, q.roomNID, q.anchor.depth, key)
}

// Has is Get reduced to a boolean, swallowing NotFound.
func (q *Query) Has(ctx context.Context, eventType, stateKey string) (bool, error) {
	_, err := q.Get(ctx, eventType, stateKey)
	if err == nil {
		return true, nil
	}
	if storage.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ForEach iterates state entries under prefix (the empty string means
// every type) in (type, state_key) order, stopping at the first error
// fn returns.
func (q *Query) ForEach(ctx context.Context, prefix string, fn func(eventType, stateKey string, nid types.EventNID) error) error {
	entries, err := q.entries(ctx, prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.EventType, e.StateKey, e.EventNID); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of state entries whose type matches
// typeFilter as a prefix (the empty string counts everything).
func (q *Query) Count(ctx context.Context, typeFilter string) (int, error) {
	if q.anchor == nil {
		return q.res.db.CountCurrentState(ctx, q.roomNID, typeFilter)
	}
	entries, err := q.entries(ctx, typeFilter)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Exists reports whether the room has an m.room.create state event.
// The other Query methods do not consult it: without a create event
// they still answer from whatever state is stored for the room.
func (q *Query) Exists(ctx context.Context) (bool, error) {
	return q.Has(ctx, "m.room.create", "")
}

// JoinedMembers returns joined user ids. In present mode this is the
// room_joined fast path; anchored queries fall back to the
// state-space walk and filter membership content themselves, since
// room_joined only ever reflects the live frontier.
func (q *Query) JoinedMembers(ctx context.Context) ([]string, error) {
	if q.anchor == nil {
		return q.res.db.JoinedUsers(ctx, q.roomNID, "")
	}
	entries, err := q.entries(ctx, "m.room.member")
	if err != nil {
		return nil, err
	}
	var ids []types.EventNID
	for _, e := range entries {
		ids = append(ids, e.EventNID)
	}
	idMap, err := q.res.db.EventIDsFromNIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var eventIDs []string
	for _, id := range idMap {
		eventIDs = append(eventIDs, id)
	}
	events, err := q.res.db.EventsFromIDs(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	var joined []string
	for _, ev := range events {
		content := struct {
			Membership string `json:"membership"`
		}{}
		if err := json.Unmarshal(ev.Content(), &content); err != nil {
			continue
		}
		if content.Membership == "join" {
			joined = append(joined, *ev.StateKey())
		}
	}
	return joined, nil
}

// CalculateAndStoreStateBeforeEvent computes the state snapshot in
// effect immediately before event and records it via AddState,
// returning the new StateSnapshotNID. An event with no prev_events
// (the room create) has no prior state, so that case returns the zero
// snapshot.
//
// For a single prev_event this is just that event's own after-state.
// For multiple (a DAG merge point), this unions each prev_event's
// before-state and then folds in each prev_event's own contribution
// (if it is itself a state event) in ascending depth order, so a
// conflicting (type, state_key) resolves to whichever prev_event is
// deepest. This is a deliberate simplification — a direct lookup, not
// a full conflict-resolution algorithm across divergent branches.
func (r *StateResolution) CalculateAndStoreStateBeforeEvent(ctx context.Context, roomNID types.RoomNID, event *gomatrixserverlib.Event) (types.StateSnapshotNID, error) {
	prevEventIDs := event.PrevEventIDs()
	if len(prevEventIDs) == 0 {
		return 0, nil
	}

	nidMap, err := r.db.EventNIDs(ctx, prevEventIDs)
	if err != nil {
		return 0, err
	}

	entries, err := r.db.StateEntriesForEventIDs(ctx, prevEventIDs)
	if err != nil {
		return 0, err
	}

	prevEvents, err := r.db.EventsFromIDs(ctx, prevEventIDs)
	if err != nil {
		return 0, err
	}
	sort.Slice(prevEvents, func(i, j int) bool { return prevEvents[i].Depth() < prevEvents[j].Depth() })
	for _, pe := range prevEvents {
		if !types.IsStateEvent(pe) {
			continue
		}
		nid, ok := nidMap[pe.EventID()]
		if !ok {
			continue
		}
		entries = append(entries, types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{EventType: pe.Type(), StateKey: *pe.StateKey()},
			EventNID:      nid,
		})
	}

	return r.db.AddState(ctx, roomNID, nil, types.DeduplicateStateEntries(entries))
}

func (q *Query) entries(ctx context.Context, prefix string) ([]types.StateEntry, error) {
	if q.anchor == nil {
		return q.res.db.CurrentState(ctx, q.roomNID, prefix)
	}
	return q.res.db.HistoricalState(ctx, q.roomNID, q.anchor.depth, prefix)
}
