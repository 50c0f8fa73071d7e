// Package dag maintains the room event graph's edge and head-set
// columns on top of roomserver/storage. Edge insertion for
// prev_event/auth_event pairs and the state-space row happen inside
// storage.Database.StoreEvent itself, in the same atomic batch as the
// event; this package owns the bookkeeping that reads back
// already-committed state: head-set maintenance,
// prev_state/next_state linking, and the reset/rebuild recovery tools.
package dag

import (
	"context"
	"math"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/types"
)

type Index struct {
	db storage.Database
}

func New(db storage.Database) *Index {
	return &Index{db: db}
}

// Store is the write surface OnEventWritten goes through. Both
// storage.Database and the transaction-scoped storage.RoomUpdater
// satisfy it, so the same bookkeeping can run standalone (tests,
// recovery) or inside the pipeline's single commit transaction.
type Store interface {
	Heads(ctx context.Context, roomNID types.RoomNID) (map[string]types.EventNID, error)
	UpdateHeads(ctx context.Context, roomNID types.RoomNID, removed []string, added map[string]types.EventNID) error
	CurrentStateEvent(ctx context.Context, roomNID types.RoomNID, eventType, stateKey string) (types.EventNID, error)
	SetCurrentStateEvent(ctx context.Context, roomNID types.RoomNID, key types.StateKeyTuple, nid types.EventNID) error
	InsertEventRef(ctx context.Context, eventNID types.EventNID, kind types.RefKind, otherNID types.EventNID) error
}

// OnEventWritten runs the DAG bookkeeping for an event already staged
// or persisted through store: it drops the event's prev_events from
// the head set and adds the event itself, then — if the event carries
// a state_key — links it to the previously-current state event of the
// same type and overwrites present state to point at it.
func (idx *Index) OnEventWritten(ctx context.Context, store Store, roomNID types.RoomNID, eventNID types.EventNID, eventID string, event *gomatrixserverlib.Event) error {
	prevIDs := event.PrevEventIDs()
	var removed []string
	if len(prevIDs) > 0 {
		heads, err := store.Heads(ctx, roomNID)
		if err != nil {
			return err
		}
		for _, p := range prevIDs {
			if _, isHead := heads[p]; isHead {
				removed = append(removed, p)
			}
		}
	}
	if err := store.UpdateHeads(ctx, roomNID, removed, map[string]types.EventNID{eventID: eventNID}); err != nil {
		return err
	}

	if !types.IsStateEvent(event) {
		return nil
	}

	key := types.StateKeyTuple{EventType: event.Type(), StateKey: *event.StateKey()}
	prevNID, err := store.CurrentStateEvent(ctx, roomNID, key.EventType, key.StateKey)
	if err == nil && prevNID != eventNID {
		if err := store.InsertEventRef(ctx, prevNID, types.RefKindNextState, eventNID); err != nil {
			return err
		}
		if err := store.InsertEventRef(ctx, eventNID, types.RefKindPrevState, prevNID); err != nil {
			return err
		}
	} else if err != nil && !storage.IsNotFound(err) {
		return err
	}

	return store.SetCurrentStateEvent(ctx, roomNID, key, eventNID)
}

// Reset replaces the head set with the single deepest known event in
// the room — rescue from a divergence where the tracked heads no
// longer agree with the room's actual forward frontier.
func (idx *Index) Reset(ctx context.Context, roomNID types.RoomNID) error {
	deepest, err := idx.db.RoomEventsByDepth(ctx, roomNID, math.MaxInt64, 1)
	if err != nil {
		return err
	}
	if len(deepest) == 0 {
		return nil
	}
	nid := deepest[0]
	ids, err := idx.db.EventIDsFromNIDs(ctx, []types.EventNID{nid})
	if err != nil {
		return err
	}
	return idx.db.ResetHeads(ctx, roomNID, ids[nid], nid)
}

// Rebuild walks every event in the room and keeps exactly the ones
// with no children in roomserver_event_refs as the new head set,
// discarding whatever the head set currently holds. Unlike the
// original, which simply re-marks every event as a head and relies on
// a later full replay to converge, this computes childless-ness
// directly, which is what "reconstructing the head set from events
// with no children" actually requires.
func (idx *Index) Rebuild(ctx context.Context, roomNID types.RoomNID) error {
	all, err := idx.db.RoomEventsByDepth(ctx, roomNID, math.MaxInt64, math.MaxInt32)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}

	idMap, err := idx.db.EventIDsFromNIDs(ctx, all)
	if err != nil {
		return err
	}

	heads := make(map[string]types.EventNID, len(all))
	for _, nid := range all {
		children, err := idx.db.ReferencingEvents(ctx, nid, types.RefKindPrevEvent)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			heads[idMap[nid]] = nid
		}
	}

	var removed []string
	current, err := idx.db.Heads(ctx, roomNID)
	if err != nil {
		return err
	}
	for id := range current {
		if _, keep := heads[id]; !keep {
			removed = append(removed, id)
		}
	}
	return idx.db.UpdateHeads(ctx, roomNID, removed, heads)
}

// SupersededStateEvents returns, for every (type, state_key) tuple in
// roomNID's present state, the chain of state events that tuple's
// current winner superseded — walked back through the PrevState edges
// OnEventWritten records. This is the candidate set a GC policy could
// purge; surfaced rather than deleted, since no retention policy for
// superseded state has been settled yet.
func (idx *Index) SupersededStateEvents(ctx context.Context, roomNID types.RoomNID) ([]types.EventNID, error) {
	current, err := idx.db.CurrentState(ctx, roomNID, "")
	if err != nil {
		return nil, err
	}
	var superseded []types.EventNID
	for _, e := range current {
		cursor := e.EventNID
		for {
			prevs, err := idx.db.EventRefs(ctx, cursor, types.RefKindPrevState)
			if err != nil {
				return nil, err
			}
			if len(prevs) == 0 {
				break
			}
			cursor = prevs[0]
			superseded = append(superseded, cursor)
		}
	}
	return superseded, nil
}
