// Package perform implements the roomserver's write-side operations
// that don't flow through a single InputRoomEvent the way ordinary
// timeline events do: committing an invite, and servicing a backfill
// request either from local history or over federation.
package perform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/input"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/types"
)

// BackfillFetcher is PerformBackfill's federation collaborator, asked
// for history when a backfill request names our own server, so the
// history has to come from req.ServerName.
type BackfillFetcher interface {
	Backfill(ctx context.Context, server gomatrixserverlib.ServerName, roomID string, limit int, fromEventIDs []string) ([]*gomatrixserverlib.Event, error)
}

// Performer implements PerformInvite and PerformBackfill over a store
// and the input pipeline that actually commits events.
type Performer struct {
	DB      storage.Database
	Input   *input.Inputer
	Fetcher BackfillFetcher
}

func New(db storage.Database, in *input.Inputer, fetcher BackfillFetcher) *Performer {
	return &Performer{DB: db, Input: in, Fetcher: fetcher}
}

// PerformInvite commits an invite event through the same pipeline any
// other membership event uses; req.InviteRoomState is
// the stripped state a remote recipient needs to render the room
// before joining, which has nowhere to persist in this store's schema
// since the inviting server already holds full state — it rides along
// on the OutputNewInviteEvent the pipeline's effect hooks already
// build and is the caller's responsibility to forward to the invitee.
func (p *Performer) PerformInvite(ctx context.Context, req *api.PerformInviteRequest, res *api.PerformInviteResponse) error {
	if req.Event == nil {
		res.Error = fmt.Errorf("perform: invite has no event")
		return nil
	}
	event := req.Event.Unwrap()
	resps := p.Input.InputRoomEvents(ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Event:        req.Event,
			Kind:         api.KindNew,
			AuthEventIDs: event.AuthEventIDs(),
			SendAsServer: req.SendAsServer,
		}},
	})
	if len(resps) == 1 && resps[0].Err != nil {
		res.Error = resps[0].Err
		logrus.WithError(resps[0].Err).WithField("event_id", event.EventID()).Warn("roomserver: invite rejected")
	}
	return nil
}

// PerformBackfill services a backfill request. A request for our own
// server name means we're the one short on history and need to ask
// req.ServerName over federation; any other caller is a remote server
// asking us to serve history we hold locally.
func (p *Performer) PerformBackfill(ctx context.Context, localServer gomatrixserverlib.ServerName, req *api.PerformBackfillRequest, res *api.PerformBackfillResponse) error {
	info, err := p.DB.RoomInfo(ctx, req.RoomID)
	if storage.IsNotFound(err) {
		return fmt.Errorf("perform: unknown room %s", req.RoomID)
	}
	if err != nil {
		return err
	}

	if req.ServerName == localServer {
		return p.backfillViaFederation(ctx, info, req, res)
	}
	return p.backfillLocally(ctx, info, req, res)
}

func (p *Performer) backfillLocally(ctx context.Context, info *types.RoomInfo, req *api.PerformBackfillRequest, res *api.PerformBackfillResponse) error {
	var maxDepth int64 = 1<<63 - 1
	for _, id := range req.BackwardsExtremities {
		nidMap, err := p.DB.EventNIDs(ctx, []string{id})
		if err != nil {
			return err
		}
		nid, ok := nidMap[id]
		if !ok {
			continue
		}
		depth, err := p.DB.DepthForEventNID(ctx, nid)
		if err != nil {
			return err
		}
		if depth < maxDepth {
			maxDepth = depth
		}
	}

	nids, err := p.DB.RoomEventsByDepth(ctx, info.RoomNID, maxDepth, req.Limit)
	if err != nil {
		return err
	}
	idMap, err := p.DB.EventIDsFromNIDs(ctx, nids)
	if err != nil {
		return err
	}
	var ids []string
	for _, nid := range nids {
		if id, ok := idMap[nid]; ok {
			ids = append(ids, id)
		}
	}
	events, err := p.DB.EventsFromIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, e := range events {
		res.Events = append(res.Events, e.Headered(info.RoomVersion))
	}
	res.HistoryVisibility = p.historyVisibility(ctx, info.RoomNID)
	return nil
}

// historyVisibility reads the present m.room.history_visibility value,
// defaulting to "shared" the way the rest of the Matrix ecosystem does
// when a room predates the event existing.
func (p *Performer) historyVisibility(ctx context.Context, roomNID types.RoomNID) string {
	nid, err := p.DB.CurrentStateEvent(ctx, roomNID, "m.room.history_visibility", "")
	if err != nil {
		return "shared"
	}
	idMap, err := p.DB.EventIDsFromNIDs(ctx, []types.EventNID{nid})
	if err != nil {
		return "shared"
	}
	events, err := p.DB.EventsFromIDs(ctx, []string{idMap[nid]})
	if err != nil || len(events) != 1 {
		return "shared"
	}
	var content struct {
		Visibility string `json:"history_visibility"`
	}
	if err := json.Unmarshal(events[0].Content(), &content); err != nil || content.Visibility == "" {
		return "shared"
	}
	return content.Visibility
}

func (p *Performer) backfillViaFederation(ctx context.Context, info *types.RoomInfo, req *api.PerformBackfillRequest, res *api.PerformBackfillResponse) error {
	if p.Fetcher == nil {
		return fmt.Errorf("perform: backfill requires federation but no fetcher is configured")
	}
	fetched, err := p.Fetcher.Backfill(ctx, req.ServerName, req.RoomID, req.Limit, req.BackwardsExtremities)
	if err != nil {
		return err
	}

	inputs := make([]api.InputRoomEvent, 0, len(fetched))
	for _, event := range fetched {
		headered := event.Headered(info.RoomVersion)
		inputs = append(inputs, api.InputRoomEvent{
			Event:        &headered,
			Kind:         api.KindOld,
			AuthEventIDs: event.AuthEventIDs(),
		})
	}
	resps := p.Input.InputRoomEvents(ctx, &api.InputRoomEventsRequest{InputRoomEvents: inputs})
	for i, r := range resps {
		if r.Err != nil {
			logrus.WithError(r.Err).WithField("event_id", fetched[i].EventID()).Warn("roomserver: backfilled event rejected")
			continue
		}
		res.Events = append(res.Events, fetched[i].Headered(info.RoomVersion))
	}
	res.HistoryVisibility = p.historyVisibility(ctx, info.RoomNID)
	return nil
}
