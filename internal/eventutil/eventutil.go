// Package eventutil builds locally-authored events: it fills in the
// prev_events, auth_events and depth a new event needs from the room's
// current head set, then signs the result with our server key.
package eventutil

import (
	"context"
	"errors"
	"time"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/setup/config"
)

// ErrRoomNoExists is returned when the room targeted by the builder
// has no known events.
var ErrRoomNoExists = errors.New("room does not exist")

// QueryAndBuildEvent resolves the room's head set and present state,
// points builder at them, and builds the signed event. The builder's
// Sender, RoomID, Type, StateKey and content must already be set.
func QueryAndBuildEvent(
	ctx context.Context,
	builder *gomatrixserverlib.EventBuilder,
	cfg *config.Construct,
	evTime time.Time,
	queryAPI *query.Queryer,
) (*gomatrixserverlib.HeaderedEvent, error) {
	var queryRes api.QueryLatestEventsAndStateResponse
	if err := queryAPI.QueryLatestEventsAndState(ctx, &api.QueryLatestEventsAndStateRequest{
		RoomID: builder.RoomID,
	}, &queryRes); err != nil {
		return nil, err
	}
	if !queryRes.RoomExists {
		return nil, ErrRoomNoExists
	}

	eventsNeeded, err := gomatrixserverlib.StateNeededForEventBuilder(builder)
	if err != nil {
		return nil, err
	}
	authEvents := gomatrixserverlib.NewAuthEvents(nil)
	for i := range queryRes.StateEvents {
		ev := queryRes.StateEvents[i].Unwrap()
		if err = authEvents.AddEvent(ev); err != nil {
			return nil, err
		}
	}
	refs, err := eventsNeeded.AuthEventReferences(&authEvents)
	if err != nil {
		return nil, err
	}
	builder.AuthEvents = refs

	prevEvents := make([]gomatrixserverlib.EventReference, 0, len(queryRes.LatestEvents))
	for _, id := range queryRes.LatestEvents {
		prevEvents = append(prevEvents, gomatrixserverlib.EventReference{EventID: id})
	}
	builder.PrevEvents = prevEvents
	builder.Depth = queryRes.Depth

	event, err := builder.Build(
		evTime,
		gomatrixserverlib.ServerName(cfg.Global.ServerName),
		cfg.Global.KeyID,
		cfg.Global.PrivateKey,
		queryRes.RoomVersion,
	)
	if err != nil {
		return nil, err
	}
	headered := event.Headered(queryRes.RoomVersion)
	return &headered, nil
}
