// Package input implements the roomserver's event pipeline: the
// single entry point for mutating room state. Every event,
// whether locally authored or received over federation, passes
// through Conform, hash/sign, fetch-dependencies, the three auth
// checkpoints, an atomic commit, and post-commit effect hooks.
package input

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/auth"
	"github.com/Havelet/construct/roomserver/dag"
	"github.com/Havelet/construct/roomserver/state"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/types"
	"github.com/Havelet/construct/setup/config"
)

func init() {
	prometheus.MustRegister(processRoomEventDuration)
}

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "roomserver",
		Subsystem: "input",
		Name:      "process_room_event_duration_millis",
		Help:      "How long it takes the pipeline to process one event",
		Buckets: []float64{
			5, 10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 6000,
		},
	},
	[]string{"room_id"},
)

// FederationFetcher is the fetch-dependencies collaborator. The
// pipeline itself never dials a server; it only asks this interface
// for events it's missing.
type FederationFetcher interface {
	// EventAuth returns the auth-chain events the given event's
	// auth_events declares, in an order safe to insert (ancestors
	// first).
	EventAuth(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, roomID, eventID string) ([]*gomatrixserverlib.Event, error)
}

// Verifier is the pipeline's stage-2 collaborator: hash and signature
// validation, delegated to whatever gomatrixserverlib-backed component
// the deployment wires in. A nil Verifier, or Options.Verify == false
// (its zero value), skips this stage.
type Verifier interface {
	VerifyEventSignatures(ctx context.Context, event *gomatrixserverlib.Event) error
}

// OutputHook receives the post-commit effect-hook events.
// It runs best-effort after commit and cannot veto the already-committed
// event; a non-nil error is logged, not propagated to the caller of
// InputRoomEvents.
type OutputHook func(ctx context.Context, roomID string, events []api.OutputEvent) error

// Inputer is the pipeline. One Inputer serves every room in a single
// roomserver deployment.
type Inputer struct {
	DB       storage.Database
	DAG      *dag.Index
	State    *state.StateResolution
	Cfg      *config.RoomServer
	Fetcher  FederationFetcher
	Verifier Verifier
	OnOutput OutputHook
}

// New builds an Inputer over an already-open store, DAG index and
// state resolver. Fetcher and Verifier may be nil for a
// federation-disabled, trust-everything deployment (e.g. tests).
func New(db storage.Database, idx *dag.Index, res *state.StateResolution, cfg *config.RoomServer) *Inputer {
	return &Inputer{DB: db, DAG: idx, State: res, Cfg: cfg}
}

// InputRoomEvents is the pipeline's single public entry point,
// processing each event of req in order and short-circuiting the
// caller's response only by recording each outcome — one event's
// failure does not stop the rest of the batch. If req.Asynchronous is
// false, every event has been durably committed (or rejected) before
// this returns.
func (r *Inputer) InputRoomEvents(ctx context.Context, req *api.InputRoomEventsRequest) []api.InputRoomEventsResponse {
	responses := make([]api.InputRoomEventsResponse, len(req.InputRoomEvents))
	for i := range req.InputRoomEvents {
		ev := &req.InputRoomEvents[i]
		eventID, err := r.processRoomEvent(ctx, ev)
		responses[i] = api.InputRoomEventsResponse{EventID: eventID, Err: err}
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"event_id": ev.Event.EventID(),
				"room_id":  ev.Event.RoomID(),
				"kind":     ev.Kind.String(),
			}).Warn("roomserver: rejected event")
		}
	}
	return responses
}

func (r *Inputer) writeOutputEvents(ctx context.Context, roomID string, events []api.OutputEvent) {
	if r.OnOutput == nil || len(events) == 0 {
		return
	}
	if err := r.OnOutput(ctx, roomID, events); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("roomserver: output hook failed")
	}
}

func observeDuration(roomID string, started time.Time) {
	processRoomEventDuration.With(prometheus.Labels{"room_id": roomID}).Observe(float64(time.Since(started).Milliseconds()))
}

// powerLevelsAt loads the PowerLevels view in effect at q (present or
// historical), falling back to DefaultPowerLevels when no
// m.room.power_levels event has been sent yet.
func (r *Inputer) powerLevelsAt(ctx context.Context, q *state.Query, creatorID string) (*auth.PowerLevels, error) {
	nid, err := q.Get(ctx, "m.room.power_levels", "")
	if storage.IsNotFound(err) {
		return auth.DefaultPowerLevels(creatorID), nil
	}
	if err != nil {
		return nil, err
	}
	idMap, err := r.DB.EventIDsFromNIDs(ctx, []types.EventNID{nid})
	if err != nil {
		return nil, err
	}
	events, err := r.DB.EventsFromIDs(ctx, []string{idMap[nid]})
	if err != nil {
		return nil, err
	}
	if len(events) != 1 {
		return nil, fmt.Errorf("roomserver: power_levels event %s not found", idMap[nid])
	}
	return auth.NewPowerLevels(events[0].Content(), creatorID)
}
