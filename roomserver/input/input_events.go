package input

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	"github.com/Havelet/construct/internal/sqlutil"
	"github.com/Havelet/construct/internal/task"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/auth"
	"github.com/Havelet/construct/roomserver/state"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/types"
)

// eventLookup resolves a (type, state_key) tuple to the event that
// currently holds it, from whichever state view checkAuth was asked
// to check against (declared auth_events, or live/historical current
// state).
type eventLookup func(eventType, stateKey string) (*gomatrixserverlib.Event, bool, error)

// processRoomEvent runs the full pipeline on a single input event:
// Conform, hash/sign, fetch dependencies, the three auth checkpoints,
// commit, and effect hooks.
func (r *Inputer) processRoomEvent(ctx context.Context, input *api.InputRoomEvent) (string, error) {
	headered := input.Event
	event := headered.Unwrap()
	started := time.Now()
	defer func() { observeDuration(event.RoomID(), started) }()

	if err := auth.CheckStatic(event); err != nil {
		return "", fmt.Errorf("conform: %w", err)
	}

	if existing, err := r.DB.EventsFromIDs(ctx, []string{event.EventID()}); err == nil && len(existing) == 1 {
		// Re-ingesting a known event id is a no-op.
		return event.EventID(), nil
	}

	if input.Options.Verify && r.Verifier != nil {
		if err := r.Verifier.VerifyEventSignatures(ctx, event); err != nil {
			return "", fmt.Errorf("hash/sign: %w", err)
		}
	}

	authEventNIDs, err := r.resolveAuthEvents(ctx, headered.RoomVersion, event, input.AuthEventIDs)
	if err != nil {
		return "", fmt.Errorf("fetch dependencies: %w", err)
	}

	roomInfo, err := r.DB.GetOrCreateRoomInfo(ctx, event.RoomID(), headered.RoomVersion)
	if err != nil {
		return "", fmt.Errorf("room info: %w", err)
	}
	if input.Options.Creation != nil {
		if err := r.DB.SetRoomCreator(ctx, roomInfo.RoomNID, event.Sender()); err != nil {
			return "", fmt.Errorf("set room creator: %w", err)
		}
		roomInfo.Creator = event.Sender()
	}

	alreadyHasEvents, err := r.roomHasEvents(ctx, roomInfo.RoomNID)
	if err != nil {
		return "", fmt.Errorf("conform: %w", err)
	}
	if err := auth.CheckCreateIsFirst(event, alreadyHasEvents); err != nil {
		return "", fmt.Errorf("conform: %w", err)
	}

	// A rejected federation event is stored (rejected, head untouched)
	// so its id stays resolvable; a rejected locally-authored event is
	// reported to the caller with nothing written at all.
	local := input.SendAsServer != ""

	isRejected := false
	if event.Type() != "m.room.create" {
		lookup, lerr := r.declaredLookup(ctx, input.AuthEventIDs)
		if lerr != nil {
			return "", fmt.Errorf("fetch dependencies: %w", lerr)
		}
		if aerr := r.checkAuth(ctx, lookup, event, roomInfo.Creator); aerr != nil {
			if local {
				return "", fmt.Errorf("auth: %w: %v", api.ErrAccessDenied, aerr)
			}
			isRejected = true
			logrus.WithError(aerr).WithField("event_id", event.EventID()).Debug("roomserver: rejected on declared auth")
		}
	}

	softfail := false
	if !isRejected && input.Kind == api.KindNew && event.Type() != "m.room.create" {
		q := r.State.OpenByNID(roomInfo.RoomNID)
		if aerr := r.checkAuth(ctx, r.currentLookup(ctx, q), event, roomInfo.Creator); aerr != nil {
			if local {
				return "", fmt.Errorf("auth: %w: %v", api.ErrAccessDenied, aerr)
			}
			softfail = true
			logrus.WithError(aerr).WithField("event_id", event.EventID()).Debug("roomserver: soft-failed on current auth")
		}
	}

	// The state snapshot before the event is computed ahead of the
	// commit transaction: it only reads events that already exist, and
	// an orphaned snapshot row is harmless if the commit never lands.
	var snapNID types.StateSnapshotNID
	if !isRejected && input.Kind != api.KindOutlier {
		var serr error
		snapNID, serr = r.State.CalculateAndStoreStateBeforeEvent(ctx, roomInfo.RoomNID, event)
		if serr != nil {
			if input.Kind != api.KindOld {
				return "", fmt.Errorf("commit: calculate state: %w", serr)
			}
			snapNID = 0
		}
	}

	redactionEvent, redactedEventID, err := r.commitRoomEvent(ctx, input, event, roomInfo, authEventNIDs, isRejected, softfail, snapNID)
	if err != nil {
		return "", err
	}

	if input.Kind == api.KindOutlier {
		logrus.WithFields(logrus.Fields{"event_id": event.EventID(), "room_id": event.RoomID()}).Debug("roomserver: stored outlier")
		return event.EventID(), nil
	}
	if isRejected || softfail {
		logrus.WithFields(logrus.Fields{
			"event_id":  event.EventID(),
			"room_id":   event.RoomID(),
			"rejected":  isRejected,
			"soft_fail": softfail,
		}).Debug("roomserver: stored without advancing head")
		return event.EventID(), nil
	}

	r.fireEffectHooks(ctx, input, headered, event, roomInfo, redactionEvent, redactedEventID)

	if input.Options.InfologAccept {
		logrus.WithFields(logrus.Fields{"event_id": event.EventID(), "room_id": event.RoomID(), "type": event.Type()}).Info("roomserver: accepted event")
	}
	return event.EventID(), nil
}

// roomHasEvents reports whether roomNID already has at least one
// committed event, used by CheckCreateIsFirst to detect a second
// m.room.create.
func (r *Inputer) roomHasEvents(ctx context.Context, roomNID types.RoomNID) (bool, error) {
	existing, err := r.DB.RoomEventsByDepth(ctx, roomNID, math.MaxInt64, 1)
	if err != nil {
		return false, err
	}
	return len(existing) > 0, nil
}

// resolveAuthEvents maps authEventIDs to NIDs, fetching any unknown
// ones through r.Fetcher and storing them as
// outliers before returning.
func (r *Inputer) resolveAuthEvents(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, event *gomatrixserverlib.Event, authEventIDs []string) ([]types.EventNID, error) {
	if len(authEventIDs) == 0 {
		return nil, nil
	}
	known, err := r.DB.EventNIDs(ctx, authEventIDs)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range authEventIDs {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		if r.Fetcher == nil {
			return nil, fmt.Errorf("missing auth events %v and no federation fetcher configured", missing)
		}
		// Network fetch: a suspension point, so observe interruption
		// first and bound the request by the configured fetch timeout.
		if err := task.Current(ctx).Check(); err != nil {
			return nil, err
		}
		fctx := ctx
		if r.Cfg != nil {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, r.Cfg.FetchTimeout())
			defer cancel()
		}
		fetched, ferr := r.Fetcher.EventAuth(fctx, roomVersion, event.RoomID(), event.EventID())
		if ferr != nil {
			return nil, ferr
		}
		for _, fe := range fetched {
			if _, _, _, _, _, serr := r.DB.StoreEvent(ctx, fe, nil, false); serr != nil {
				return nil, serr
			}
		}
		if known, err = r.DB.EventNIDs(ctx, authEventIDs); err != nil {
			return nil, err
		}
	}
	nids := make([]types.EventNID, 0, len(authEventIDs))
	for _, id := range authEventIDs {
		nid, ok := known[id]
		if !ok {
			return nil, fmt.Errorf("missing auth event NID for %s after fetch", id)
		}
		nids = append(nids, nid)
	}
	return nids, nil
}

// declaredLookup builds an eventLookup over exactly the events listed
// in authEventIDs: the event must be authorized by the state it
// itself declares.
func (r *Inputer) declaredLookup(ctx context.Context, authEventIDs []string) (eventLookup, error) {
	if len(authEventIDs) == 0 {
		return func(string, string) (*gomatrixserverlib.Event, bool, error) { return nil, false, nil }, nil
	}
	events, err := r.DB.EventsFromIDs(ctx, authEventIDs)
	if err != nil {
		return nil, err
	}
	byKey := make(map[types.StateKeyTuple]*gomatrixserverlib.Event, len(events))
	for _, e := range events {
		if types.IsStateEvent(e) {
			byKey[types.StateKeyTuple{EventType: e.Type(), StateKey: *e.StateKey()}] = e
		}
	}
	return func(eventType, stateKey string) (*gomatrixserverlib.Event, bool, error) {
		e, ok := byKey[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
		return e, ok, nil
	}, nil
}

// currentLookup builds an eventLookup over a live (or historical,
// when q is anchored) state.Query.
func (r *Inputer) currentLookup(ctx context.Context, q *state.Query) eventLookup {
	return func(eventType, stateKey string) (*gomatrixserverlib.Event, bool, error) {
		nid, err := q.Get(ctx, eventType, stateKey)
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		idMap, err := r.DB.EventIDsFromNIDs(ctx, []types.EventNID{nid})
		if err != nil {
			return nil, false, err
		}
		events, err := r.DB.EventsFromIDs(ctx, []string{idMap[nid]})
		if err != nil {
			return nil, false, err
		}
		if len(events) != 1 {
			return nil, false, nil
		}
		return events[0], true, nil
	}
}

// checkAuth runs the authorization rule body (create-first is handled by
// the caller) against whichever state view lookup exposes: join rule
// and power levels come from that view's m.room.join_rules/
// m.room.power_levels, defaulting per auth.DefaultPowerLevels and the
// spec's "invite" join-rule default when neither is present.
func (r *Inputer) checkAuth(ctx context.Context, lookup eventLookup, event *gomatrixserverlib.Event, roomCreator string) error {
	if event.Type() == "m.room.create" {
		return nil
	}

	joinRule := "invite"
	if jrEvent, ok, err := lookup("m.room.join_rules", ""); err != nil {
		return err
	} else if ok {
		var c struct {
			JoinRule string `json:"join_rule"`
		}
		if err := json.Unmarshal(jrEvent.Content(), &c); err == nil && c.JoinRule != "" {
			joinRule = c.JoinRule
		}
	}

	pl := auth.DefaultPowerLevels(roomCreator)
	if plEvent, ok, err := lookup("m.room.power_levels", ""); err != nil {
		return err
	} else if ok {
		parsed, perr := auth.NewPowerLevels(plEvent.Content(), roomCreator)
		if perr != nil {
			return perr
		}
		pl = parsed
	}

	switch event.Type() {
	case "m.room.member":
		target := ""
		if event.StateKey() != nil {
			target = *event.StateKey()
		}
		var content struct {
			Membership string `json:"membership"`
		}
		if err := json.Unmarshal(event.Content(), &content); err != nil {
			return fmt.Errorf("malformed m.room.member content: %w", err)
		}
		prevMembership := ""
		if memberEvent, ok, err := lookup("m.room.member", target); err != nil {
			return err
		} else if ok {
			var pc struct {
				Membership string `json:"membership"`
			}
			if err := json.Unmarshal(memberEvent.Content(), &pc); err == nil {
				prevMembership = pc.Membership
			}
		}
		// The room creator's first join: allowed regardless of join
		// rule when the event's only parent is the m.room.create and
		// the joiner is the creator.
		if content.Membership == auth.MembershipJoin && event.Sender() == target {
			if prevIDs := event.PrevEventIDs(); len(prevIDs) == 1 {
				if createEvent, ok, err := lookup("m.room.create", ""); err != nil {
					return err
				} else if ok && prevIDs[0] == createEvent.EventID() && createEvent.Sender() == target {
					return nil
				}
			}
		}
		return auth.CheckMembershipTransition(pl, joinRule, event.Sender(), target, prevMembership, content.Membership)

	case "m.room.redaction":
		target := event.Redacts()
		if target == "" {
			return nil
		}
		targets, err := r.DB.EventsFromIDs(ctx, []string{target})
		if err != nil {
			return err
		}
		if len(targets) != 1 {
			// Target not known yet; authority is enforced once both
			// sides exist.
			return nil
		}
		return auth.CheckRedaction(pl, event.Sender(), targets[0].Sender())

	default:
		if event.StateKey() != nil {
			return auth.CheckStateChange(pl, event.Sender(), event)
		}
		return auth.CheckMessage(pl, event.Sender(), event)
	}
}

// commitRoomEvent lands the event's whole derived write-set — event
// fields, DAG edges, state columns, membership fast path, head update
// — in one store transaction, so a crash mid-ingest never leaves a
// partially written event behind.
func (r *Inputer) commitRoomEvent(ctx context.Context, input *api.InputRoomEvent, event *gomatrixserverlib.Event, roomInfo *types.RoomInfo, authEventNIDs []types.EventNID, isRejected, softfail bool, snapNID types.StateSnapshotNID) (redactionEvent *gomatrixserverlib.Event, redactedEventID string, err error) {
	updater, err := r.DB.GetRoomUpdater(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("commit: %w", err)
	}
	succeeded := false
	defer sqlutil.EndTransactionWithCheck(updater, &succeeded, &err)

	nid, stateAtEvent, redactionEvent, redactedEventID, _, err := updater.StoreEvent(ctx, event, authEventNIDs, isRejected)
	if err != nil {
		err = fmt.Errorf("commit: %w", err)
		return
	}

	if input.Kind == api.KindOutlier {
		succeeded = true
		return
	}

	if !isRejected && snapNID != 0 && stateAtEvent.BeforeStateSnapshotNID == 0 {
		if err = updater.SetState(ctx, nid, snapNID); err != nil {
			err = fmt.Errorf("commit: set state: %w", err)
			return
		}
	}

	if isRejected || softfail {
		succeeded = true
		return
	}

	if input.Kind == api.KindNew {
		if err = r.DAG.OnEventWritten(ctx, updater, roomInfo.RoomNID, nid, event.EventID(), event); err != nil {
			err = fmt.Errorf("commit: dag: %w", err)
			return
		}
		if event.Type() == "m.room.member" {
			if err = r.updateMembershipFastPath(ctx, updater, roomInfo.RoomNID, event, nid); err != nil {
				err = fmt.Errorf("commit: membership: %w", err)
				return
			}
		}
	}

	succeeded = true
	return
}

// updateMembershipFastPath maintains roomserver_room_joined inline,
// on the same transaction as the membership commit, rather than as a
// separate reconciliation pass.
func (r *Inputer) updateMembershipFastPath(ctx context.Context, updater storage.RoomUpdater, roomNID types.RoomNID, event *gomatrixserverlib.Event, eventNID types.EventNID) error {
	target := ""
	if event.StateKey() != nil {
		target = *event.StateKey()
	}
	if target == "" {
		return nil
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		return err
	}
	return updater.UpdateMembership(ctx, roomNID, serverNameFromUserID(target), target, content.Membership, eventNID)
}

func serverNameFromUserID(userID string) gomatrixserverlib.ServerName {
	idx := strings.IndexByte(userID, ':')
	if idx < 0 {
		return ""
	}
	return gomatrixserverlib.ServerName(userID[idx+1:])
}

// fireEffectHooks builds and delivers the post-commit output events:
// best-effort, unable to veto.
func (r *Inputer) fireEffectHooks(ctx context.Context, input *api.InputRoomEvent, headered *gomatrixserverlib.HeaderedEvent, event *gomatrixserverlib.Event, roomInfo *types.RoomInfo, redactionEvent *gomatrixserverlib.Event, redactedEventID string) {
	var outputs []api.OutputEvent

	switch input.Kind {
	case api.KindNew:
		var latest []string
		if heads, err := r.DB.Heads(ctx, roomInfo.RoomNID); err == nil {
			for id := range heads {
				latest = append(latest, id)
			}
		}
		out := api.OutputNewRoomEvent{
			Event:          *headered,
			LatestEventIDs: latest,
			SendAsServer:   input.SendAsServer,
			TransactionID:  input.TransactionID,
		}
		if types.IsStateEvent(event) {
			out.AddsStateEventIDs = []string{event.EventID()}
		}
		outputs = append(outputs, api.OutputEvent{Type: api.OutputTypeNewRoomEvent, NewRoomEvent: &out})
	case api.KindOld:
		outputs = append(outputs, api.OutputEvent{
			Type:         api.OutputTypeOldRoomEvent,
			OldRoomEvent: &api.OutputOldRoomEvent{Event: *headered},
		})
	}

	if event.Type() == "m.room.member" {
		if out := membershipOutputEvent(headered, event); out != nil {
			outputs = append(outputs, *out)
		}
	}

	if redactedEventID != "" && redactionEvent != nil {
		outputs = append(outputs, api.OutputEvent{
			Type: api.OutputTypeRedactedEvent,
			RedactedEvent: &api.OutputRedactedEvent{
				RedactedEventID: redactedEventID,
				RedactedBecause: *redactionEvent.Headered(headered.RoomVersion),
			},
		})
	}

	r.writeOutputEvents(ctx, event.RoomID(), outputs)
}

// membershipOutputEvent reports a new or retired invite. Nothing in
// the roomserver records which invite a join/leave/ban retires, so
// OutputRetireInviteEvent.EventID is left blank; a consumer has only
// this event's own id to go on.
func membershipOutputEvent(headered *gomatrixserverlib.HeaderedEvent, event *gomatrixserverlib.Event) *api.OutputEvent {
	target := ""
	if event.StateKey() != nil {
		target = *event.StateKey()
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		return nil
	}
	switch content.Membership {
	case auth.MembershipInvite:
		return &api.OutputEvent{
			Type: api.OutputTypeNewInviteEvent,
			NewInviteEvent: &api.OutputNewInviteEvent{
				RoomVersion: headered.RoomVersion,
				Event:       *headered,
			},
		}
	case auth.MembershipJoin, auth.MembershipLeave, auth.MembershipBan:
		return &api.OutputEvent{
			Type: api.OutputTypeRetireInviteEvent,
			RetireInviteEvent: &api.OutputRetireInviteEvent{
				TargetUserID:     target,
				RetiredByEventID: event.EventID(),
				Membership:       content.Membership,
			},
		}
	default:
		return nil
	}
}
