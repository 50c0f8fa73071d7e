// Package auth implements the roomserver's authorization engine:
// the power-levels view, membership transition table, and the
// static/declared/current checks the event pipeline applies at each
// of its three checkpoints.
package auth

import "encoding/json"

// Spec defaults: the creator level, the level gating privileged
// actions (ban/kick/redact/state), and the default event/user levels.
const (
	DefaultCreatorLevel = int64(100)
	DefaultPowerLevel   = int64(50)
	DefaultEventLevel   = int64(0)
	DefaultUserLevel    = int64(0)
)

// PowerLevels is a read-only view over a room's m.room.power_levels
// content, always returning spec-defaulted results even when no such
// event exists yet.
type PowerLevels struct {
	Ban, Kick, Invite, Redact   int64
	StateDefault, EventsDefault int64
	UsersDefault                int64
	Users                       map[string]int64
	Events                      map[string]int64

	hasEvent  bool
	creatorID string
}

// DefaultPowerLevels is the view used before any m.room.power_levels
// event has been sent: every level falls back to its spec default,
// and the room creator (if known) is granted DefaultCreatorLevel.
func DefaultPowerLevels(creatorID string) *PowerLevels {
	return &PowerLevels{
		Ban:           DefaultPowerLevel,
		Kick:          DefaultPowerLevel,
		Invite:        DefaultPowerLevel,
		Redact:        DefaultPowerLevel,
		StateDefault:  DefaultPowerLevel,
		EventsDefault: DefaultEventLevel,
		UsersDefault:  DefaultUserLevel,
		creatorID:     creatorID,
	}
}

type powerLevelsContent struct {
	Ban           *int64           `json:"ban"`
	Kick          *int64           `json:"kick"`
	Invite        *int64           `json:"invite"`
	Redact        *int64           `json:"redact"`
	StateDefault  *int64           `json:"state_default"`
	EventsDefault *int64           `json:"events_default"`
	UsersDefault  *int64           `json:"users_default"`
	Users         map[string]int64 `json:"users"`
	Events        map[string]int64 `json:"events"`
}

// NewPowerLevels parses a m.room.power_levels event's content,
// supplementing any field the event omits with its spec default so
// the view always returns a usable level.
func NewPowerLevels(content []byte, creatorID string) (*PowerLevels, error) {
	var raw powerLevelsContent
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, err
	}
	pl := DefaultPowerLevels(creatorID)
	pl.hasEvent = true
	if raw.Ban != nil {
		pl.Ban = *raw.Ban
	}
	if raw.Kick != nil {
		pl.Kick = *raw.Kick
	}
	if raw.Invite != nil {
		pl.Invite = *raw.Invite
	}
	if raw.Redact != nil {
		pl.Redact = *raw.Redact
	}
	if raw.StateDefault != nil {
		pl.StateDefault = *raw.StateDefault
	}
	if raw.EventsDefault != nil {
		pl.EventsDefault = *raw.EventsDefault
	}
	if raw.UsersDefault != nil {
		pl.UsersDefault = *raw.UsersDefault
	}
	pl.Users = raw.Users
	pl.Events = raw.Events
	return pl, nil
}

// LevelUser returns userID's effective power level. If no
// power_levels event exists yet, the room creator gets
// DefaultCreatorLevel rather than UsersDefault — creator privilege
// is only implicit before the first power_levels event.
func (p *PowerLevels) LevelUser(userID string) int64 {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	if !p.hasEvent && userID != "" && userID == p.creatorID {
		return DefaultCreatorLevel
	}
	return p.UsersDefault
}

// LevelEvent returns the level required to send an event of type
// eventType. A nil stateKey means "as if this were a message event"
// (EventsDefault fallback); a non-nil one, even an empty string,
// means a state event (StateDefault fallback). The nil/empty
// distinction matters: a missing state_key is not the same as the
// common state_key="" case.
func (p *PowerLevels) LevelEvent(eventType string, stateKey *string) int64 {
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	if stateKey == nil {
		return p.EventsDefault
	}
	return p.StateDefault
}

// Level returns the level required for a named collection property
// ("ban", "kick", "invite", "redact").
func (p *PowerLevels) Level(prop string) int64 {
	switch prop {
	case "ban":
		return p.Ban
	case "kick":
		return p.Kick
	case "invite":
		return p.Invite
	case "redact":
		return p.Redact
	default:
		return DefaultPowerLevel
	}
}

func (p *PowerLevels) HasUser(userID string) bool {
	_, ok := p.Users[userID]
	return ok
}

func (p *PowerLevels) HasEvent(eventType string) bool {
	_, ok := p.Events[eventType]
	return ok
}

// Allow is the general-purpose permission query: an empty or
// "events" prop checks LevelEvent(type, stateKey); any other prop
// (ban/kick/invite/redact) checks Level(prop).
func (p *PowerLevels) Allow(userID, prop, eventType string, stateKey *string) bool {
	required := p.Level(prop)
	if prop == "" || prop == "events" {
		required = p.LevelEvent(eventType, stateKey)
	}
	return p.LevelUser(userID) >= required
}
