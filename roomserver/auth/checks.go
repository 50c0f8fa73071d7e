package auth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
)

// maxEventSize caps a single event's canonical JSON, matching the
// client-server spec's PDU size limit.
const maxEventSize = 65536

// CheckStatic performs the self-contained checks that need no state:
// field-size limits and a well-formed sender. Hash and signature validity and id conformance
// are gomatrixserverlib's job — canonicalization is an
// assumed-available collaborator, and gomatrixserverlib is that
// collaborator in this stack.
func CheckStatic(event *gomatrixserverlib.Event) error {
	if len(event.JSON()) > maxEventSize {
		return fmt.Errorf("auth: event %s exceeds max size of %d bytes", event.EventID(), maxEventSize)
	}
	if senderOrigin(event.Sender()) == "" {
		return fmt.Errorf("auth: event %s has malformed sender %q", event.EventID(), event.Sender())
	}
	return nil
}

func senderOrigin(userID string) string {
	idx := strings.IndexByte(userID, ':')
	if idx < 0 {
		return ""
	}
	return userID[idx+1:]
}

// CheckCreateIsFirst enforces that m.room.create appears only as the
// first event in a room.
func CheckCreateIsFirst(event *gomatrixserverlib.Event, roomAlreadyHasEvents bool) error {
	if event.Type() != "m.room.create" {
		return nil
	}
	if len(event.PrevEventIDs()) != 0 || roomAlreadyHasEvents {
		return fmt.Errorf("auth: m.room.create must be the first event in the room")
	}
	return nil
}

// CheckRedaction enforces the redaction rule: the sender
// must either be the target event's own sender or hold redact power.
func CheckRedaction(pl *PowerLevels, senderID, targetSenderID string) error {
	if senderID == targetSenderID {
		return nil
	}
	if pl.LevelUser(senderID) >= pl.Level("redact") {
		return nil
	}
	return fmt.Errorf("auth: %s lacks power to redact an event sent by %s", senderID, targetSenderID)
}

// CheckStateChange enforces the power-level gate for state events
// other than m.room.member (membership has its own transition table
// in CheckMembershipTransition).
func CheckStateChange(pl *PowerLevels, senderID string, event *gomatrixserverlib.Event) error {
	required := pl.LevelEvent(event.Type(), event.StateKey())
	if have := pl.LevelUser(senderID); have < required {
		return fmt.Errorf("auth: %s lacks power to send state event %q (needs %d, has %d)", senderID, event.Type(), required, have)
	}
	return nil
}

// CheckMessage enforces the power-level gate for non-state events.
func CheckMessage(pl *PowerLevels, senderID string, event *gomatrixserverlib.Event) error {
	required := pl.LevelEvent(event.Type(), nil)
	if have := pl.LevelUser(senderID); have < required {
		return fmt.Errorf("auth: %s lacks power to send event %q (needs %d, has %d)", senderID, event.Type(), required, have)
	}
	return nil
}

// CheckEvent dispatches event to the right check given its type: the
// membership transition table for m.room.member, the redaction rule
// for m.room.redaction, or the general power-level gate otherwise.
// Callers are responsible for the three-point checkpoint structure
// (static / declared-state / current-state) — this
// function is the per-checkpoint rule body, run once against whatever
// state view (declared or current) the caller is checking.
func CheckEvent(pl *PowerLevels, joinRule, targetSenderID string, event *gomatrixserverlib.Event) error {
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
			return fmt.Errorf("auth: malformed m.room.member content: %w", err)
		}
		return CheckMembershipTransition(pl, joinRule, event.Sender(), target, prevMembershipUnknown, content.Membership)
	case "m.room.redaction":
		return CheckRedaction(pl, event.Sender(), targetSenderID)
	default:
		if event.StateKey() != nil {
			return CheckStateChange(pl, event.Sender(), event)
		}
		return CheckMessage(pl, event.Sender(), event)
	}
}

// prevMembershipUnknown is what CheckEvent passes as the target's
// previous membership, since CheckEvent does not look it up.
// roomserver/input resolves the real previous membership and calls
// CheckMembershipTransition directly rather than going through
// CheckEvent.
const prevMembershipUnknown = ""
