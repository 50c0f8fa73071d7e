package auth

import "fmt"

// Membership values the client-server spec defines for m.room.member.
const (
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// CheckMembershipTransition validates a single m.room.member event's
// (prev_membership, new_membership, actor) triple against the room's
// power levels and join rule.
func CheckMembershipTransition(pl *PowerLevels, joinRule, senderID, targetID, prevMembership, newMembership string) error {
	senderIsTarget := senderID == targetID
	switch newMembership {
	case MembershipJoin:
		return checkJoin(pl, joinRule, senderIsTarget, senderID, targetID, prevMembership)
	case MembershipInvite:
		return checkInvite(pl, senderIsTarget, senderID, prevMembership)
	case MembershipLeave:
		return checkLeave(pl, senderIsTarget, senderID, targetID, prevMembership)
	case MembershipBan:
		return checkBanOrKickActor(pl, "ban", senderID, targetID)
	case MembershipKnock:
		return checkKnock(senderIsTarget, senderID, targetID, joinRule)
	default:
		return fmt.Errorf("auth: unknown membership %q", newMembership)
	}
}

func checkJoin(pl *PowerLevels, joinRule string, senderIsTarget bool, senderID, targetID, prevMembership string) error {
	if !senderIsTarget {
		return fmt.Errorf("auth: %s cannot join on behalf of %s", senderID, targetID)
	}
	switch prevMembership {
	case MembershipJoin:
		return nil // idempotent profile update
	case MembershipInvite:
		return nil // accepting an invite is always allowed
	case "", MembershipLeave:
		switch joinRule {
		case "public":
			return nil
		case "invite", "knock":
			return fmt.Errorf("auth: join rule %q requires a prior invite", joinRule)
		default:
			return fmt.Errorf("auth: join rule %q forbids direct join", joinRule)
		}
	default:
		return fmt.Errorf("auth: cannot join from membership %q", prevMembership)
	}
}

func checkInvite(pl *PowerLevels, senderIsTarget bool, senderID, prevMembership string) error {
	if senderIsTarget {
		return fmt.Errorf("auth: %s cannot invite themselves", senderID)
	}
	if prevMembership == MembershipJoin || prevMembership == MembershipBan {
		return fmt.Errorf("auth: cannot invite a member with membership %q", prevMembership)
	}
	if pl.LevelUser(senderID) < pl.Level("invite") {
		return fmt.Errorf("auth: %s lacks invite power", senderID)
	}
	return nil
}

func checkLeave(pl *PowerLevels, senderIsTarget bool, senderID, targetID, prevMembership string) error {
	if senderIsTarget {
		if prevMembership == MembershipBan {
			return fmt.Errorf("auth: banned users cannot leave, they must be unbanned")
		}
		return nil
	}
	return checkBanOrKickActor(pl, "kick", senderID, targetID)
}

func checkBanOrKickActor(pl *PowerLevels, prop, senderID, targetID string) error {
	if pl.LevelUser(senderID) < pl.Level(prop) {
		return fmt.Errorf("auth: %s lacks %s power", senderID, prop)
	}
	if pl.LevelUser(senderID) <= pl.LevelUser(targetID) {
		return fmt.Errorf("auth: %s cannot %s a user of equal or greater power", senderID, prop)
	}
	return nil
}

func checkKnock(senderIsTarget bool, senderID, targetID, joinRule string) error {
	if !senderIsTarget {
		return fmt.Errorf("auth: %s cannot knock on behalf of %s", senderID, targetID)
	}
	if joinRule != "knock" {
		return fmt.Errorf("auth: join rule %q does not permit knocking", joinRule)
	}
	return nil
}
