package auth

import "github.com/matrix-org/gomatrixserverlib"

// RoomVersionRules is the subset of a room version's auth behavior
// that varies between versions and that this package needs to know
// about; everything else (event ID format, redaction algorithm,
// canonical JSON) is gomatrixserverlib's concern.
type RoomVersionRules struct {
	// EnforceIntegerPowerLevels rejects power_levels fields that
	// parse as a non-integer JSON number (room versions from v10
	// onward; earlier versions tolerate strings and floats).
	EnforceIntegerPowerLevels bool
	// KnockingAllowed reports whether the knock join rule and the
	// knock membership are valid in this room version.
	KnockingAllowed bool
	// RestrictedJoinAllowed reports whether the restricted join rule
	// (join_authorised_via_users_server) is valid in this room version.
	RestrictedJoinAllowed bool
}

// KnownRoomVersions maps each room version this server understands to
// its auth-rule variance, so no caller hardcodes a single version's
// rules.
var KnownRoomVersions = map[gomatrixserverlib.RoomVersion]RoomVersionRules{
	"1": {},
	"2": {},
	"3": {},
	"4": {},
	"5": {},
	"6": {},
	"7": {
		KnockingAllowed: true,
	},
	"8": {
		KnockingAllowed:       true,
		RestrictedJoinAllowed: true,
	},
	"9": {
		KnockingAllowed:           true,
		RestrictedJoinAllowed:     true,
	},
	"10": {
		EnforceIntegerPowerLevels: true,
		KnockingAllowed:           true,
		RestrictedJoinAllowed:     true,
	},
}

// RulesForVersion returns the auth-rule variance for version,
// defaulting to the most conservative (v1) rule set for an unknown
// version rather than failing: callers that care whether a version is
// actually supported should check IsKnownRoomVersion first.
func RulesForVersion(version gomatrixserverlib.RoomVersion) RoomVersionRules {
	if rules, ok := KnownRoomVersions[version]; ok {
		return rules
	}
	return RoomVersionRules{}
}

// IsKnownRoomVersion reports whether version is one this server can
// authorize events for.
func IsKnownRoomVersion(version gomatrixserverlib.RoomVersion) bool {
	_, ok := KnownRoomVersions[version]
	return ok
}
