package auth

import (
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoomVersion = gomatrixserverlib.RoomVersionV1

func buildEvent(t *testing.T, evType string, stateKey *string, content, sender, prevEventID string) *gomatrixserverlib.Event {
	t.Helper()
	prevEvents := "[]"
	if prevEventID != "" {
		prevEvents = fmt.Sprintf(`[["%s",{}]]`, prevEventID)
	}
	stateKeyJSON := "null"
	if stateKey != nil {
		stateKeyJSON = fmt.Sprintf("%q", *stateKey)
	}
	if content == "" {
		content = "{}"
	}
	eventJSON := fmt.Sprintf(`{
		"event_id":"$ev:test",
		"room_id":"!room:test",
		"sender":%q,
		"type":%q,
		"state_key":%s,
		"content":%s,
		"prev_events":%s,
		"auth_events":[],
		"depth":1,
		"origin_server_ts":1000000
	}`, sender, evType, stateKeyJSON, content, prevEvents)

	ev, err := gomatrixserverlib.NewEventFromTrustedJSON([]byte(eventJSON), false, testRoomVersion)
	require.NoError(t, err)
	return &ev
}

func strPtr(s string) *string { return &s }

func TestDefaultPowerLevels(t *testing.T) {
	pl := DefaultPowerLevels("@creator:test")
	assert.Equal(t, DefaultCreatorLevel, pl.LevelUser("@creator:test"), "creator gets implicit 100 before any power_levels event")
	assert.Equal(t, DefaultUserLevel, pl.LevelUser("@rando:test"))
	assert.Equal(t, DefaultEventLevel, pl.LevelEvent("m.room.message", nil))
	assert.Equal(t, DefaultPowerLevel, pl.LevelEvent("m.room.topic", strPtr("")))
	assert.Equal(t, DefaultPowerLevel, pl.Level("ban"))
}

func TestNewPowerLevelsOverrides(t *testing.T) {
	content := []byte(`{
		"ban": 60,
		"events_default": 10,
		"state_default": 70,
		"users": {"@alice:test": 100, "@bob:test": 0},
		"events": {"m.room.name": 40}
	}`)
	pl, err := NewPowerLevels(content, "@creator:test")
	require.NoError(t, err)

	assert.Equal(t, int64(60), pl.Ban)
	assert.Equal(t, int64(100), pl.LevelUser("@alice:test"))
	assert.Equal(t, int64(0), pl.LevelUser("@bob:test"))
	// Once a power_levels event exists, the creator no longer gets an
	// implicit level — they fall back to users_default like anyone else.
	assert.Equal(t, DefaultUserLevel, pl.LevelUser("@creator:test"))

	assert.Equal(t, int64(40), pl.LevelEvent("m.room.name", strPtr("")), "per-type override wins over state_default")
	assert.Equal(t, int64(70), pl.LevelEvent("m.room.topic", strPtr("")), "unlisted state event falls back to state_default")
	assert.Equal(t, int64(10), pl.LevelEvent("m.room.message", nil), "unlisted message event falls back to events_default")

	assert.True(t, pl.HasUser("@alice:test"))
	assert.False(t, pl.HasUser("@carol:test"))
	assert.True(t, pl.HasEvent("m.room.name"))
	assert.False(t, pl.HasEvent("m.room.topic"))
}

func TestPowerLevelsAllow(t *testing.T) {
	pl := DefaultPowerLevels("@creator:test")
	assert.True(t, pl.Allow("@creator:test", "", "m.room.message", nil), "creator can send messages before any power_levels event")
	assert.False(t, pl.Allow("@rando:test", "", "m.room.topic", strPtr("")), "ordinary user cannot send state at the default state_default of 50")
	assert.True(t, pl.Allow("@creator:test", "ban", "", nil))
}

func TestCheckMembershipTransitionJoin(t *testing.T) {
	pl := DefaultPowerLevels("@creator:test")

	require.NoError(t, CheckMembershipTransition(pl, "public", "@alice:test", "@alice:test", "", MembershipJoin))
	require.Error(t, CheckMembershipTransition(pl, "invite", "@alice:test", "@alice:test", "", MembershipJoin), "invite-only room forbids a direct join")
	require.NoError(t, CheckMembershipTransition(pl, "invite", "@alice:test", "@alice:test", MembershipInvite, MembershipJoin), "accepting an invite is always allowed")
	require.Error(t, CheckMembershipTransition(pl, "public", "@alice:test", "@bob:test", "", MembershipJoin), "a user cannot join on someone else's behalf")
	require.NoError(t, CheckMembershipTransition(pl, "public", "@alice:test", "@alice:test", MembershipJoin, MembershipJoin), "re-joining while already joined is an idempotent profile update")
}

func TestCheckMembershipTransitionInvite(t *testing.T) {
	pl := DefaultPowerLevels("@creator:test")
	require.NoError(t, CheckMembershipTransition(pl, "public", "@creator:test", "@bob:test", "", MembershipInvite))
	require.Error(t, CheckMembershipTransition(pl, "public", "@alice:test", "@alice:test", "", MembershipInvite), "cannot invite yourself")

	low, err := NewPowerLevels([]byte(`{"invite": 100}`), "@creator:test")
	require.NoError(t, err)
	require.Error(t, CheckMembershipTransition(low, "public", "@alice:test", "@bob:test", "", MembershipInvite), "insufficient invite power")
}

func TestCheckMembershipTransitionLeaveBanKick(t *testing.T) {
	pl := DefaultPowerLevels("@creator:test")

	require.NoError(t, CheckMembershipTransition(pl, "public", "@alice:test", "@alice:test", MembershipJoin, MembershipLeave), "a joined user can always leave")
	require.Error(t, CheckMembershipTransition(pl, "public", "@alice:test", "@alice:test", MembershipBan, MembershipLeave), "a banned user must be unbanned, not leave")

	require.NoError(t, CheckMembershipTransition(pl, "public", "@creator:test", "@bob:test", MembershipJoin, MembershipLeave), "creator can kick bob before any power_levels event")
	require.Error(t, CheckMembershipTransition(pl, "public", "@bob:test", "@creator:test", MembershipJoin, MembershipLeave), "bob cannot kick the creator")

	require.NoError(t, CheckMembershipTransition(pl, "public", "@creator:test", "@bob:test", MembershipJoin, MembershipBan))
}

func TestCheckMembershipTransitionKnock(t *testing.T) {
	require.NoError(t, CheckMembershipTransition(nil, "knock", "@alice:test", "@alice:test", "", MembershipKnock))
	require.Error(t, CheckMembershipTransition(nil, "invite", "@alice:test", "@alice:test", "", MembershipKnock), "join rule must permit knocking")
	require.Error(t, CheckMembershipTransition(nil, "knock", "@alice:test", "@bob:test", "", MembershipKnock), "cannot knock on someone else's behalf")
}

func TestCheckStatic(t *testing.T) {
	ok := buildEvent(t, "m.room.message", nil, `{"body":"hi"}`, "@alice:test", "")
	require.NoError(t, CheckStatic(ok))

	bad := buildEvent(t, "m.room.message", nil, `{"body":"hi"}`, "alice-no-colon", "")
	require.Error(t, CheckStatic(bad))
}

func TestCheckCreateIsFirst(t *testing.T) {
	create := buildEvent(t, "m.room.create", strPtr(""), `{}`, "@alice:test", "")
	require.NoError(t, CheckCreateIsFirst(create, false))
	require.Error(t, CheckCreateIsFirst(create, true), "a second create event in a non-empty room is forbidden")

	notCreate := buildEvent(t, "m.room.message", nil, `{}`, "@alice:test", "$prev:test")
	require.NoError(t, CheckCreateIsFirst(notCreate, true))
}

func TestCheckRedaction(t *testing.T) {
	pl := DefaultPowerLevels("@creator:test")
	require.NoError(t, CheckRedaction(pl, "@alice:test", "@alice:test"), "a user can redact their own event")
	require.Error(t, CheckRedaction(pl, "@alice:test", "@bob:test"), "an ordinary user lacks redact power over someone else's event")
	require.NoError(t, CheckRedaction(pl, "@creator:test", "@bob:test"), "the creator has implicit redact power before any power_levels event")
}

func TestCheckStateChangeAndMessage(t *testing.T) {
	pl := DefaultPowerLevels("@creator:test")
	nameEvent := buildEvent(t, "m.room.name", strPtr(""), `{"name":"x"}`, "@alice:test", "$prev:test")
	require.Error(t, CheckStateChange(pl, "@alice:test", nameEvent), "ordinary user lacks state_default power of 50")
	require.NoError(t, CheckStateChange(pl, "@creator:test", nameEvent))

	msgEvent := buildEvent(t, "m.room.message", nil, `{"body":"hi"}`, "@alice:test", "$prev:test")
	require.NoError(t, CheckMessage(pl, "@alice:test", msgEvent), "events_default is 0, so any user can message")
}

func TestRulesForVersion(t *testing.T) {
	assert.True(t, IsKnownRoomVersion(gomatrixserverlib.RoomVersionV1))
	assert.False(t, IsKnownRoomVersion(gomatrixserverlib.RoomVersion("unknown-version")))

	v1 := RulesForVersion(gomatrixserverlib.RoomVersionV1)
	assert.False(t, v1.KnockingAllowed)

	v7 := RulesForVersion("7")
	assert.True(t, v7.KnockingAllowed)
	assert.False(t, v7.RestrictedJoinAllowed)
}
