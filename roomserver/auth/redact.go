package auth

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// essentialEventKeys are the top-level fields a redaction leaves
// behind. Everything else — including unsigned — is stripped when the
// event is served.
var essentialEventKeys = []string{
	"event_id",
	"type",
	"room_id",
	"sender",
	"state_key",
	"hashes",
	"signatures",
	"depth",
	"prev_events",
	"prev_state",
	"auth_events",
	"origin",
	"origin_server_ts",
	"membership",
}

// essentialContentKeys maps an event type to the content fields that
// survive its redaction. Types not listed lose their content entirely.
var essentialContentKeys = map[string][]string{
	"m.room.create":             {"creator"},
	"m.room.member":             {"membership"},
	"m.room.join_rules":         {"join_rule"},
	"m.room.history_visibility": {"history_visibility"},
	"m.room.power_levels": {
		"ban", "events", "events_default", "kick", "redact",
		"state_default", "users", "users_default",
	},
	"m.room.aliases": {"aliases"},
}

// RedactedJSON rebuilds eventJSON with only the fields a redaction
// retains, so the serving layer can hand out the skeleton of a
// redacted event without its stripped body.
func RedactedJSON(eventJSON []byte) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	for _, key := range essentialEventKeys {
		v := gjson.GetBytes(eventJSON, key)
		if !v.Exists() {
			continue
		}
		if out, err = sjson.SetRawBytes(out, key, []byte(v.Raw)); err != nil {
			return nil, err
		}
	}

	if out, err = sjson.SetRawBytes(out, "content", []byte(`{}`)); err != nil {
		return nil, err
	}
	eventType := gjson.GetBytes(eventJSON, "type").String()
	for _, key := range essentialContentKeys[eventType] {
		v := gjson.GetBytes(eventJSON, "content."+key)
		if !v.Exists() {
			continue
		}
		if out, err = sjson.SetRawBytes(out, "content."+key, []byte(v.Raw)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
