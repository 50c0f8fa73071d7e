package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactedJSONStripsMessageContent(t *testing.T) {
	original := []byte(`{
		"event_id": "$e1:test",
		"type": "m.room.message",
		"room_id": "!room:test",
		"sender": "@alice:test",
		"content": {"body": "secret", "msgtype": "m.text"},
		"depth": 4,
		"origin_server_ts": 1000,
		"unsigned": {"age": 12}
	}`)

	stripped, err := RedactedJSON(original)
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(stripped, &out))

	assert.Contains(t, out, "event_id")
	assert.Contains(t, out, "sender")
	assert.Contains(t, out, "depth")
	assert.NotContains(t, out, "unsigned")
	assert.Equal(t, "{}", string(out["content"]))
}

func TestRedactedJSONKeepsMembership(t *testing.T) {
	original := []byte(`{
		"event_id": "$e2:test",
		"type": "m.room.member",
		"room_id": "!room:test",
		"sender": "@alice:test",
		"state_key": "@bob:test",
		"content": {"membership": "join", "displayname": "Bob"}
	}`)

	stripped, err := RedactedJSON(original)
	require.NoError(t, err)

	var out struct {
		StateKey string `json:"state_key"`
		Content  struct {
			Membership  string `json:"membership"`
			DisplayName string `json:"displayname"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(stripped, &out))
	assert.Equal(t, "@bob:test", out.StateKey)
	assert.Equal(t, "join", out.Content.Membership)
	assert.Empty(t, out.Content.DisplayName)
}

func TestRedactedJSONKeepsPowerLevelFields(t *testing.T) {
	original := []byte(`{
		"type": "m.room.power_levels",
		"content": {"users_default": 0, "state_default": 50, "notifications": {"room": 50}}
	}`)

	stripped, err := RedactedJSON(original)
	require.NoError(t, err)

	var out struct {
		Content map[string]json.RawMessage `json:"content"`
	}
	require.NoError(t, json.Unmarshal(stripped, &out))
	assert.Contains(t, out.Content, "state_default")
	assert.NotContains(t, out.Content, "notifications")
}
