package config

import (
	"crypto/rand"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"
	"gotest.tools/v3/assert"
)

const testConfigYAML = `
global:
  server_name: example.org
  private_key: matrix_key.pem
  database:
    connection_string: file:construct.db
room_server:
  initialsync_backfill: 5
  enable_historical_state: false
`

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	assert.NilError(t, err)
	return WritePrivateKey("ed25519:u1", priv)
}

func TestLoadConfig(t *testing.T) {
	keyPEM := testKeyPEM(t)
	cfg, err := loadConfig("/etc/construct", []byte(testConfigYAML), func(path string) ([]byte, error) {
		assert.Equal(t, path, "/etc/construct/matrix_key.pem")
		return keyPEM, nil
	})
	assert.NilError(t, err)

	assert.Equal(t, cfg.Global.ServerName, "example.org")
	assert.Equal(t, string(cfg.Global.KeyID), "ed25519:u1")
	assert.Equal(t, len(cfg.Global.PrivateKey), ed25519.PrivateKeySize)

	// Explicit values override, untouched options keep their defaults.
	assert.Equal(t, cfg.RoomServer.InitialSyncBackfill, 5)
	assert.Equal(t, cfg.RoomServer.EnableHistoricalState, false)
	assert.Equal(t, cfg.RoomServer.FetchLimit, 64)
	assert.Equal(t, cfg.RoomServer.BackfillIDsLimitMax, 131072)
	assert.Assert(t, cfg.RoomServer.Matrix == &cfg.Global)
}

func TestLoadConfigRejectsMissingServerName(t *testing.T) {
	_, err := loadConfig("/etc/construct", []byte("global:\n  database:\n    connection_string: file:x.db\n"), nil)
	assert.ErrorContains(t, err, "server_name")
}

func TestReadPrivateKeyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	assert.NilError(t, err)

	pemBytes := WritePrivateKey("ed25519:abc", priv)
	keyID, parsed, err := ReadPrivateKey(pemBytes)
	assert.NilError(t, err)
	assert.Equal(t, string(keyID), "ed25519:abc")
	assert.DeepEqual(t, []byte(parsed), []byte(priv))
}

func TestReadPrivateKeyRejectsGarbage(t *testing.T) {
	_, _, err := ReadPrivateKey([]byte("not a pem block"))
	assert.ErrorContains(t, err, "no PEM data")
}

func TestVerifyRejectsInvertedBackfillLimits(t *testing.T) {
	var cfg Construct
	cfg.Defaults(DefaultOpts{Generate: true, SingleDatabase: true})
	cfg.RoomServer.BackfillIDsLimitDefault = 1000
	cfg.RoomServer.BackfillIDsLimitMax = 100
	assert.ErrorContains(t, cfg.Verify(), "must not exceed")
}

func TestFetchTimeoutDefaultsWhenUnset(t *testing.T) {
	rs := RoomServer{}
	assert.Equal(t, rs.FetchTimeout(), 10*time.Second)
	rs.FetchTimeoutSeconds = 45
	assert.Equal(t, rs.FetchTimeout(), 45*time.Second)
}
