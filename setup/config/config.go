// Package config holds the yaml-driven configuration for the roomserver
// core and its client/federation-facing surfaces.
package config

import (
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"golang.org/x/crypto/ed25519"
)

// Path is a filesystem path, relative or absolute.
type Path string

// DefaultOpts controls how Defaults() behaves when generating a fresh
// config file versus filling in zero values on a partially-populated one.
type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

// ConfigErrors collects human-readable configuration problems found by
// Verify so that all of them can be reported at once instead of
// failing on the first one.
type ConfigErrors []string

func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	return fmt.Sprintf("%d configuration error(s): %v", len(e), []string(e))
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid config key %q: %d must not be negative", key, value))
	}
}

// DatabaseOptions describes how to connect to a component's database.
type DatabaseOptions struct {
	ConnectionString       string `yaml:"connection_string"`
	MaxOpenConnections     int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConnections     int    `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds,omitempty"`
}

func (d *DatabaseOptions) Defaults() {
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 90
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
}

// Global is the set of options shared by every component: our own
// server name, federation enablement, and where to put databases that
// haven't been given a dedicated connection string.
type Global struct {
	ServerName      string          `yaml:"server_name"`
	Federation      bool            `yaml:"federation_enabled"`
	DatabaseOptions DatabaseOptions `yaml:"database,omitempty"`

	// PrivateKeyPath points at the server's ed25519 signing key on
	// disk; KeyID and PrivateKey are filled in by Load.
	PrivateKeyPath Path                    `yaml:"private_key"`
	KeyID          gomatrixserverlib.KeyID `yaml:"-"`
	PrivateKey     ed25519.PrivateKey      `yaml:"-"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	c.Federation = true
	if opts.Generate {
		c.ServerName = "localhost"
		if opts.SingleDatabase {
			c.DatabaseOptions.ConnectionString = "file:construct.db"
		}
	}
	c.DatabaseOptions.Defaults()
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", c.ServerName)
}

// RoomServer holds the roomserver's tunables, named after the
// original ircd conf items for traceability.
type RoomServer struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database,omitempty"`

	// ircd.client.rooms.initialsync.backfill
	InitialSyncBackfill int `yaml:"initialsync_backfill"`

	// ircd.m.rooms.fetch.timeout (seconds)
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`

	// ircd.m.rooms.fetch.limit
	FetchLimit int `yaml:"fetch_limit"`

	// ircd.m.room.state.enable_history
	EnableHistoricalState bool `yaml:"enable_historical_state"`

	// ircd.m.room.state.readahead_size (bytes); 0 disables readahead hints
	StateReadaheadSize int `yaml:"state_readahead_size"`

	// ircd.federation.backfill_ids.limit.default
	BackfillIDsLimitDefault int `yaml:"backfill_ids_limit_default"`

	// ircd.federation.backfill_ids.limit.max
	BackfillIDsLimitMax int `yaml:"backfill_ids_limit_max"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.InitialSyncBackfill = 20
	c.FetchTimeoutSeconds = 45
	c.FetchLimit = 64
	c.EnableHistoricalState = true
	c.StateReadaheadSize = 0
	c.BackfillIDsLimitDefault = 64
	c.BackfillIDsLimitMax = 131072
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:roomserver.db"
	}
	c.Database.Defaults()
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "room_server.initialsync_backfill", int64(c.InitialSyncBackfill))
	checkPositive(configErrs, "room_server.fetch_timeout_seconds", int64(c.FetchTimeoutSeconds))
	checkPositive(configErrs, "room_server.fetch_limit", int64(c.FetchLimit))
	checkPositive(configErrs, "room_server.backfill_ids_limit_default", int64(c.BackfillIDsLimitDefault))
	checkPositive(configErrs, "room_server.backfill_ids_limit_max", int64(c.BackfillIDsLimitMax))
	if c.BackfillIDsLimitDefault > c.BackfillIDsLimitMax {
		configErrs.Add("room_server.backfill_ids_limit_default must not exceed backfill_ids_limit_max")
	}
	if c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "room_server.database.connection_string", c.Database.ConnectionString)
	}
}

// FetchTimeout is the configured per-request federation fetch timeout
// as a time.Duration, with a 10s fallback when unset.
func (c *RoomServer) FetchTimeout() time.Duration {
	if c.FetchTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Construct is the top-level config aggregating every component. Only
// the fields this subsystem cares about are modeled; the rest of a
// real deployment (clientapi auth, mediaapi, …) is out of scope.
type Construct struct {
	Global     Global     `yaml:"global"`
	RoomServer RoomServer `yaml:"room_server"`
}

func (c *Construct) Defaults(opts DefaultOpts) {
	c.Global.Defaults(opts)
	c.RoomServer.Matrix = &c.Global
	c.RoomServer.Defaults(opts)
}

func (c *Construct) Verify() error {
	var errs ConfigErrors
	c.Global.Verify(&errs)
	c.RoomServer.Verify(&errs)
	if len(errs) > 0 {
		return errs
	}
	return nil
}
