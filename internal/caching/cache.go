// Package caching wraps ristretto caches with typed accessors for the
// roomserver's hot lookup paths: present-state entries and power-level
// views. A cache miss is never an error — callers always fall back to
// the store.
package caching

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

const (
	roomStateCacheCost   = 1
	powerLevelsCacheCost = 1
)

// Cache is a narrow, typed view over a ristretto cache. It never
// returns stale-but-wrong data: callers invalidate explicitly on
// every state-changing commit.
type Cache[K comparable, V any] struct {
	cache *ristretto.Cache
	name  string
}

func newCache[K comparable, V any](name string, maxCost int64) (*Cache[K, V], error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("caching: new %s cache: %w", name, err)
	}
	return &Cache[K, V]{cache: c, name: name}, nil
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	v, ok := c.cache.Get(key)
	if !ok {
		return zero, false
	}
	val, ok := v.(V)
	if !ok {
		return zero, false
	}
	return val, true
}

func (c *Cache[K, V]) Set(key K, value V, cost int64) {
	c.cache.Set(key, value, cost)
}

func (c *Cache[K, V]) Del(key K) {
	c.cache.Del(key)
}

// RoomStateKey identifies a single present-state lookup.
type RoomStateKey struct {
	RoomNID  int64
	Type     string
	StateKey string
}

// Caches bundles every cache the roomserver core uses. A nil *Caches
// is valid and behaves as an always-miss cache, so callers never need
// a nil check before using one.
type Caches struct {
	RoomState   *Cache[RoomStateKey, int64]
	PowerLevels *Cache[int64, []byte]
}

// NewRistrettoCache builds the default cache set sized for a single
// roomserver process.
func NewRistrettoCache() (*Caches, error) {
	roomState, err := newCache[RoomStateKey, int64]("room_state", 10_000)
	if err != nil {
		return nil, err
	}
	powerLevels, err := newCache[int64, []byte]("power_levels", 2_000)
	if err != nil {
		return nil, err
	}
	return &Caches{RoomState: roomState, PowerLevels: powerLevels}, nil
}

func (c *Caches) GetRoomState(key RoomStateKey) (int64, bool) {
	if c == nil || c.RoomState == nil {
		return 0, false
	}
	return c.RoomState.Get(key)
}

func (c *Caches) StoreRoomState(key RoomStateKey, eventNID int64) {
	if c == nil || c.RoomState == nil {
		return
	}
	c.RoomState.Set(key, eventNID, roomStateCacheCost)
}

func (c *Caches) InvalidateRoomState(roomNID int64, eventType, stateKey string) {
	if c == nil || c.RoomState == nil {
		return
	}
	c.RoomState.Del(RoomStateKey{RoomNID: roomNID, Type: eventType, StateKey: stateKey})
}

func (c *Caches) GetPowerLevelsContent(powerLevelsEventNID int64) ([]byte, bool) {
	if c == nil || c.PowerLevels == nil {
		return nil, false
	}
	return c.PowerLevels.Get(powerLevelsEventNID)
}

func (c *Caches) StorePowerLevelsContent(powerLevelsEventNID int64, content []byte) {
	if c == nil || c.PowerLevels == nil {
		return
	}
	c.PowerLevels.Set(powerLevelsEventNID, content, powerLevelsCacheCost)
}
