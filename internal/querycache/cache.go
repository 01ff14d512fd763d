// Package querycache holds a consumer's recent-occupancy view per building.
// Views are filled on demand from the API and dropped when the sync client
// reports them stale.
package querycache

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"golang.org/x/sync/singleflight"
)

type Fetcher interface {
	FetchRecent(ctx context.Context, buildingID int64) ([]occupancy.Observation, error)
}

type entry struct {
	obs []occupancy.Observation
}

type Cache struct {
	fetch Fetcher
	group singleflight.Group

	mu    sync.Mutex
	views map[int64]entry
	gen   map[int64]uint64

	// OnInvalidate, if set, is called after a building's view is dropped.
	OnInvalidate func(buildingID int64)
}

func New(f Fetcher) *Cache {
	return &Cache{
		fetch: f,
		views: make(map[int64]entry),
		gen:   make(map[int64]uint64),
	}
}

// Get returns the cached view of buildingID, fetching it on a miss.
// Concurrent misses for the same building share one fetch.
func (c *Cache) Get(ctx context.Context, buildingID int64) ([]occupancy.Observation, error) {
	c.mu.Lock()
	if e, ok := c.views[buildingID]; ok {
		c.mu.Unlock()
		return e.obs, nil
	}
	gen := c.gen[buildingID]
	c.mu.Unlock()

	key := strconv.FormatInt(buildingID, 10) + "/" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		obs, err := c.fetch.FetchRecent(ctx, buildingID)
		if err != nil {
			return nil, fmt.Errorf("fetch building %d: %w", buildingID, err)
		}
		c.mu.Lock()
		// An invalidation that landed while we were fetching wins.
		if c.gen[buildingID] == gen {
			c.views[buildingID] = entry{obs: obs}
		}
		c.mu.Unlock()
		return obs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]occupancy.Observation), nil
}

// Cached reports whether a view for buildingID is currently held.
func (c *Cache) Cached(buildingID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.views[buildingID]
	return ok
}

// Invalidate drops the view of buildingID. Invalidating an absent view is a
// no-op apart from the hook.
func (c *Cache) Invalidate(buildingID int64) {
	c.mu.Lock()
	delete(c.views, buildingID)
	c.gen[buildingID]++
	c.mu.Unlock()

	if c.OnInvalidate != nil {
		c.OnInvalidate(buildingID)
	}
}
