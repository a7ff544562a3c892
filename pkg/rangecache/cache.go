// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

// Package rangecache caches region locations for arbitrary keys. Locations
// are initially queried from a LocationDB and cached for subsequent lookups;
// stale entries are evicted by the scan client when a server reports that a
// region has moved.
package rangecache

import (
	"context"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/log"
	"github.com/cockroachdb/rangescan/pkg/util/retry"
	"github.com/cockroachdb/rangescan/pkg/util/syncutil"
)

// RegionLocations is one region's current serving locations: the primary
// first, read replicas after.
type RegionLocations struct {
	Replicas []scanpb.RegionInfo
}

// Desc returns the region's descriptor.
func (l RegionLocations) Desc() scanpb.RegionDescriptor {
	return l.Replicas[0].Desc
}

// Primary returns the primary location.
func (l RegionLocations) Primary() scanpb.RegionInfo {
	return l.Replicas[0]
}

// LocationDB is a type which can query region locations from an underlying
// metadata store. The cache uses it to retrieve locations which it then
// caches for subsequent lookups.
type LocationDB interface {
	// RegionLookup looks up the locations of the region containing key in the
	// given table. The first returned element covers the key; implementations
	// may append prefetched locations of adjacent regions, which the cache
	// also retains. Replica slices are ordered primary first.
	RegionLookup(ctx context.Context, table string, key scanpb.Key) ([]RegionLocations, error)
}

// lookupRetryOpts bounds retries of LocationDB lookups that fail with a
// transient error. Exhaustion surfaces the lookup error to the scan, which
// treats it as terminal.
var lookupRetryOpts = retry.Options{MaxRetries: 3}

// Cache caches region locations keyed by region end key, so that the region
// containing a key is the first cached entry whose end key sorts after it.
type Cache struct {
	db LocationDB
	mu struct {
		syncutil.RWMutex
		tree *llrb.Tree
	}
	// lookups coalesces concurrent cache-miss lookups for the same key onto
	// one LocationDB query.
	lookups singleflight.Group
}

// New returns an empty Cache backed by db.
func New(db LocationDB) *Cache {
	c := &Cache{db: db}
	c.mu.tree = &llrb.Tree{}
	return c
}

// cacheItem is the tree element: one region's locations, ordered by
// (table, end key), with the open end key of a table's last region sorting
// after every key.
type cacheItem struct {
	loc RegionLocations
}

// probeItem is a lookup probe for the region containing a key: it sorts
// like a region whose end key is just past the probe key, so Ceil(probe)
// lands on the containing region's entry.
type probeItem struct {
	table string
	key   scanpb.Key
}

func compareBounds(aTable string, aKey scanpb.Key, aOpen bool, bTable string, bKey scanpb.Key, bOpen bool) int {
	if c := strings.Compare(aTable, bTable); c != 0 {
		return c
	}
	switch {
	case aOpen && bOpen:
		return 0
	case aOpen:
		return 1
	case bOpen:
		return -1
	}
	return aKey.Compare(bKey)
}

func itemBounds(c llrb.Comparable) (table string, key scanpb.Key, open bool) {
	switch t := c.(type) {
	case *cacheItem:
		desc := t.loc.Desc()
		return desc.Table, desc.EndKey, desc.IsLast()
	case probeItem:
		return t.table, t.key, false
	default:
		panic(errors.AssertionFailedf("unexpected item type %T", c))
	}
}

// Compare implements llrb.Comparable.
func (i *cacheItem) Compare(o llrb.Comparable) int {
	aTable, aKey, aOpen := itemBounds(i)
	bTable, bKey, bOpen := itemBounds(o)
	return compareBounds(aTable, aKey, aOpen, bTable, bKey, bOpen)
}

// Compare implements llrb.Comparable.
func (p probeItem) Compare(o llrb.Comparable) int {
	aTable, aKey, aOpen := itemBounds(p)
	bTable, bKey, bOpen := itemBounds(o)
	return compareBounds(aTable, aKey, aOpen, bTable, bKey, bOpen)
}

// LookupRegion returns the locations of the region containing key, from
// cache if possible. Concurrent lookups that miss on the same key share one
// LocationDB query. Transient lookup failures are retried within a small
// budget; an exhausted budget returns the last error.
func (c *Cache) LookupRegion(
	ctx context.Context, table string, key scanpb.Key,
) (RegionLocations, error) {
	if loc, ok := c.getCached(table, key); ok {
		return loc, nil
	}

	// Coalesce concurrent misses for the same key. The winner's insertions
	// serve everyone; losers return the winner's result directly.
	v, err, _ := c.lookups.Do(lookupKey(table, key), func() (interface{}, error) {
		// Re-check under the singleflight: a racing lookup may have filled
		// the cache while this request waited its turn.
		if loc, ok := c.getCached(table, key); ok {
			return loc, nil
		}
		return c.lookupFromDB(ctx, table, key)
	})
	if err != nil {
		return RegionLocations{}, err
	}
	return v.(RegionLocations), nil
}

func lookupKey(table string, key scanpb.Key) string {
	return table + ":" + string(key)
}

func (c *Cache) lookupFromDB(
	ctx context.Context, table string, key scanpb.Key,
) (RegionLocations, error) {
	var lastErr error
	for r := retry.StartWithCtx(ctx, lookupRetryOpts); r.Next(); {
		locs, err := c.db.RegionLookup(ctx, table, key)
		if err != nil {
			if !scanpb.IsRetryable(err) {
				return RegionLocations{}, err
			}
			log.Eventf(ctx, "region lookup for %s failed: %v", key, err)
			lastErr = err
			continue
		}
		if len(locs) == 0 || !locs[0].Desc().ContainsKey(key) {
			return RegionLocations{}, errors.Newf(
				"no region location found containing key %s of table %s", key, table)
		}
		c.insert(locs)
		return locs[0], nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return RegionLocations{}, errors.Wrapf(lastErr, "looking up region for key %s", key)
}

func (c *Cache) getCached(table string, key scanpb.Key) (RegionLocations, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item := c.mu.tree.Ceil(probeItem{table: table, key: key.Next()})
	if item == nil {
		return RegionLocations{}, false
	}
	entry := item.(*cacheItem)
	desc := entry.loc.Desc()
	if desc.Table != table || !desc.ContainsKey(key) {
		return RegionLocations{}, false
	}
	return entry.loc, true
}

func (c *Cache) insert(locs []RegionLocations) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, loc := range locs {
		if len(loc.Replicas) == 0 {
			continue
		}
		c.mu.tree.Insert(&cacheItem{loc: loc})
	}
}

// Evict removes the cached entry for the given descriptor, if the cache
// still holds an entry for the same region generation. Called after a server
// reports the region moved.
func (c *Cache) Evict(ctx context.Context, desc scanpb.RegionDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	probe := probeItem{table: desc.Table, key: desc.StartKey.Next()}
	item := c.mu.tree.Ceil(probe)
	if item == nil {
		return
	}
	entry := item.(*cacheItem)
	if entry.loc.Desc().RegionID != desc.RegionID {
		return
	}
	log.Eventf(ctx, "evicting cached location for %s", desc)
	c.mu.tree.Delete(entry)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.tree.Len()
}
