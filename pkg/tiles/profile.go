// Package tiles holds per-account, per-region sets of marked tiles.
//
// Every structure here is mutated concurrently by connection handlers and by the local
// marking path, so locking is layered: the account map, each account's region map, and
// each region set have their own locks. Two callers touching different regions never
// contend, and a region's digest is always read under the same lock that guards its
// contents.
package tiles

import (
	"sort"
	"sync"
	"sync/atomic"

	"tilesync/pkg/core"
	"tilesync/pkg/types"
)

type regionSet struct {
	mu     sync.RWMutex
	tiles  map[types.Tile]struct{}
	digest uint64
}

func (r *regionSet) snapshot() ([]types.Tile, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Tile, 0, len(r.tiles))
	for t := range r.tiles {
		out = append(out, t)
	}
	sortTiles(out)
	return out, r.digest
}

func (r *regionSet) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tiles)
}

// ProfileTileData is one account's marked tiles keyed by region.
// Regions are never dropped from the map once created; an emptied region simply holds no
// tiles, which keeps a concurrent add from landing in a detached set.
type ProfileTileData struct {
	account int64

	mu      sync.RWMutex
	regions map[int]*regionSet

	count atomic.Int64
}

func NewProfileTileData(accountHash int64) *ProfileTileData {
	return &ProfileTileData{
		account: accountHash,
		regions: make(map[int]*regionSet),
	}
}

func (p *ProfileTileData) Account() int64 { return p.account }

func (p *ProfileTileData) region(regionID int) *regionSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.regions[regionID]
}

func (p *ProfileTileData) ensureRegion(regionID int) *regionSet {
	if r := p.region(regionID); r != nil {
		return r
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.regions[regionID]
	if !ok {
		r = &regionSet{tiles: make(map[types.Tile]struct{})}
		p.regions[regionID] = r
	}
	return r
}

// AddTile reports whether the tile was newly added.
func (p *ProfileTileData) AddTile(t types.Tile) bool {
	r := p.ensureRegion(t.RegionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tiles[t]; ok {
		return false
	}
	r.tiles[t] = struct{}{}
	r.digest += core.TileHash(t)
	p.count.Add(1)
	return true
}

// RemoveTile reports whether the tile was present.
func (p *ProfileTileData) RemoveTile(t types.Tile) bool {
	r := p.region(t.RegionID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tiles[t]; !ok {
		return false
	}
	delete(r.tiles, t)
	r.digest -= core.TileHash(t)
	p.count.Add(-1)
	return true
}

// SetTile adds or removes a tile and reports whether anything changed.
func (p *ProfileTileData) SetTile(t types.Tile, marked bool) bool {
	if marked {
		return p.AddTile(t)
	}
	return p.RemoveTile(t)
}

// SetRegion overwrites a region with exactly the given tiles. Tiles whose RegionID does not
// match are stored anyway; the caller decides the bucket.
func (p *ProfileTileData) SetRegion(regionID int, tiles []types.Tile) {
	r := p.ensureRegion(regionID)
	next := make(map[types.Tile]struct{}, len(tiles))
	var digest uint64
	for _, t := range tiles {
		if _, dup := next[t]; dup {
			continue
		}
		next[t] = struct{}{}
		digest += core.TileHash(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p.count.Add(int64(len(next) - len(r.tiles)))
	r.tiles = next
	r.digest = digest
}

func (p *ProfileTileData) HasRegion(regionID int) bool {
	r := p.region(regionID)
	return r != nil && r.size() > 0
}

func (p *ProfileTileData) HasTile(t types.Tile) bool {
	r := p.region(t.RegionID)
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tiles[t]
	return ok
}

// Region returns a sorted copy of the region's tiles; ok is false for absent or empty regions.
func (p *ProfileTileData) Region(regionID int) ([]types.Tile, bool) {
	r := p.region(regionID)
	if r == nil {
		return nil, false
	}
	tiles, _ := r.snapshot()
	return tiles, len(tiles) > 0
}

// RegionDigest is 0 for absent or empty regions.
func (p *ProfileTileData) RegionDigest(regionID int) uint64 {
	r := p.region(regionID)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.digest
}

// RegionIDs lists non-empty regions in ascending order.
func (p *ProfileTileData) RegionIDs() []int {
	p.mu.RLock()
	sets := make(map[int]*regionSet, len(p.regions))
	for id, r := range p.regions {
		sets[id] = r
	}
	p.mu.RUnlock()

	ids := make([]int, 0, len(sets))
	for id, r := range sets {
		if r.size() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// RegionKeys lists every region the profile holds in ascending order, including regions
// emptied since they were created.
func (p *ProfileTileData) RegionKeys() []int {
	p.mu.RLock()
	ids := make([]int, 0, len(p.regions))
	for id := range p.regions {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// HoldsRegion reports whether the region was ever created, even if it is now empty.
func (p *ProfileTileData) HoldsRegion(regionID int) bool {
	return p.region(regionID) != nil
}

// ForEachRegion visits every non-empty region with a consistent snapshot of its tiles and
// the digest that matches that snapshot.
func (p *ProfileTileData) ForEachRegion(fn func(regionID int, tiles []types.Tile, digest uint64)) {
	for _, id := range p.RegionIDs() {
		r := p.region(id)
		if r == nil {
			continue
		}
		tiles, digest := r.snapshot()
		if len(tiles) == 0 {
			continue
		}
		fn(id, tiles, digest)
	}
}

func (p *ProfileTileData) CountTiles() int {
	return int(p.count.Load())
}

func sortTiles(ts []types.Tile) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if a.RegionID != b.RegionID {
			return a.RegionID < b.RegionID
		}
		if a.Plane != b.Plane {
			return a.Plane < b.Plane
		}
		if a.RegionX != b.RegionX {
			return a.RegionX < b.RegionX
		}
		return a.RegionY < b.RegionY
	})
}
