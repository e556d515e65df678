package tiles

import (
	"sort"
	"sync"

	"tilesync/pkg/types"
)

// GroupTileData maps every known account of a group to its tile data.
type GroupTileData struct {
	mu       sync.RWMutex
	profiles map[int64]*ProfileTileData
}

func NewGroupTileData() *GroupTileData {
	return &GroupTileData{profiles: make(map[int64]*ProfileTileData)}
}

func (g *GroupTileData) lookup(accountHash int64) *ProfileTileData {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.profiles[accountHash]
}

// ProfileTileData returns the account's data, creating an empty entry when missing.
func (g *GroupTileData) ProfileTileData(accountHash int64) *ProfileTileData {
	if p := g.lookup(accountHash); p != nil {
		return p
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[accountHash]
	if !ok {
		p = NewProfileTileData(accountHash)
		g.profiles[accountHash] = p
	}
	return p
}

// Insert replaces the account's data wholesale.
func (g *GroupTileData) Insert(p *ProfileTileData) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles[p.Account()] = p
}

func (g *GroupTileData) HasProfile(accountHash int64) bool {
	return g.lookup(accountHash) != nil
}

// RemoveProfile drops all of an account's data and reports whether it existed.
func (g *GroupTileData) RemoveProfile(accountHash int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.profiles[accountHash]; !ok {
		return false
	}
	delete(g.profiles, accountHash)
	return true
}

func (g *GroupTileData) Region(accountHash int64, regionID int) ([]types.Tile, bool) {
	p := g.lookup(accountHash)
	if p == nil {
		return nil, false
	}
	return p.Region(regionID)
}

func (g *GroupTileData) HasRegion(accountHash int64, regionID int) bool {
	p := g.lookup(accountHash)
	return p != nil && p.HasRegion(regionID)
}

// RegionState returns a sorted copy of the region's tiles. held is false only when the
// account never had the region; an emptied region is held with no tiles.
func (g *GroupTileData) RegionState(accountHash int64, regionID int) (tiles []types.Tile, held bool) {
	p := g.lookup(accountHash)
	if p == nil {
		return nil, false
	}
	r := p.region(regionID)
	if r == nil {
		return nil, false
	}
	tiles, _ = r.snapshot()
	return tiles, true
}

// RegionDigest is 0 when the account or region is unknown.
func (g *GroupTileData) RegionDigest(accountHash int64, regionID int) uint64 {
	p := g.lookup(accountHash)
	if p == nil {
		return 0
	}
	return p.RegionDigest(regionID)
}

func (g *GroupTileData) SetRegionTiles(accountHash int64, regionID int, tiles []types.Tile) {
	g.ProfileTileData(accountHash).SetRegion(regionID, tiles)
}

func (g *GroupTileData) SetTile(accountHash int64, t types.Tile, marked bool) bool {
	return g.ProfileTileData(accountHash).SetTile(t, marked)
}

// Accounts lists known accounts in ascending order.
func (g *GroupTileData) Accounts() []int64 {
	g.mu.RLock()
	out := make([]int64, 0, len(g.profiles))
	for a := range g.profiles {
		out = append(out, a)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ForEachProfile visits accounts in ascending order. The outer lock is not held during fn,
// so fn may call back into g.
func (g *GroupTileData) ForEachProfile(fn func(accountHash int64, p *ProfileTileData)) {
	for _, a := range g.Accounts() {
		if p := g.lookup(a); p != nil {
			fn(a, p)
		}
	}
}

func (g *GroupTileData) CountTiles() int {
	total := 0
	g.ForEachProfile(func(_ int64, p *ProfileTileData) {
		total += p.CountTiles()
	})
	return total
}
