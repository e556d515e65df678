package types

import "time"

// NoAccount marks a profile that is not bound to a game account.
const NoAccount int64 = -1

// --- Map Model ---

// Tile is one marked map cell. It is a comparable value and is used directly as a set key.
type Tile struct {
	RegionID int `json:"regionId" msgpack:"r"`
	RegionX  int `json:"regionX" msgpack:"x"`
	RegionY  int `json:"regionY" msgpack:"y"`
	Plane    int `json:"z" msgpack:"z"`
}

// AccountRegionID addresses one account's one region.
type AccountRegionID struct {
	AccountHash int64 `json:"accountHash" msgpack:"a"`
	RegionID    int   `json:"regionId" msgpack:"r"`
}

// RegionDataHash fingerprints one region's tile set. Comparison only.
type RegionDataHash struct {
	AccountHash int64  `json:"accountHash" msgpack:"a"`
	RegionID    int    `json:"regionId" msgpack:"r"`
	Digest      uint64 `json:"digest" msgpack:"d"`
}

func (h RegionDataHash) Key() AccountRegionID {
	return AccountRegionID{AccountHash: h.AccountHash, RegionID: h.RegionID}
}

// --- Players & Groups ---

type Profile struct {
	AccountHash int64  `json:"accountHash" msgpack:"a"`
	Name        string `json:"name" msgpack:"n"`
	Color       string `json:"color" msgpack:"c"` // #RRGGBB
	GroupID     string `json:"groupId,omitempty" msgpack:"g"`
}

func (p Profile) IsNone() bool {
	return p.AccountHash == 0 || p.AccountHash == NoAccount
}

func (p Profile) InGroup() bool {
	return p.GroupID != ""
}

// GroupProfile is the shared identity and membership of a group. The zero value is "no group".
type GroupProfile struct {
	GroupID            string    `json:"groupId" msgpack:"id"`
	Name               string    `json:"name" msgpack:"n"`
	CreatorAccountHash int64     `json:"creatorAccountHash" msgpack:"c"`
	Members            []Profile `json:"members" msgpack:"m"`
	LastUpdated        time.Time `json:"lastUpdated" msgpack:"t"`
	UpdatedBy          int64     `json:"updatedBy" msgpack:"u"`
}

func (g GroupProfile) IsNone() bool {
	return g.GroupID == ""
}

func (g GroupProfile) IsMember(accountHash int64) bool {
	return g.memberIndex(accountHash) >= 0
}

func (g GroupProfile) Member(accountHash int64) (Profile, bool) {
	if i := g.memberIndex(accountHash); i >= 0 {
		return g.Members[i], true
	}
	return Profile{}, false
}

func (g GroupProfile) MemberAccounts() []int64 {
	out := make([]int64, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, m.AccountHash)
	}
	return out
}

func (g GroupProfile) memberIndex(accountHash int64) int {
	for i, m := range g.Members {
		if m.AccountHash == accountHash {
			return i
		}
	}
	return -1
}

// Clone returns a copy that shares no slices with g.
func (g GroupProfile) Clone() GroupProfile {
	out := g
	out.Members = append([]Profile(nil), g.Members...)
	return out
}
