package reconcile

import (
	"math/rand"
	"testing"

	"tilesync/pkg/protocol"
	"tilesync/pkg/tiles"
	"tilesync/pkg/types"
)

func randomize(g *tiles.GroupTileData, account int64, seed int64, n int) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < n; i++ {
		region := 100 + rng.Intn(6)
		t := types.Tile{RegionID: region, RegionX: rng.Intn(64), RegionY: rng.Intn(64), Plane: rng.Intn(2)}
		g.SetTile(account, t, rng.Intn(4) != 0)
	}
}

// syncRound runs one round: src reports its own account, dst diffs, src answers, dst applies.
func syncRound(src, dst *tiles.GroupTileData, account int64) int {
	report := BuildHashReport(account, src.ProfileTileData(account))
	req := Diff(report, dst)
	for _, m := range Respond(req, src) {
		Apply(m.(protocol.RegionDataResponse), dst)
	}
	return len(req.Regions)
}

func TestConvergence(t *testing.T) {
	const account = 77
	relay := tiles.NewGroupTileData()
	peer := tiles.NewGroupTileData()
	randomize(relay, account, 1, 300)
	randomize(peer, account, 2, 300)

	if n := syncRound(relay, peer, account); n == 0 {
		t.Fatalf("divergent replicas produced an empty diff")
	}
	for _, region := range relay.ProfileTileData(account).RegionIDs() {
		if relay.RegionDigest(account, region) != peer.RegionDigest(account, region) {
			t.Errorf("region %d still differs after one round", region)
		}
	}
	if n := syncRound(relay, peer, account); n != 0 {
		t.Errorf("second round requested %d regions, want 0", n)
	}
}

func TestDiffOnlyDivergentRegions(t *testing.T) {
	src := tiles.NewGroupTileData()
	dst := tiles.NewGroupTileData()
	same := types.Tile{RegionID: 1, RegionX: 1, RegionY: 1}
	src.SetTile(5, same, true)
	dst.SetTile(5, same, true)
	src.SetTile(5, types.Tile{RegionID: 2, RegionX: 4}, true)

	req := Diff(BuildHashReport(5, src.ProfileTileData(5)), dst)
	if len(req.Regions) != 1 || req.Regions[0] != (types.AccountRegionID{AccountHash: 5, RegionID: 2}) {
		t.Fatalf("Diff = %+v, want only region 2", req.Regions)
	}
}

func TestRespondOmitsMissing(t *testing.T) {
	g := tiles.NewGroupTileData()
	g.SetTile(1, types.Tile{RegionID: 9}, true)

	out := Respond(protocol.RegionDataRequest{Regions: []types.AccountRegionID{
		{AccountHash: 1, RegionID: 9},
		{AccountHash: 1, RegionID: 10},
		{AccountHash: 2, RegionID: 9},
	}}, g)
	if len(out) != 1 {
		t.Fatalf("Respond returned %d messages, want 1", len(out))
	}
	if r := out[0].(protocol.RegionDataResponse); r.Region.RegionID != 9 || len(r.Tiles) != 1 {
		t.Errorf("unexpected response %+v", r)
	}
}

func TestApplyOverwrites(t *testing.T) {
	g := tiles.NewGroupTileData()
	g.SetTile(1, types.Tile{RegionID: 3, RegionX: 1}, true)
	g.SetTile(1, types.Tile{RegionID: 3, RegionX: 2}, true)

	Apply(protocol.RegionDataResponse{
		Region: types.AccountRegionID{AccountHash: 1, RegionID: 3},
		Tiles:  []types.Tile{{RegionID: 3, RegionX: 7}},
	}, g)
	ts, _ := g.Region(1, 3)
	if len(ts) != 1 || ts[0].RegionX != 7 {
		t.Errorf("region after apply = %+v, want only x=7", ts)
	}
}

func TestGroupReportsExcludes(t *testing.T) {
	g := tiles.NewGroupTileData()
	g.SetTile(1, types.Tile{RegionID: 1}, true)
	g.SetTile(2, types.Tile{RegionID: 1}, true)
	g.ProfileTileData(3)

	reports := GroupReports(g, 1)
	if len(reports) != 1 || reports[0].Hashes[0].AccountHash != 2 {
		t.Errorf("GroupReports = %+v, want only account 2", reports)
	}
}

func TestEmptiedRegionReconciles(t *testing.T) {
	owner := tiles.NewGroupTileData()
	relay := tiles.NewGroupTileData()
	tile := types.Tile{RegionID: 300, RegionX: 4, RegionY: 4}
	owner.SetTile(1, tile, true)
	owner.SetTile(1, tile, false)
	relay.SetTile(1, tile, true)

	report := BuildHashReport(1, owner.ProfileTileData(1))
	if len(report.Hashes) != 1 || report.Hashes[0].RegionID != 300 || report.Hashes[0].Digest != 0 {
		t.Fatalf("report = %+v, want region 300 with digest 0", report.Hashes)
	}
	out := Respond(Diff(report, relay), owner)
	if len(out) != 1 {
		t.Fatalf("Respond returned %d messages, want 1", len(out))
	}
	resp := out[0].(protocol.RegionDataResponse)
	if len(resp.Tiles) != 0 {
		t.Errorf("emptied region answered with %+v", resp.Tiles)
	}
	Apply(resp, relay)
	if relay.HasRegion(1, 300) || relay.RegionDigest(1, 300) != 0 {
		t.Errorf("relay still holds the emptied region")
	}
}
