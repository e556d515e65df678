// Package reconcile makes one peer's copy of an account's regions converge with another's
// by exchanging region digests and shipping only the regions whose digests differ.
package reconcile

import (
	"tilesync/pkg/protocol"
	"tilesync/pkg/tiles"
	"tilesync/pkg/types"
)

// BuildHashReport digests every region the profile holds. An emptied region is reported
// with digest 0 so a peer still holding its old tiles asks for the empty set.
func BuildHashReport(accountHash int64, p *tiles.ProfileTileData) protocol.RegionHashReportResponse {
	var report protocol.RegionHashReportResponse
	if p == nil {
		return report
	}
	for _, regionID := range p.RegionKeys() {
		report.Hashes = append(report.Hashes, types.RegionDataHash{
			AccountHash: accountHash,
			RegionID:    regionID,
			Digest:      p.RegionDigest(regionID),
		})
	}
	return report
}

// GroupReports builds one hash report per account in g, skipping exclude. Accounts with no
// regions produce no report.
func GroupReports(g *tiles.GroupTileData, exclude int64) []protocol.RegionHashReportResponse {
	var out []protocol.RegionHashReportResponse
	g.ForEachProfile(func(accountHash int64, p *tiles.ProfileTileData) {
		if accountHash == exclude {
			return
		}
		if r := BuildHashReport(accountHash, p); len(r.Hashes) > 0 {
			out = append(out, r)
		}
	})
	return out
}

// Diff lists the reported regions whose local digest differs. Unknown regions digest to 0.
func Diff(report protocol.RegionHashReportResponse, g *tiles.GroupTileData) protocol.RegionDataRequest {
	var req protocol.RegionDataRequest
	for _, h := range report.Hashes {
		if g.RegionDigest(h.AccountHash, h.RegionID) != h.Digest {
			req.Regions = append(req.Regions, h.Key())
		}
	}
	return req
}

// Respond answers a region request with one response per requested region that g holds.
// An emptied region is answered with no tiles; regions g never held are left out.
func Respond(req protocol.RegionDataRequest, g *tiles.GroupTileData) []protocol.Message {
	var out []protocol.Message
	for _, key := range req.Regions {
		ts, held := g.RegionState(key.AccountHash, key.RegionID)
		if !held {
			continue
		}
		out = append(out, protocol.RegionDataResponse{Region: key, Tiles: ts})
	}
	return out
}

// Apply overwrites the local region with the received tiles. Afterwards the local digest
// equals the sender's.
func Apply(resp protocol.RegionDataResponse, g *tiles.GroupTileData) {
	g.SetRegionTiles(resp.Region.AccountHash, resp.Region.RegionID, resp.Tiles)
}
