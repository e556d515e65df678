package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tilesync/pkg/tiles"
	"tilesync/pkg/types"
)

// ConfigGroup namespaces every key this package writes.
const ConfigGroup = "tilesync"

const (
	profilePrefix = "profile_"
	groupPrefix   = "group_"
	regionInfix   = "_region_"
)

func profileKey(accountHash int64) string {
	return profilePrefix + strconv.FormatInt(accountHash, 10)
}

func regionKey(accountHash int64, regionID int) string {
	return strconv.FormatInt(accountHash, 10) + regionInfix + strconv.Itoa(regionID)
}

func regionKeyPrefix(accountHash int64) string {
	return fullKey(ConfigGroup, strconv.FormatInt(accountHash, 10)+regionInfix)
}

func groupKey(groupID string) string {
	return groupPrefix + groupID
}

// SaveRegion writes one account's region. An empty region deletes the key.
func (s *Store) SaveRegion(ctx context.Context, accountHash int64, regionID int, ts []types.Tile) error {
	if len(ts) == 0 {
		return s.Delete(ctx, ConfigGroup, regionKey(accountHash, regionID))
	}
	return s.Save(ctx, ConfigGroup, regionKey(accountHash, regionID), ts)
}

// SaveRegionFrom persists the region's current contents as held by p.
func (s *Store) SaveRegionFrom(ctx context.Context, p *tiles.ProfileTileData, regionID int) error {
	ts, _ := p.Region(regionID)
	return s.SaveRegion(ctx, p.Account(), regionID, ts)
}

// SaveProfileTileData writes every non-empty region of p.
func (s *Store) SaveProfileTileData(ctx context.Context, p *tiles.ProfileTileData) error {
	var firstErr error
	p.ForEachRegion(func(regionID int, ts []types.Tile, _ uint64) {
		if err := s.SaveRegion(ctx, p.Account(), regionID, ts); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// LoadProfileTileData reads every stored region of one account.
func (s *Store) LoadProfileTileData(ctx context.Context, accountHash int64) (*tiles.ProfileTileData, error) {
	prefix := regionKeyPrefix(accountHash)
	keys, err := s.ListKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	p := tiles.NewProfileTileData(accountHash)
	for _, k := range keys {
		regionID, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
		if err != nil {
			s.log.Warn().Str("key", k).Msg("skipping malformed region key")
			continue
		}
		ts, err := LoadOrDefault[[]types.Tile](ctx, s, ConfigGroup, regionKey(accountHash, regionID), nil)
		if err != nil {
			return nil, err
		}
		p.SetRegion(regionID, ts)
	}
	return p, nil
}

// LoadGroupTileData reads the tile data of every member of g.
func (s *Store) LoadGroupTileData(ctx context.Context, g types.GroupProfile) (*tiles.GroupTileData, error) {
	out := tiles.NewGroupTileData()
	for _, account := range g.MemberAccounts() {
		p, err := s.LoadProfileTileData(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("load tiles of %d: %w", account, err)
		}
		out.Insert(p)
	}
	return out, nil
}

// DeleteTileData removes every stored region of one account.
func (s *Store) DeleteTileData(ctx context.Context, accountHash int64) error {
	keys, err := s.ListKeysByPrefix(ctx, regionKeyPrefix(accountHash))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

func (s *Store) SaveProfile(ctx context.Context, p types.Profile) error {
	return s.Save(ctx, ConfigGroup, profileKey(p.AccountHash), p)
}

// LoadProfile reports ok=false when no profile is stored for the account.
func (s *Store) LoadProfile(ctx context.Context, accountHash int64) (types.Profile, bool, error) {
	none := types.Profile{AccountHash: types.NoAccount}
	p, err := LoadOrDefault(ctx, s, ConfigGroup, profileKey(accountHash), none)
	if err != nil {
		return none, false, err
	}
	return p, !p.IsNone(), nil
}

// ListProfiles returns every stored profile ordered by key.
func (s *Store) ListProfiles(ctx context.Context) ([]types.Profile, error) {
	prefix := fullKey(ConfigGroup, profilePrefix)
	keys, err := s.ListKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []types.Profile
	for _, k := range keys {
		account, err := strconv.ParseInt(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			continue
		}
		p, ok, err := s.LoadProfile(ctx, account)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeleteProfile removes the profile and all of its tile data.
func (s *Store) DeleteProfile(ctx context.Context, accountHash int64) error {
	if err := s.DeleteTileData(ctx, accountHash); err != nil {
		return err
	}
	return s.Delete(ctx, ConfigGroup, profileKey(accountHash))
}

func (s *Store) SaveGroupProfile(ctx context.Context, g types.GroupProfile) error {
	if g.IsNone() {
		return fmt.Errorf("save group profile: empty group id")
	}
	return s.Save(ctx, ConfigGroup, groupKey(g.GroupID), g)
}

// LoadGroupProfile returns the zero GroupProfile when none is stored.
func (s *Store) LoadGroupProfile(ctx context.Context, groupID string) (types.GroupProfile, error) {
	if groupID == "" {
		return types.GroupProfile{}, nil
	}
	return LoadOrDefault(ctx, s, ConfigGroup, groupKey(groupID), types.GroupProfile{})
}

func (s *Store) DeleteGroupProfile(ctx context.Context, groupID string) error {
	return s.Delete(ctx, ConfigGroup, groupKey(groupID))
}
