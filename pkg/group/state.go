// Package group owns a group's shared profile: who is in it, who created it, and which
// incoming copy of it wins.
package group

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tilesync/pkg/types"
)

var (
	ErrDifferentGroup  = errors.New("group: profile belongs to a different group")
	ErrNoCreator       = errors.New("group: profile has no creator")
	ErrOwnershipChange = errors.New("group: only the creator may transfer ownership")
	ErrNoMembers       = errors.New("group: profile has no members")
	ErrNotNewer        = errors.New("group: profile is not newer than the current one")
)

// State is a mutex-guarded GroupProfile. The zero value is not usable; see New and FromProfile.
type State struct {
	mu      sync.RWMutex
	profile types.GroupProfile
	now     func() time.Time
}

// New creates a group owned by creator, who becomes its first member.
func New(name string, creator types.Profile) *State {
	s := &State{now: utcNow}
	creator.GroupID = uuid.NewString()
	s.profile = types.GroupProfile{
		GroupID:            creator.GroupID,
		Name:               name,
		CreatorAccountHash: creator.AccountHash,
		Members:            []types.Profile{creator},
		LastUpdated:        s.now(),
		UpdatedBy:          creator.AccountHash,
	}
	return s
}

// FromProfile wraps an existing profile, e.g. one loaded from the store or received from a
// relay. A zero GroupProfile gives a State that holds no group.
func FromProfile(p types.GroupProfile) *State {
	return &State{profile: p.Clone(), now: utcNow}
}

func utcNow() time.Time { return time.Now().UTC() }

// SetClock overrides the timestamp source. Tests only.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *State) Snapshot() types.GroupProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.Clone()
}

func (s *State) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.GroupID
}

func (s *State) IsNone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.IsNone()
}

func (s *State) IsMember(accountHash int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.IsMember(accountHash)
}

func (s *State) Member(accountHash int64) (types.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.Member(accountHash)
}

// AddMember reports whether p was added; existing members are left untouched.
func (s *State) AddMember(p types.Profile, by int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile.IsNone() || s.profile.IsMember(p.AccountHash) {
		return false
	}
	p.GroupID = s.profile.GroupID
	s.profile.Members = append(s.profile.Members, p)
	s.touch(by)
	return true
}

// RemoveMember reports whether the account was a member.
func (s *State) RemoveMember(accountHash, by int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.profile.Members[:0:0]
	for _, m := range s.profile.Members {
		if m.AccountHash != accountHash {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(s.profile.Members) {
		return false
	}
	s.profile.Members = kept
	s.touch(by)
	return true
}

// UpdateMember renames or recolors a member. Empty name or color leaves the field as is.
func (s *State) UpdateMember(accountHash int64, name, color string) (types.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.profile.Members {
		if m.AccountHash != accountHash {
			continue
		}
		if name != "" {
			m.Name = name
		}
		if color != "" {
			m.Color = color
		}
		if m == s.profile.Members[i] {
			return m, false
		}
		s.profile.Members[i] = m
		s.touch(accountHash)
		return m, true
	}
	return types.Profile{}, false
}

// Replace installs p unconditionally.
func (s *State) Replace(p types.GroupProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p.Clone()
}

// AcceptIfNewer installs incoming when it passes Validate against the current profile. A
// State holding no group adopts any structurally valid profile.
func (s *State) AcceptIfNewer(incoming types.GroupProfile, sender int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := Validate(s.profile, incoming, sender); err != nil {
		return err
	}
	s.profile = incoming.Clone()
	return nil
}

func (s *State) touch(by int64) {
	t := s.now()
	// Keep LastUpdated strictly increasing even when the clock is coarse or steps back.
	if !t.After(s.profile.LastUpdated) {
		t = s.profile.LastUpdated.Add(time.Microsecond)
	}
	s.profile.LastUpdated = t
	s.profile.UpdatedBy = by
}

// Validate applies the acceptance rules for an incoming copy of the group profile.
func Validate(current, incoming types.GroupProfile, sender int64) error {
	if incoming.IsNone() {
		return fmt.Errorf("validate group profile: %w", ErrDifferentGroup)
	}
	if incoming.CreatorAccountHash == 0 || incoming.CreatorAccountHash == types.NoAccount {
		return ErrNoCreator
	}
	if len(incoming.Members) == 0 {
		return ErrNoMembers
	}
	if current.IsNone() {
		return nil
	}
	if incoming.GroupID != current.GroupID {
		return ErrDifferentGroup
	}
	if incoming.CreatorAccountHash != current.CreatorAccountHash && sender != current.CreatorAccountHash {
		return ErrOwnershipChange
	}
	if !IsNewer(incoming, current) {
		return ErrNotNewer
	}
	return nil
}

// IsNewer orders profiles by LastUpdated, breaking ties by the larger UpdatedBy account.
// Identical stamps are not newer.
func IsNewer(a, b types.GroupProfile) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	return a.UpdatedBy > b.UpdatedBy
}
