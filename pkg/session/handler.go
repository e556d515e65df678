package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tilesync/pkg/core"
	"tilesync/pkg/protocol"
	"tilesync/pkg/reconcile"
	"tilesync/pkg/types"
)

// handler serves one relay connection: the handshake, then the steady-state dispatch loop.
type handler struct {
	relay  *Relay
	conn   *protocol.Conn
	remote string
	log    zerolog.Logger
	limit  *rate.Limiter

	mu      sync.RWMutex
	profile types.Profile
	ready   atomic.Bool
}

func newHandler(r *Relay, s protocol.Stream, remote string) *handler {
	log := r.log.With().Str("remote", remote).Logger()
	return &handler{
		relay:  r,
		conn:   protocol.NewConn(s, log),
		remote: remote,
		log:    log,
		limit:  rate.NewLimiter(r.cfg.MessageRate, r.cfg.MessageBurst),
	}
}

func (h *handler) isReady() bool { return h.ready.Load() }

func (h *handler) peerProfile() types.Profile {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.profile
}

func (h *handler) account() int64 { return h.peerProfile().AccountHash }

func (h *handler) run() {
	defer h.conn.Close()
	err := h.serve()
	switch {
	case err == nil, errors.Is(err, protocol.ErrShutdown):
		h.log.Info().Int64("account", h.account()).Msg("connection closed")
	case protocol.IsClosedError(err):
		h.log.Info().Int64("account", h.account()).Msg("peer disconnected")
	default:
		h.log.Error().Err(err).Int64("account", h.account()).Msg("connection failed")
	}
}

func (h *handler) serve() error {
	ok, err := h.authenticate()
	if err != nil || !ok {
		return err
	}
	if ok, err := h.syncGroupProfile(); err != nil || !ok {
		return err
	}
	return h.loop()
}

func (h *handler) authenticate() (bool, error) {
	r := h.relay
	req, err := protocol.Await[protocol.AuthenticationRequest](h.conn, r.cfg.Timeout)
	if err != nil {
		return false, fmt.Errorf("await authentication: %w", err)
	}
	p := req.Profile
	if p.IsNone() {
		h.reject("no profile")
		return false, nil
	}

	member := r.group.IsMember(p.AccountHash)
	challenge := r.passwordHash != "" && !(member && r.cfg.TrustMembers)
	if challenge && !core.CheckPassword(r.passwordHash, req.HashedPassword) {
		h.reject("wrong password")
		return false, nil
	}

	h.mu.Lock()
	h.profile = p
	h.mu.Unlock()
	h.log = h.log.With().Int64("account", p.AccountHash).Logger()

	if !member {
		h.admit(p)
	}
	h.conn.Send(protocol.AuthenticationResponse{Success: true})
	if err := h.conn.Flush(); err != nil {
		return false, fmt.Errorf("send authentication: %w", err)
	}
	h.log.Info().Str("name", p.Name).Msg("authenticated")
	return true, nil
}

func (h *handler) reject(reason string) {
	h.log.Warn().Str("reason", reason).Msg("authentication rejected")
	h.conn.Send(protocol.AuthenticationResponse{Success: false})
	if err := h.conn.Flush(); err != nil {
		h.log.Debug().Err(err).Msg("send rejection")
	}
}

// admit adds a new member to the group and tells everyone already connected.
func (h *handler) admit(p types.Profile) {
	r := h.relay
	if !r.group.AddMember(p, p.AccountHash) {
		return
	}
	joined, _ := r.group.Member(p.AccountHash)
	r.persistGroup()
	r.broadcast(protocol.JoinResponse{Profile: joined}, h)
	r.cfg.Notifier.Notify(Event{Kind: EventPeerJoined, AccountHash: p.AccountHash})
	h.log.Info().Str("name", p.Name).Msg("member joined")
}

func (h *handler) syncGroupProfile() (bool, error) {
	r := h.relay
	m, err := protocol.AwaitFunc(h.conn, r.cfg.Timeout, func(m protocol.Message) bool {
		switch m.(type) {
		case protocol.GroupProfileRequest, protocol.GroupProfileResponse:
			return true
		}
		return false
	})
	if err != nil {
		return false, fmt.Errorf("await group profile: %w", err)
	}
	if push, ok := m.(protocol.GroupProfileResponse); ok {
		if err := r.group.AcceptIfNewer(push.Group, h.account()); err != nil {
			h.log.Debug().Err(err).Msg("keeping relay group profile")
		} else {
			h.log.Info().Str("group", push.Group.GroupID).Msg("adopted group profile")
			r.persistGroup()
		}
		if !r.group.IsNone() && !r.group.IsMember(h.account()) {
			h.admit(h.peerProfile())
		}
	}

	canonical := r.group.Snapshot()
	h.conn.Send(protocol.GroupProfileResponse{Group: canonical})
	if canonical.IsNone() {
		h.log.Info().Msg("relay has no group yet")
		return false, h.conn.Flush()
	}
	h.ready.Store(true)
	if err := h.conn.Flush(); err != nil {
		return false, fmt.Errorf("send group profile: %w", err)
	}
	return true, nil
}

func (h *handler) loop() error {
	for {
		if err := h.conn.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		if h.conn.ShutdownRequested() {
			return nil
		}
		if m, ok := h.conn.TryReceive(); ok {
			if err := h.limit.Wait(h.relay.ctx); err != nil {
				return nil
			}
			done, err := h.dispatch(m)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}
		if err := h.conn.Err(); err != nil {
			return err
		}
		h.conn.Idle(protocol.PollInterval)
	}
}

// dispatch handles one steady-state message. done reports a graceful end of the session.
func (h *handler) dispatch(m protocol.Message) (done bool, err error) {
	r := h.relay
	account := h.account()

	switch msg := m.(type) {
	case protocol.TileSyncRequest:
		for _, report := range reconcile.GroupReports(r.tiles, account) {
			h.conn.Send(report)
		}

	case protocol.RegionHashReportResponse:
		own := protocol.RegionHashReportResponse{}
		for _, hash := range msg.Hashes {
			if hash.AccountHash == account {
				own.Hashes = append(own.Hashes, hash)
			}
		}
		if req := reconcile.Diff(own, r.tiles); len(req.Regions) > 0 {
			h.log.Debug().Int("regions", len(req.Regions)).Msg("requesting stale regions")
			h.conn.Send(req)
		}

	case protocol.RegionDataRequest:
		h.conn.Send(reconcile.Respond(msg, r.tiles)...)

	case protocol.RegionDataResponse:
		if msg.Region.AccountHash != account {
			h.log.Warn().Int64("owner", msg.Region.AccountHash).Msg("ignoring region data for another account")
			return false, nil
		}
		reconcile.Apply(msg, r.tiles)
		r.persistRegion(account, msg.Region.RegionID)
		r.broadcast(msg, h)
		r.cfg.Regions.Mark(msg.Region.RegionID)

	case protocol.TileUpdateRequest:
		if r.tiles.SetTile(account, msg.Tile, msg.Marked) {
			r.persistRegion(account, msg.Tile.RegionID)
			r.cfg.Regions.Mark(msg.Tile.RegionID)
		}
		r.broadcast(protocol.TileUpdateResponse{Tile: msg.Tile, Marked: msg.Marked, AccountHash: account}, nil)

	case protocol.LeaveRequest:
		h.leave()
		return true, nil

	case protocol.ProfileUpdateRequest:
		if msg.Profile.AccountHash != account {
			h.log.Warn().Int64("target", msg.Profile.AccountHash).Msg("ignoring profile update for another account")
			return false, nil
		}
		updated, changed := r.group.UpdateMember(account, msg.Name, msg.Color)
		if !changed {
			return false, nil
		}
		h.mu.Lock()
		h.profile.Name, h.profile.Color = updated.Name, updated.Color
		h.mu.Unlock()
		r.persistGroup()
		r.broadcast(protocol.ProfileUpdateResponse{Profile: updated, Name: msg.Name, Color: msg.Color}, nil)

	case protocol.GroupProfileRequest:
		h.conn.Send(protocol.GroupProfileResponse{Group: r.group.Snapshot()})

	case protocol.GroupProfileResponse:
		if err := r.group.AcceptIfNewer(msg.Group, account); err != nil {
			h.log.Debug().Err(err).Msg("rejected group profile update")
			return false, nil
		}
		r.persistGroup()
		r.broadcast(protocol.GroupProfileResponse{Group: r.group.Snapshot()}, h)

	default:
		return false, fmt.Errorf("dispatch: %w: %s", protocol.ErrUnexpectedMessage, m.Kind())
	}
	return false, nil
}

func (h *handler) leave() {
	r := h.relay
	account := h.account()
	h.ready.Store(false)

	r.group.RemoveMember(account, account)
	r.cfg.Regions.Mark(r.tiles.ProfileTileData(account).RegionIDs()...)
	r.tiles.RemoveProfile(account)
	r.persistGroup()
	if r.cfg.Store != nil {
		if err := r.cfg.Store.DeleteTileData(r.ctx, account); err != nil {
			h.log.Error().Err(err).Msg("delete tile data")
		}
	}
	r.broadcast(protocol.LeaveResponse{AccountHash: account}, h)
	r.cfg.Notifier.Notify(Event{Kind: EventPeerLeft, AccountHash: account})
	h.log.Info().Msg("member left")
}
