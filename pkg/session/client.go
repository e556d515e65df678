// Package session runs the two ends of a relay session: the Client state machine that one
// player runs, and the Relay that accepts many clients and holds the group's copy of record.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tilesync/pkg/core"
	"tilesync/pkg/group"
	"tilesync/pkg/protocol"
	"tilesync/pkg/reconcile"
	"tilesync/pkg/store"
	"tilesync/pkg/tiles"
	"tilesync/pkg/types"
)

var (
	ErrAuthFailed   = errors.New("session: authentication rejected")
	ErrConnect      = errors.New("session: could not connect")
	ErrNoProfile    = errors.New("session: no profile selected")
	ErrNoGroup      = errors.New("session: not in a group")
	ErrNotConnected = errors.New("session: not connected")
)

type ClientConfig struct {
	// Addr is host:port for TCP, or a ws:// or wss:// URL for the websocket endpoint.
	Addr     string
	Profile  types.Profile
	Password string
	// Group is the group the profile already belongs to, if any.
	Group       types.GroupProfile
	Compression protocol.Compression
	Timeout     time.Duration

	// Store is optional. When set, tiles and group metadata are persisted as they change.
	Store    *store.Store
	Logger   zerolog.Logger
	Notifier *Notifier
	Regions  *RegionSignal

	// Dial overrides how the stream is opened.
	Dial func(ctx context.Context) (protocol.Stream, error)
}

type Client struct {
	cfg   ClientConfig
	log   zerolog.Logger
	group *group.State
	tiles *tiles.GroupTileData

	profileMu sync.RWMutex
	profile   types.Profile

	state  atomic.Int32
	conn   atomic.Pointer[protocol.Conn]
	ready  chan struct{}
	cancel atomic.Pointer[context.CancelFunc]
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = protocol.DefaultTimeout
	}
	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "client").Int64("account", cfg.Profile.AccountHash).Logger(),
		group:   group.FromProfile(cfg.Group),
		tiles:   tiles.NewGroupTileData(),
		profile: cfg.Profile,
		ready:   make(chan struct{}),
	}
	return c
}

func (c *Client) State() ClientState { return ClientState(c.state.Load()) }

// Ready is closed once the session reaches the connected state.
func (c *Client) Ready() <-chan struct{} { return c.ready }

func (c *Client) Group() types.GroupProfile { return c.group.Snapshot() }

func (c *Client) Tiles() *tiles.GroupTileData { return c.tiles }

func (c *Client) Profile() types.Profile {
	c.profileMu.RLock()
	defer c.profileMu.RUnlock()
	return c.profile
}

func (c *Client) account() int64 { return c.Profile().AccountHash }

// streaming reports whether the relay accepts steady-state updates from this session. Any
// tile marked before this point is covered by the hash report sent on entering SYNCING.
func (c *Client) streaming() bool {
	s := c.State()
	return s == StateSyncing || s == StateConnected
}

func (c *Client) setState(s ClientState) {
	c.state.Store(int32(s))
	c.log.Debug().Stringer("state", s).Msg("state changed")
}

// Run drives the session until it ends. It returns nil after a graceful leave or
// disconnect, and a wrapped sentinel otherwise. A Client runs once.
func (c *Client) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel.Store(&cancel)

	c.setState(StateConnecting)
	c.cfg.Notifier.Notify(Event{Kind: EventClientConnecting})
	defer func() {
		if errors.Is(err, protocol.ErrShutdown) {
			err = nil
		}
		c.setState(StateDisconnected)
		c.cfg.Notifier.Notify(Event{Kind: EventClientDisconnected, Err: err})
		if err != nil {
			c.log.Error().Err(err).Msg("session ended")
		} else {
			c.log.Info().Msg("session ended")
		}
	}()

	if c.Profile().IsNone() {
		return ErrNoProfile
	}
	c.loadOwnTiles(ctx)

	stream, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	conn := protocol.NewConn(stream, c.log)
	c.conn.Store(conn)
	defer func() {
		c.conn.Store(nil)
		conn.Close()
	}()
	go func() {
		<-ctx.Done()
		conn.Shutdown()
	}()

	if err := c.authenticate(conn); err != nil {
		return err
	}
	if err := c.syncGroupProfile(ctx, conn); err != nil {
		return err
	}

	c.setState(StateSyncing)
	own := c.tiles.ProfileTileData(c.account())
	conn.Send(protocol.TileSyncRequest{}, reconcile.BuildHashReport(c.account(), own))
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("send tile sync: %w", err)
	}

	c.setState(StateConnected)
	close(c.ready)
	c.cfg.Notifier.Notify(Event{Kind: EventClientConnected})
	c.log.Info().Str("group", c.group.ID()).Msg("connected")

	for {
		if err := conn.Flush(); err != nil {
			if conn.ShutdownRequested() {
				return nil
			}
			return fmt.Errorf("flush: %w", err)
		}
		if conn.ShutdownRequested() {
			return nil
		}
		if m, ok := conn.TryReceive(); ok {
			if err := c.dispatch(ctx, m); err != nil {
				return err
			}
			continue
		}
		if err := conn.Err(); err != nil {
			if conn.ShutdownRequested() {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		conn.Idle(protocol.PollInterval)
	}
}

// loadOwnTiles merges stored regions of the local account under any marked in memory.
func (c *Client) loadOwnTiles(ctx context.Context) {
	if c.cfg.Store == nil {
		return
	}
	stored, err := c.cfg.Store.LoadProfileTileData(ctx, c.account())
	if err != nil {
		c.log.Error().Err(err).Msg("load own tiles")
		return
	}
	own := c.tiles.ProfileTileData(c.account())
	stored.ForEachRegion(func(regionID int, ts []types.Tile, _ uint64) {
		if !own.HasRegion(regionID) {
			own.SetRegion(regionID, ts)
		}
	})
}

func (c *Client) dial(ctx context.Context) (protocol.Stream, error) {
	if c.cfg.Dial != nil {
		return c.cfg.Dial(ctx)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if strings.HasPrefix(c.cfg.Addr, "ws://") || strings.HasPrefix(c.cfg.Addr, "wss://") {
		return protocol.DialWebSocket(dialCtx, c.cfg.Addr)
	}
	return protocol.Dial(dialCtx, c.cfg.Addr, c.cfg.Compression)
}

func (c *Client) authenticate(conn *protocol.Conn) error {
	c.setState(StateAuthenticating)
	conn.Send(protocol.AuthenticationRequest{
		Profile:        c.Profile(),
		HashedPassword: core.HashPassword(c.cfg.Password),
	})
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("send authentication: %w", err)
	}
	resp, err := protocol.Await[protocol.AuthenticationResponse](conn, c.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("await authentication: %w", err)
	}
	if !resp.Success {
		return ErrAuthFailed
	}
	return nil
}

func (c *Client) syncGroupProfile(ctx context.Context, conn *protocol.Conn) error {
	if current := c.group.Snapshot(); !current.IsNone() {
		conn.Send(protocol.GroupProfileResponse{Group: current})
	} else {
		conn.Send(protocol.GroupProfileRequest{})
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("send group profile: %w", err)
	}
	resp, err := protocol.Await[protocol.GroupProfileResponse](conn, c.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("await group profile: %w", err)
	}
	if resp.Group.IsNone() {
		return ErrNoGroup
	}
	c.group.Replace(resp.Group)

	c.profileMu.Lock()
	c.profile.GroupID = resp.Group.GroupID
	profile := c.profile
	c.profileMu.Unlock()

	if c.cfg.Store == nil {
		return nil
	}
	if err := c.cfg.Store.SaveProfile(ctx, profile); err != nil {
		c.log.Error().Err(err).Msg("save profile")
	}
	c.persistGroup(ctx)
	stored, err := c.cfg.Store.LoadGroupTileData(ctx, resp.Group)
	if err != nil {
		c.log.Error().Err(err).Msg("load group tiles")
		return nil
	}
	stored.ForEachProfile(func(account int64, p *tiles.ProfileTileData) {
		if !c.tiles.HasProfile(account) {
			c.tiles.Insert(p)
		}
	})
	return nil
}

func (c *Client) dispatch(ctx context.Context, m protocol.Message) error {
	conn := c.conn.Load()
	switch msg := m.(type) {
	case protocol.TileUpdateResponse:
		if c.tiles.SetTile(msg.AccountHash, msg.Tile, msg.Marked) {
			c.persistRegion(ctx, msg.AccountHash, msg.Tile.RegionID)
			c.cfg.Regions.Mark(msg.Tile.RegionID)
		}

	case protocol.RegionDataRequest:
		conn.Send(reconcile.Respond(msg, c.tiles)...)

	case protocol.RegionDataResponse:
		reconcile.Apply(msg, c.tiles)
		c.persistRegion(ctx, msg.Region.AccountHash, msg.Region.RegionID)
		c.cfg.Regions.Mark(msg.Region.RegionID)

	case protocol.RegionHashReportResponse:
		if req := reconcile.Diff(msg, c.tiles); len(req.Regions) > 0 {
			conn.Send(req)
		}

	case protocol.JoinResponse:
		if c.group.AddMember(msg.Profile, msg.Profile.AccountHash) {
			c.persistGroup(ctx)
			c.cfg.Notifier.Notify(Event{Kind: EventPeerJoined, AccountHash: msg.Profile.AccountHash})
			c.log.Info().Int64("peer", msg.Profile.AccountHash).Str("name", msg.Profile.Name).Msg("peer joined")
		}

	case protocol.LeaveResponse:
		if msg.AccountHash == c.account() {
			return nil
		}
		c.group.RemoveMember(msg.AccountHash, msg.AccountHash)
		c.cfg.Regions.Mark(c.tiles.ProfileTileData(msg.AccountHash).RegionIDs()...)
		c.tiles.RemoveProfile(msg.AccountHash)
		c.persistGroup(ctx)
		if c.cfg.Store != nil {
			if err := c.cfg.Store.DeleteTileData(ctx, msg.AccountHash); err != nil {
				c.log.Error().Err(err).Msg("delete peer tiles")
			}
		}
		c.cfg.Notifier.Notify(Event{Kind: EventPeerLeft, AccountHash: msg.AccountHash})
		c.log.Info().Int64("peer", msg.AccountHash).Msg("peer left")

	case protocol.ProfileUpdateResponse:
		if msg.Profile.AccountHash == c.account() {
			return nil
		}
		if _, changed := c.group.UpdateMember(msg.Profile.AccountHash, msg.Name, msg.Color); changed {
			c.persistGroup(ctx)
		}

	case protocol.GroupProfileResponse:
		if err := c.group.AcceptIfNewer(msg.Group, msg.Group.UpdatedBy); err == nil {
			c.persistGroup(ctx)
		} else {
			c.log.Debug().Err(err).Msg("ignoring group profile")
		}

	default:
		return fmt.Errorf("dispatch: %w: %s", protocol.ErrUnexpectedMessage, m.Kind())
	}
	return nil
}

// MarkTile applies a local mark or unmark, persists it and queues it for the relay. It is
// safe to call before the session connects: the hash report sent on connect covers every
// region the client holds, so an unmark that empties a region still reaches the relay.
func (c *Client) MarkTile(ctx context.Context, t types.Tile, marked bool) error {
	account := c.account()
	if !c.tiles.SetTile(account, t, marked) {
		return nil
	}
	c.cfg.Regions.Mark(t.RegionID)
	if conn := c.conn.Load(); conn != nil && c.streaming() {
		conn.Send(protocol.TileUpdateRequest{Tile: t, Marked: marked})
	}
	if c.cfg.Store != nil {
		return c.cfg.Store.SaveRegionFrom(ctx, c.tiles.ProfileTileData(account), t.RegionID)
	}
	return nil
}

// UpdateProfile renames or recolors the local profile and tells the group.
func (c *Client) UpdateProfile(ctx context.Context, name, color string) error {
	c.profileMu.Lock()
	if name != "" {
		c.profile.Name = name
	}
	if color != "" {
		c.profile.Color = color
	}
	profile := c.profile
	c.profileMu.Unlock()

	c.group.UpdateMember(profile.AccountHash, name, color)
	if conn := c.conn.Load(); conn != nil && c.streaming() {
		conn.Send(protocol.ProfileUpdateRequest{Profile: profile, Name: name, Color: color})
	}
	if c.cfg.Store == nil {
		return nil
	}
	if err := c.cfg.Store.SaveProfile(ctx, profile); err != nil {
		return err
	}
	c.persistGroup(ctx)
	return nil
}

// LeaveGroup tells the relay this account is leaving, then ends the session.
func (c *Client) LeaveGroup(ctx context.Context) error {
	conn := c.conn.Load()
	if conn == nil || c.State() != StateConnected {
		return ErrNotConnected
	}
	conn.Send(protocol.LeaveRequest{})
	err := conn.Flush()
	conn.Shutdown()

	c.profileMu.Lock()
	c.profile.GroupID = ""
	profile := c.profile
	c.profileMu.Unlock()
	c.group.Replace(types.GroupProfile{})
	if c.cfg.Store != nil {
		if serr := c.cfg.Store.SaveProfile(ctx, profile); serr != nil {
			c.log.Error().Err(serr).Msg("save profile")
		}
	}
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// Disconnect ends the session without leaving the group.
func (c *Client) Disconnect() {
	if cancel := c.cancel.Load(); cancel != nil {
		(*cancel)()
	}
	if conn := c.conn.Load(); conn != nil {
		conn.Shutdown()
	}
}

func (c *Client) persistRegion(ctx context.Context, account int64, regionID int) {
	if c.cfg.Store == nil {
		return
	}
	if err := c.cfg.Store.SaveRegionFrom(ctx, c.tiles.ProfileTileData(account), regionID); err != nil {
		c.log.Error().Err(err).Int64("owner", account).Int("region", regionID).Msg("save region")
	}
}

func (c *Client) persistGroup(ctx context.Context) {
	if c.cfg.Store == nil {
		return
	}
	g := c.group.Snapshot()
	if g.IsNone() {
		return
	}
	if err := c.cfg.Store.SaveGroupProfile(ctx, g); err != nil {
		c.log.Error().Err(err).Msg("save group profile")
	}
}
