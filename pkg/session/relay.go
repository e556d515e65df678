package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tilesync/pkg/core"
	"tilesync/pkg/group"
	"tilesync/pkg/protocol"
	"tilesync/pkg/store"
	"tilesync/pkg/tiles"
	"tilesync/pkg/types"
)

const DefaultPort = 7777

type RelayConfig struct {
	// Addr is the TCP listen address for ListenAndServe; default ":7777".
	Addr string
	// Password is hashed once at construction. Empty disables the check.
	Password string
	// TrustMembers skips the password check for accounts already in the group.
	TrustMembers bool

	Group types.GroupProfile
	Tiles *tiles.GroupTileData
	Store *store.Store

	Timeout time.Duration
	// AcceptRate and AcceptBurst limit new connections per remote IP.
	AcceptRate  rate.Limit
	AcceptBurst int
	// MessageRate and MessageBurst limit inbound messages per connection.
	MessageRate  rate.Limit
	MessageBurst int

	Logger   zerolog.Logger
	Notifier *Notifier
	Regions  *RegionSignal
}

// Relay accepts client connections and holds the group's authoritative tiles and profile.
type Relay struct {
	cfg          RelayConfig
	log          zerolog.Logger
	passwordHash string
	group        *group.State
	tiles        *tiles.GroupTileData

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handlers  map[*handler]struct{}
	listeners []net.Listener
	closed    bool

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Addr == "" {
		cfg.Addr = ":7777"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = protocol.DefaultTimeout
	}
	if cfg.AcceptRate == 0 {
		cfg.AcceptRate, cfg.AcceptBurst = 2, 10
	}
	if cfg.MessageRate == 0 {
		cfg.MessageRate, cfg.MessageBurst = 500, 1000
	}
	if cfg.Tiles == nil {
		cfg.Tiles = tiles.NewGroupTileData()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "relay").Logger(),
		passwordHash: core.HashPassword(cfg.Password),
		group:        group.FromProfile(cfg.Group),
		tiles:        cfg.Tiles,
		ctx:          ctx,
		cancel:       cancel,
		handlers:     make(map[*handler]struct{}),
		limiters:     make(map[string]*rate.Limiter),
	}
}

func (r *Relay) Group() types.GroupProfile { return r.group.Snapshot() }

func (r *Relay) Tiles() *tiles.GroupTileData { return r.tiles }

// ListenAndServe listens on the configured address and serves until ctx ends or Shutdown.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			r.Shutdown()
		case <-r.ctx.Done():
		}
	}()
	return r.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It always returns a non-nil error
// except after Shutdown.
func (r *Relay) Serve(ln net.Listener) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ln.Close()
		return nil
	}
	r.listeners = append(r.listeners, ln)
	r.mu.Unlock()

	r.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	r.cfg.Notifier.Notify(Event{Kind: EventHostUp})
	defer r.cfg.Notifier.Notify(Event{Kind: EventHostDown})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !r.limiter(ip).Allow() {
			r.log.Warn().Str("remote", ip).Msg("connection rate limited")
			conn.Close()
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serveStream(protocol.NewNetStream(conn, protocol.CompressAuto), conn.RemoteAddr().String())
		}()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWebSocket runs one relay session over a websocket. It blocks until the session ends.
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	r.wg.Add(1)
	defer r.wg.Done()
	r.serveStream(protocol.NewWebSocketStream(ws), req.RemoteAddr)
}

func (r *Relay) serveStream(s protocol.Stream, remote string) {
	h := newHandler(r, s, remote)
	if !r.track(h) {
		h.conn.Close()
		return
	}
	defer r.untrack(h)
	h.run()
}

func (r *Relay) track(h *handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.handlers[h] = struct{}{}
	return true
}

func (r *Relay) untrack(h *handler) {
	r.mu.Lock()
	delete(r.handlers, h)
	r.mu.Unlock()
}

func (r *Relay) limiter(ip string) *rate.Limiter {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	l, ok := r.limiters[ip]
	if !ok {
		l = rate.NewLimiter(r.cfg.AcceptRate, r.cfg.AcceptBurst)
		r.limiters[ip] = l
	}
	return l
}

// broadcast queues m on every ready connection except skip, which may be nil.
func (r *Relay) broadcast(m protocol.Message, skip *handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h := range r.handlers {
		if h == skip || !h.isReady() {
			continue
		}
		h.conn.Send(m)
	}
}

// Shutdown stops accepting, closes every connection and waits for handlers to exit.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	r.cancel()
	for _, ln := range r.listeners {
		ln.Close()
	}
	for h := range r.handlers {
		h.conn.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
	r.log.Info().Msg("relay stopped")
}

type PeerInfo struct {
	AccountHash int64  `json:"accountHash"`
	Name        string `json:"name"`
	Remote      string `json:"remote"`
	Ready       bool   `json:"ready"`
}

type Snapshot struct {
	Group       types.GroupProfile `json:"group"`
	Peers       []PeerInfo         `json:"peers"`
	TileCount   int                `json:"tileCount"`
	TilesByPeer map[int64]int      `json:"tilesByPeer"`
}

// Snapshot reports the relay's current connections and tile totals.
func (r *Relay) Snapshot() Snapshot {
	s := Snapshot{Group: r.group.Snapshot(), TilesByPeer: map[int64]int{}}
	r.mu.Lock()
	for h := range r.handlers {
		p := h.peerProfile()
		s.Peers = append(s.Peers, PeerInfo{AccountHash: p.AccountHash, Name: p.Name, Remote: h.remote, Ready: h.isReady()})
	}
	r.mu.Unlock()
	sort.Slice(s.Peers, func(i, j int) bool { return s.Peers[i].AccountHash < s.Peers[j].AccountHash })
	r.tiles.ForEachProfile(func(account int64, p *tiles.ProfileTileData) {
		n := p.CountTiles()
		s.TilesByPeer[account] = n
		s.TileCount += n
	})
	return s
}

func (r *Relay) persistGroup() {
	if r.cfg.Store == nil {
		return
	}
	g := r.group.Snapshot()
	if g.IsNone() {
		return
	}
	if err := r.cfg.Store.SaveGroupProfile(r.ctx, g); err != nil {
		r.log.Error().Err(err).Msg("save group profile")
	}
}

func (r *Relay) persistRegion(account int64, regionID int) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.SaveRegionFrom(r.ctx, r.tiles.ProfileTileData(account), regionID); err != nil {
		r.log.Error().Err(err).Int64("owner", account).Int("region", regionID).Msg("save region")
	}
}
