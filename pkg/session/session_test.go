package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tilesync/pkg/group"
	"tilesync/pkg/protocol"
	"tilesync/pkg/store"
	"tilesync/pkg/tiles"
	"tilesync/pkg/types"
)

const testTimeout = 5 * time.Second

func startRelay(t *testing.T, cfg RelayConfig) (*Relay, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.Timeout = testTimeout
	r := NewRelay(cfg)
	go r.Serve(ln)
	t.Cleanup(r.Shutdown)
	return r, ln.Addr().String()
}

type runner struct {
	*Client
	done chan struct{}
	err  error
}

func startClient(t *testing.T, cfg ClientConfig) *runner {
	t.Helper()
	cfg.Timeout = testTimeout
	r := &runner{Client: NewClient(cfg), done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(r.done)
		r.err = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(testTimeout):
			t.Errorf("client did not stop")
		}
	})
	return r
}

func (r *runner) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-r.Ready():
	case <-r.done:
		t.Fatalf("client ended before connecting: %v", r.err)
	case <-time.After(testTimeout):
		t.Fatalf("client not connected after %v (state %s)", testTimeout, r.State())
	}
}

func (r *runner) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(testTimeout):
		t.Fatalf("client still running after %v", testTimeout)
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func profile(account int64, name string) types.Profile {
	return types.Profile{AccountHash: account, Name: name, Color: "#ff0000"}
}

// twoMembers connects a creator and a second member to a password protected relay.
func twoMembers(t *testing.T, relayCfg RelayConfig) (*Relay, *runner, *runner) {
	t.Helper()
	relayCfg.Password = "hunter2"
	relay, addr := startRelay(t, relayCfg)

	alice := profile(1001, "alice")
	g := group.New("Iron Squad", alice).Snapshot()
	alice.GroupID = g.GroupID

	a := startClient(t, ClientConfig{Addr: addr, Profile: alice, Group: g, Password: "hunter2"})
	a.waitReady(t)
	b := startClient(t, ClientConfig{Addr: addr, Profile: profile(2002, "bob"), Password: "hunter2"})
	b.waitReady(t)
	return relay, a, b
}

func TestHappyPath(t *testing.T) {
	relay, a, b := twoMembers(t, RelayConfig{})

	if a.State() != StateConnected || b.State() != StateConnected {
		t.Fatalf("states = %s, %s", a.State(), b.State())
	}
	if b.Group().GroupID != a.Group().GroupID {
		t.Errorf("bob joined group %q, want %q", b.Group().GroupID, a.Group().GroupID)
	}
	if b.Profile().GroupID != a.Group().GroupID {
		t.Errorf("bob's profile not bound to the group")
	}
	if g := relay.Group(); !g.IsMember(1001) || !g.IsMember(2002) {
		t.Errorf("relay members = %v", g.MemberAccounts())
	}
	eventually(t, "alice to see bob join", func() bool { return a.Group().IsMember(2002) })
}

func TestSingleMemberGetsNoHashReports(t *testing.T) {
	_, addr := startRelay(t, RelayConfig{})
	stream, err := protocol.Dial(context.Background(), addr, protocol.CompressNone)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := protocol.NewConn(stream, zerolog.Nop())
	defer conn.Close()

	alice := profile(1001, "alice")
	g := group.New("solo", alice).Snapshot()
	conn.Send(protocol.AuthenticationRequest{Profile: alice})
	conn.Flush()
	if resp, err := protocol.Await[protocol.AuthenticationResponse](conn, testTimeout); err != nil || !resp.Success {
		t.Fatalf("authenticate: %+v, %v", resp, err)
	}
	conn.Send(protocol.GroupProfileResponse{Group: g})
	conn.Flush()
	if _, err := protocol.Await[protocol.GroupProfileResponse](conn, testTimeout); err != nil {
		t.Fatalf("group profile: %v", err)
	}

	conn.Send(protocol.TileSyncRequest{})
	conn.Flush()
	m, err := protocol.AwaitFunc(conn, 300*time.Millisecond, func(protocol.Message) bool { return true })
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("tile sync answered with %v (%v), want nothing", m, err)
	}
}

func TestCompressedSession(t *testing.T) {
	relay, addr := startRelay(t, RelayConfig{})
	alice := profile(1001, "alice")
	a := startClient(t, ClientConfig{
		Addr:        addr,
		Profile:     alice,
		Group:       group.New("g", alice).Snapshot(),
		Compression: protocol.CompressLZ4,
	})
	a.waitReady(t)

	tile := types.Tile{RegionID: 12850, RegionX: 3, RegionY: 9}
	a.MarkTile(context.Background(), tile, true)
	eventually(t, "relay to receive a compressed tile update", func() bool {
		return relay.Tiles().RegionDigest(1001, 12850) == a.Tiles().RegionDigest(1001, 12850)
	})

	b := startClient(t, ClientConfig{Addr: addr, Profile: profile(2002, "bob")})
	b.waitReady(t)
	eventually(t, "uncompressed peer to reconcile", func() bool { return b.Tiles().HasRegion(1001, 12850) })
}

func TestWrongPassword(t *testing.T) {
	relay, addr := startRelay(t, RelayConfig{Password: "hunter2"})
	alice := profile(1001, "alice")
	g := group.New("g", alice).Snapshot()

	c := startClient(t, ClientConfig{Addr: addr, Profile: alice, Group: g, Password: "wrong"})
	err := c.wait(t)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if errors.Is(err, ErrConnect) {
		t.Errorf("auth failure reported as a connection failure")
	}
	if !relay.Group().IsNone() {
		t.Errorf("rejected client changed the relay's group")
	}
}

func TestMemberReauthentication(t *testing.T) {
	alice := profile(1001, "alice")
	g := group.New("g", alice).Snapshot()

	_, addr := startRelay(t, RelayConfig{Password: "hunter2", Group: g})
	c := startClient(t, ClientConfig{Addr: addr, Profile: alice, Group: g})
	if err := c.wait(t); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("member without password: err = %v, want ErrAuthFailed", err)
	}

	_, addr = startRelay(t, RelayConfig{Password: "hunter2", Group: g, TrustMembers: true})
	c = startClient(t, ClientConfig{Addr: addr, Profile: alice, Group: g})
	c.waitReady(t)
}

func TestTerminalStates(t *testing.T) {
	_, addr := startRelay(t, RelayConfig{})

	c := startClient(t, ClientConfig{Addr: addr, Profile: types.Profile{AccountHash: types.NoAccount}})
	if err := c.wait(t); !errors.Is(err, ErrNoProfile) {
		t.Errorf("no profile: err = %v", err)
	}

	c = startClient(t, ClientConfig{Addr: addr, Profile: profile(5, "solo")})
	if err := c.wait(t); !errors.Is(err, ErrNoGroup) {
		t.Errorf("no group: err = %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want Disconnected", c.State())
	}

	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := ln.Addr().String()
	ln.Close()
	c = startClient(t, ClientConfig{Addr: dead, Profile: profile(5, "solo")})
	if err := c.wait(t); !errors.Is(err, ErrConnect) {
		t.Errorf("refused: err = %v, want ErrConnect", err)
	}
}

func TestTileBroadcastFanOut(t *testing.T) {
	st, err := store.Open(context.Background(), store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "relay.sqlite"),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	relay, a, b := twoMembers(t, RelayConfig{Store: st})
	ctx := context.Background()
	tile := types.Tile{RegionID: 12850, RegionX: 10, RegionY: 20}

	if err := a.MarkTile(ctx, tile, true); err != nil {
		t.Fatalf("MarkTile: %v", err)
	}
	want := a.Tiles().RegionDigest(1001, 12850)
	if want == 0 {
		t.Fatalf("local mark not applied")
	}
	eventually(t, "bob to receive alice's tile", func() bool {
		return b.Tiles().RegionDigest(1001, 12850) == want
	})
	eventually(t, "relay to apply alice's tile", func() bool {
		return relay.Tiles().RegionDigest(1001, 12850) == want
	})

	stored, err := st.LoadProfileTileData(ctx, 1001)
	if err != nil {
		t.Fatalf("load stored tiles: %v", err)
	}
	if stored.RegionDigest(12850) != want {
		t.Errorf("relay did not persist the updated region")
	}

	if err := a.MarkTile(ctx, tile, false); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	eventually(t, "bob to see the unmark", func() bool {
		return !b.Tiles().HasRegion(1001, 12850)
	})
}

func TestLeaveBroadcast(t *testing.T) {
	relay, a, b := twoMembers(t, RelayConfig{})
	ctx := context.Background()

	b.MarkTile(ctx, types.Tile{RegionID: 7, RegionX: 1}, true)
	eventually(t, "alice to receive bob's tile", func() bool { return a.Tiles().HasRegion(2002, 7) })

	if err := b.LeaveGroup(ctx); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	if err := b.wait(t); err != nil {
		t.Errorf("graceful leave returned %v", err)
	}
	if b.Profile().GroupID != "" {
		t.Errorf("leaver still bound to group %q", b.Profile().GroupID)
	}

	eventually(t, "alice to drop bob", func() bool {
		return !a.Group().IsMember(2002) && !a.Tiles().HasProfile(2002)
	})
	if relay.Group().IsMember(2002) || relay.Tiles().HasProfile(2002) {
		t.Errorf("relay still holds bob")
	}
	if a.State() != StateConnected {
		t.Errorf("alice state = %s after bob left", a.State())
	}
}

func TestStaleRegionsRepairedOnConnect(t *testing.T) {
	relay, addr := startRelay(t, RelayConfig{})
	ctx := context.Background()

	alice := profile(1001, "alice")
	g := group.New("g", alice).Snapshot()
	a := NewClient(ClientConfig{Addr: addr, Profile: alice, Group: g, Timeout: testTimeout})
	for x := 0; x < 5; x++ {
		a.MarkTile(ctx, types.Tile{RegionID: 300 + x%2, RegionX: x, RegionY: x}, true)
	}
	ar := &runner{Client: a, done: make(chan struct{})}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(ar.done)
		ar.err = a.Run(actx)
	}()
	ar.waitReady(t)

	for _, region := range []int{300, 301} {
		want := a.Tiles().RegionDigest(1001, region)
		eventually(t, "relay to pull alice's offline marks", func() bool {
			return relay.Tiles().RegionDigest(1001, region) == want
		})
	}

	b := startClient(t, ClientConfig{Addr: addr, Profile: profile(2002, "bob")})
	b.waitReady(t)
	for _, region := range []int{300, 301} {
		want := a.Tiles().RegionDigest(1001, region)
		eventually(t, "bob to reconcile alice's regions", func() bool {
			return b.Tiles().RegionDigest(1001, region) == want
		})
	}
	cancel()
	ar.wait(t)
}

func TestRegionEmptiedOfflineRepairedOnConnect(t *testing.T) {
	alice := profile(1001, "alice")
	g := group.New("g", alice).Snapshot()
	stale := types.Tile{RegionID: 300, RegionX: 2, RegionY: 2}
	held := tiles.NewGroupTileData()
	held.SetTile(1001, stale, true)
	relay, addr := startRelay(t, RelayConfig{Group: g, Tiles: held})

	a := NewClient(ClientConfig{Addr: addr, Profile: alice, Group: g, Timeout: testTimeout})
	ctx := context.Background()
	a.MarkTile(ctx, stale, true)
	a.MarkTile(ctx, stale, false)

	ar := &runner{Client: a, done: make(chan struct{})}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(ar.done)
		ar.err = a.Run(actx)
	}()
	ar.waitReady(t)

	eventually(t, "relay to drop the region alice emptied offline", func() bool {
		return !relay.Tiles().HasRegion(1001, 300)
	})
	if a.Tiles().HasRegion(1001, 300) {
		t.Errorf("client region 300 restored from the stale copy")
	}
	cancel()
	ar.wait(t)
}

func TestProfileUpdateBroadcast(t *testing.T) {
	relay, a, b := twoMembers(t, RelayConfig{})
	eventually(t, "alice to see bob", func() bool { return a.Group().IsMember(2002) })

	if err := b.UpdateProfile(context.Background(), "", "#00ff00"); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	eventually(t, "alice to see bob's new color", func() bool {
		m, _ := a.Group().Member(2002)
		return m.Color == "#00ff00"
	})
	if m, _ := relay.Group().Member(2002); m.Color != "#00ff00" || m.Name != "bob" {
		t.Errorf("relay member = %+v", m)
	}
}

func TestProtocolErrorTearsDownConnection(t *testing.T) {
	_, addr := startRelay(t, RelayConfig{})
	stream, err := protocol.Dial(context.Background(), addr, protocol.CompressNone)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := protocol.NewConn(stream, zerolog.Nop())
	defer conn.Close()

	conn.Send(protocol.TileUpdateRequest{Tile: types.Tile{RegionID: 1}, Marked: true})
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_, err = protocol.Await[protocol.AuthenticationResponse](conn, testTimeout)
	if err == nil || errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("err = %v, want the relay to hang up", err)
	}
}

func TestWebSocketSession(t *testing.T) {
	relay := NewRelay(RelayConfig{Timeout: testTimeout})
	srv := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(func() {
		relay.Shutdown()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	alice := profile(1001, "alice")
	g := group.New("g", alice).Snapshot()
	a := startClient(t, ClientConfig{Addr: url, Profile: alice, Group: g})
	a.waitReady(t)

	a.MarkTile(context.Background(), types.Tile{RegionID: 44}, true)
	eventually(t, "relay to receive a websocket tile update", func() bool {
		return relay.Tiles().HasRegion(1001, 44)
	})
}

func TestNotifierEvents(t *testing.T) {
	n := NewNotifier()
	events := make(chan EventKind, 16)
	cancel := n.Subscribe(func(e Event) { events <- e.Kind })
	defer cancel()

	_, addr := startRelay(t, RelayConfig{})
	alice := profile(1001, "alice")
	a := startClient(t, ClientConfig{Addr: addr, Profile: alice, Group: group.New("g", alice).Snapshot(), Notifier: n})
	a.waitReady(t)

	deadline := time.After(testTimeout)
	for {
		select {
		case k := <-events:
			if k == EventClientConnected {
				return
			}
		case <-deadline:
			t.Fatalf("no client-connected event")
		}
	}
}

func TestRegionSignal(t *testing.T) {
	var nilSignal *RegionSignal
	nilSignal.Mark(1)

	s := NewRegionSignal()
	s.Mark(5, 3)
	s.Mark(5)
	select {
	case <-s.C():
	default:
		t.Fatalf("signal channel not notified")
	}
	if got := s.Drain(); len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Errorf("Drain = %v, want [3 5]", got)
	}
	if got := s.Drain(); len(got) != 0 {
		t.Errorf("second Drain = %v, want empty", got)
	}
}
