package session

import (
	"sort"
	"sync"
)

// ClientState is the phase of a client session.
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateSyncing
	StateConnected
	StateDisconnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateSyncing:
		return "Syncing"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	}
	return "Unknown"
}

type EventKind int

const (
	EventClientConnecting EventKind = iota
	EventClientConnected
	EventClientDisconnected
	EventHostUp
	EventHostDown
	EventPeerJoined
	EventPeerLeft
)

func (k EventKind) String() string {
	switch k {
	case EventClientConnecting:
		return "client-connecting"
	case EventClientConnected:
		return "client-connected"
	case EventClientDisconnected:
		return "client-disconnected"
	case EventHostUp:
		return "host-up"
	case EventHostDown:
		return "host-down"
	case EventPeerJoined:
		return "peer-joined"
	case EventPeerLeft:
		return "peer-left"
	}
	return "unknown"
}

// Event describes a multiplayer state change. AccountHash is set for peer events, Err for a
// client disconnect caused by a failure.
type Event struct {
	Kind        EventKind
	AccountHash int64
	Err         error
}

// Notifier fans state-change events out to subscribers. Each delivery runs on its own
// goroutine so a slow subscriber never stalls a session. A nil Notifier drops events.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(Event)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) Notify(e Event) {
	if n == nil {
		return
	}
	n.mu.Lock()
	fns := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		go fn(e)
	}
}

// RegionSignal collects ids of regions whose tiles changed, for a renderer to drain.
// A nil RegionSignal ignores marks.
type RegionSignal struct {
	mu      sync.Mutex
	pending map[int]struct{}
	ch      chan struct{}
}

func NewRegionSignal() *RegionSignal {
	return &RegionSignal{pending: make(map[int]struct{}), ch: make(chan struct{}, 1)}
}

func (r *RegionSignal) Mark(regionIDs ...int) {
	if r == nil || len(regionIDs) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range regionIDs {
		r.pending[id] = struct{}{}
	}
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

// C receives a value whenever new regions have been marked since the last Drain.
func (r *RegionSignal) C() <-chan struct{} { return r.ch }

// Drain returns and clears the marked region ids in ascending order.
func (r *RegionSignal) Drain() []int {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	r.pending = make(map[int]struct{})
	sort.Ints(out)
	return out
}
