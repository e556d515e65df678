// Package discovery advertises relays on the local network over mDNS and finds them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_tilesync._tcp"
	Domain  = "local."

	txtVersion = "v=1"
)

// Relay is one relay seen on the network.
type Relay struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Addrs    []net.IP `json:"addrs"`
	Port     int      `json:"port"`
	Group    string   `json:"group,omitempty"`
}

// Addr is the host:port to dial, preferring an IPv4 address.
func (r Relay) Addr() string {
	host := strings.TrimSuffix(r.Host, ".")
	if len(r.Addrs) > 0 {
		host = r.Addrs[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}

func (r Relay) String() string {
	if r.Group == "" {
		return fmt.Sprintf("%s at %s", r.Instance, r.Addr())
	}
	return fmt.Sprintf("%s at %s (group %q)", r.Instance, r.Addr(), r.Group)
}

// Advertisement is a registered relay. Shutdown withdraws it.
type Advertisement struct {
	server *zeroconf.Server
}

func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Advertise registers a relay listening on port. groupName is published in the TXT record.
func Advertise(instance string, port int, groupName string) (*Advertisement, error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, TXT(groupName), nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return &Advertisement{server: server}, nil
}

func TXT(groupName string) []string {
	txt := []string{txtVersion}
	if groupName != "" {
		txt = append(txt, "group="+groupName)
	}
	return txt
}

// Browse collects relays until timeout or ctx ends.
func Browse(ctx context.Context, timeout time.Duration) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}

	seen := make(map[string]Relay)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return collect(seen), nil
			}
			if e == nil {
				continue
			}
			r := fromEntry(e)
			seen[r.Instance] = r
		case <-ctx.Done():
			return collect(seen), nil
		}
	}
}

func fromEntry(e *zeroconf.ServiceEntry) Relay {
	r := Relay{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
	}
	r.Addrs = append(r.Addrs, e.AddrIPv4...)
	r.Addrs = append(r.Addrs, e.AddrIPv6...)
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "group="); ok {
			r.Group = v
		}
	}
	return r
}

func collect(seen map[string]Relay) []Relay {
	out := make([]Relay, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
