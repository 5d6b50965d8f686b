// Package discovery finds sync servers on the local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service registration.
const (
	ServiceType = "_crdt-sync._tcp"
	Domain      = "local."
)

// DefaultBrowseTimeout bounds Browse when ctx has no deadline.
const DefaultBrowseTimeout = 3 * time.Second

// ErrNotFound is returned by Find when no server of the group answered.
var ErrNotFound = errors.New("no sync server found")

// Peer is a sync server seen on the network.
type Peer struct {
	Instance string
	Endpoint string
	Group    string
}

// Advertiser keeps a sync server registered until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers a sync server listening on port. group is published
// in the TXT record so clients can pick their group's server; empty means
// the server relays any group.
func Advertise(instance string, port int, group string, logger *slog.Logger) (*Advertiser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txtRecord(group), nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	logger.Info("advertising sync server", "instance", instance, "service", ServiceType, "port", port)
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

func txtRecord(group string) []string {
	txt := []string{"txtv=1"}
	if group != "" {
		txt = append(txt, "group="+group)
	}
	return txt
}

// Browse lists the sync servers that answer before ctx is done.
func Browse(ctx context.Context) ([]Peer, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	seen := make(map[string]bool)
	var peers []Peer
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return peers, nil
			}
			if p, ok := peerFromEntry(e); ok && !seen[p.Instance] {
				seen[p.Instance] = true
				peers = append(peers, p)
			}
		case <-ctx.Done():
			return peers, nil
		}
	}
}

// Find returns the first server relaying group.
func Find(ctx context.Context, group string) (Peer, error) {
	peers, err := Browse(ctx)
	if err != nil {
		return Peer{}, err
	}
	if p, ok := Select(peers, group); ok {
		return p, nil
	}
	return Peer{}, fmt.Errorf("%w for group %q", ErrNotFound, group)
}

// Select prefers a server dedicated to group over one relaying any group.
func Select(peers []Peer, group string) (Peer, bool) {
	var fallback *Peer
	for i, p := range peers {
		switch p.Group {
		case group:
			return p, true
		case "":
			if fallback == nil {
				fallback = &peers[i]
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Peer{}, false
}

func peerFromEntry(e *zeroconf.ServiceEntry) (Peer, bool) {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Peer{}, false
	}

	p := Peer{
		Instance: e.Instance,
		Endpoint: "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
	}
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "group="); ok {
			p.Group = v
		}
	}
	return p, true
}
