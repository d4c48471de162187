// Package netdiag feeds the network dispatcher from NETLINK_SOCK_DIAG
// snapshots of IPv4 TCP sockets. Sockets are identified by their kernel
// cookie, the same identifier the ring buffer attachment uses.
package netdiag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/kread"
	"github.com/rxtx-hosting/kernlens/pkg/probe/network"
)

type diagFunc func(family uint8) ([]*netlink.InetDiagTCPInfoResp, error)

// Poller periodically dumps TCP sockets. Each poll reports an RTT sample per
// socket and a state change for every socket whose state moved since the
// previous poll; sockets that disappeared are reported as closed.
type Poller struct {
	objects  *kread.Table
	network  *network.Dispatcher
	interval time.Duration
	diag     diagFunc
	now      func() uint64

	mu    sync.Mutex
	state map[uint64]uint32
}

// NewPoller creates a poller publishing socket fields into objects, which
// must be part of the network dispatcher's accessor.
func NewPoller(objects *kread.Table, d *network.Dispatcher, interval time.Duration) *Poller {
	return &Poller{
		objects:  objects,
		network:  d,
		interval: interval,
		diag:     netlink.SocketDiagTCPInfo,
		now:      hook.Monotonic,
		state:    make(map[uint64]uint32),
	}
}

// Cookie packs the socket cookie of a diag reply.
func Cookie(id netlink.SocketID) uint64 {
	return uint64(id.Cookie[0]) | uint64(id.Cookie[1])<<32
}

func (p *Poller) publish(ref kread.Ref, s *netlink.Socket) {
	p.objects.Set(ref, kread.FieldSockFamily, uint64(s.Family))
	p.objects.Set(ref, kread.FieldSockSaddr, uint64(hook.IPToAddr(s.ID.Source)))
	p.objects.Set(ref, kread.FieldSockDaddr, uint64(hook.IPToAddr(s.ID.Destination)))
	// Diag replies carry ports in host order; socket fields hold them as
	// the kernel does.
	p.objects.Set(ref, kread.FieldSockSport, uint64(hook.Ntohs(s.ID.SourcePort)))
	p.objects.Set(ref, kread.FieldSockDport, uint64(hook.Ntohs(s.ID.DestinationPort)))
}

// Poll takes one snapshot.
func (p *Poller) Poll() error {
	resps, err := p.diag(unix.AF_INET)
	if err != nil {
		return fmt.Errorf("failed to dump tcp sockets: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx := &hook.Context{Timestamp: p.now()}
	seen := make(map[uint64]uint32, len(resps))
	for _, r := range resps {
		s := r.InetDiagMsg
		if s == nil || s.Family != unix.AF_INET {
			continue
		}
		cookie := Cookie(s.ID)
		ref := kread.SocketRef(cookie)
		cur := uint32(s.State)
		seen[cookie] = cur

		p.publish(ref, s)
		if prev, ok := p.state[cookie]; ok && prev != cur {
			p.network.StateChange(ctx, ref, kread.AFInet, prev, cur)
		}
		if r.TCPInfo != nil && r.TCPInfo.Rtt > 0 {
			p.network.Probe(ctx, ref, s.WQueue, r.TCPInfo.Rtt)
		}
	}

	for cookie, prev := range p.state {
		if _, ok := seen[cookie]; ok || prev == network.TCPClose {
			continue
		}
		ref := kread.SocketRef(cookie)
		// The socket is gone; its last published tuple is still needed to
		// name the flow.
		p.network.StateChange(ctx, ref, kread.AFInet, prev, network.TCPClose)
		p.objects.Forget(ref)
	}
	p.state = seen
	return nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(); err != nil {
				slog.Error("Error polling sockets", "error", err)
			}
		}
	}
}

// Tracked returns the number of sockets seen by the last poll.
func (p *Poller) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.state)
}
