package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
)

const pipeEventBuffer = 256

var errPipeClosed = errors.New("pipe transport closed")

// PipeNetwork wires in-process peer transports together for tests. Each
// endpoint behaves like the data channel transport without the wire: the
// offer/answer exchange opens the link on both ends once the initiator
// applies the answer, a deliberate close stays silent locally and reports
// a closed link to the other end, and an endpoint closed with links still
// open surfaces as a link failure over there, the way a crashed peer looks
// to its neighbors.
type PipeNetwork struct {
	mu   sync.Mutex
	ends map[domain.PeerID]*PipeTransport
}

func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{ends: make(map[domain.PeerID]*PipeTransport)}
}

// Endpoint returns the transport for id, creating it on first use.
func (pn *PipeNetwork) Endpoint(id domain.PeerID) *PipeTransport {
	pn.mu.Lock()
	defer pn.mu.Unlock()
	if p, ok := pn.ends[id]; ok {
		return p
	}
	p := &PipeTransport{
		net:    pn,
		local:  id,
		links:  make(map[domain.PeerID]*pipeLink),
		events: make(chan ports.TransportEvent, pipeEventBuffer),
		done:   make(chan struct{}),
	}
	pn.ends[id] = p
	return p
}

// Sever kills the link between a and b without touching either endpoint.
// Both ends lose the link and, when it was established, both receive a
// link-failed event.
func (pn *PipeNetwork) Sever(a, b domain.PeerID) {
	pn.mu.Lock()
	var notify []notification
	if pa := pn.ends[a]; pa != nil {
		if l, ok := pa.links[b]; ok {
			delete(pa.links, b)
			if l.open {
				notify = append(notify, notification{pa, ports.TransportEvent{Type: ports.TransportLinkFailed, Peer: b}})
			}
		}
	}
	if pb := pn.ends[b]; pb != nil {
		if l, ok := pb.links[a]; ok {
			delete(pb.links, a)
			if l.open {
				notify = append(notify, notification{pb, ports.TransportEvent{Type: ports.TransportLinkFailed, Peer: a}})
			}
		}
	}
	pn.mu.Unlock()
	deliver(notify)
}

// PipeTransport is one endpoint of a PipeNetwork implementing
// ports.PeerTransport. Descriptions and candidates are opaque markers; no
// real negotiation happens underneath.
type PipeTransport struct {
	net    *PipeNetwork
	local  domain.PeerID
	closed bool
	links  map[domain.PeerID]*pipeLink

	events    chan ports.TransportEvent
	done      chan struct{}
	closeOnce sync.Once
}

type pipeLink struct {
	initiator bool
	open      bool
}

type notification struct {
	to *PipeTransport
	ev ports.TransportEvent
}

// CreateOffer starts a link attempt toward remote. A lingering link to the
// same peer is dropped first so a retry always starts clean.
func (p *PipeTransport) CreateOffer(ctx context.Context, remote domain.PeerID) (string, error) {
	p.net.mu.Lock()
	if p.closed {
		p.net.mu.Unlock()
		return "", errPipeClosed
	}
	notify := dropLinkLocked(p, remote, ports.TransportLinkClosed)
	p.links[remote] = &pipeLink{initiator: true}
	p.net.mu.Unlock()

	deliver(notify)
	return fmt.Sprintf("pipe-offer:%s->%s", p.local, remote), nil
}

// AcceptOffer applies a remote offer and returns the local answer. The link
// stays half-open until the initiator applies the answer.
func (p *PipeTransport) AcceptOffer(ctx context.Context, remote domain.PeerID, offer string) (string, error) {
	if offer == "" {
		return "", fmt.Errorf("empty offer from %s", remote)
	}
	p.net.mu.Lock()
	if p.closed {
		p.net.mu.Unlock()
		return "", errPipeClosed
	}
	notify := dropLinkLocked(p, remote, ports.TransportLinkClosed)
	p.links[remote] = &pipeLink{}
	p.net.mu.Unlock()

	deliver(notify)
	return fmt.Sprintf("pipe-answer:%s->%s", p.local, remote), nil
}

// AcceptAnswer completes the exchange on the initiating side and opens the
// link on both ends.
func (p *PipeTransport) AcceptAnswer(ctx context.Context, remote domain.PeerID, answer string) error {
	p.net.mu.Lock()
	if p.closed {
		p.net.mu.Unlock()
		return errPipeClosed
	}
	l, ok := p.links[remote]
	if !ok || !l.initiator || l.open {
		p.net.mu.Unlock()
		return domain.ErrPeerNotConnected
	}
	rp := p.net.ends[remote]
	if rp == nil || rp.closed {
		p.net.mu.Unlock()
		return fmt.Errorf("no answering endpoint for %s", remote)
	}
	rl, ok := rp.links[p.local]
	if !ok || rl.initiator {
		p.net.mu.Unlock()
		return fmt.Errorf("%s has no pending answer for %s", remote, p.local)
	}
	l.open = true
	rl.open = true
	p.net.mu.Unlock()

	p.push(ports.TransportEvent{Type: ports.TransportLinkOpen, Peer: remote})
	rp.push(ports.TransportEvent{Type: ports.TransportLinkOpen, Peer: p.local})
	return nil
}

func (p *PipeTransport) AddCandidate(ctx context.Context, remote domain.PeerID, candidate string) error {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if _, ok := p.links[remote]; !ok {
		return domain.ErrPeerNotConnected
	}
	return nil
}

// Send delivers data to remote as a message event carrying the sender id.
func (p *PipeTransport) Send(remote domain.PeerID, data []byte) error {
	p.net.mu.Lock()
	l, ok := p.links[remote]
	if !ok || !l.open {
		p.net.mu.Unlock()
		return domain.ErrPeerNotConnected
	}
	rp := p.net.ends[remote]
	p.net.mu.Unlock()
	if rp == nil {
		return domain.ErrPeerNotConnected
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	rp.push(ports.TransportEvent{Type: ports.TransportMessage, Peer: p.local, Data: buf})
	return nil
}

// CloseLink tears down the link to remote. Closing an unknown link is a
// no-op; an established one reports link-closed on the other end only.
func (p *PipeTransport) CloseLink(remote domain.PeerID) error {
	p.net.mu.Lock()
	notify := dropLinkLocked(p, remote, ports.TransportLinkClosed)
	p.net.mu.Unlock()

	deliver(notify)
	return nil
}

func (p *PipeTransport) Events() <-chan ports.TransportEvent {
	return p.events
}

// Close drops every link without events on the local side. Established links
// surface as failures on the other end.
func (p *PipeTransport) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.net.mu.Lock()
		p.closed = true
		var notify []notification
		for remote := range p.links {
			notify = append(notify, dropLinkLocked(p, remote, ports.TransportLinkFailed)...)
		}
		p.net.mu.Unlock()
		deliver(notify)
	})
	return nil
}

// Open reports whether the link to remote is established.
func (p *PipeTransport) Open(remote domain.PeerID) bool {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	l, ok := p.links[remote]
	return ok && l.open
}

// dropLinkLocked removes p's link to remote under the network lock. An
// established link also disappears from the remote endpoint, which is told
// with evType.
func dropLinkLocked(p *PipeTransport, remote domain.PeerID, evType ports.TransportEventType) []notification {
	l, ok := p.links[remote]
	if !ok {
		return nil
	}
	delete(p.links, remote)
	if !l.open {
		return nil
	}
	rp := p.net.ends[remote]
	if rp == nil {
		return nil
	}
	delete(rp.links, p.local)
	return []notification{{rp, ports.TransportEvent{Type: evType, Peer: p.local}}}
}

// push hands one event to the endpoint's consumer. The events channel is
// never closed; a closed endpoint discards instead.
func (p *PipeTransport) push(ev ports.TransportEvent) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func deliver(ns []notification) {
	for _, n := range ns {
		n.to.push(n.ev)
	}
}
