// Package site holds the mutable per-site state: identity, the neighbour
// table, the logical clock, and the per-initiator wave bookkeeping. One
// mutex guards it all; callers copy out what a send needs and release the
// lock before touching the network.
package site

import (
	"sync"

	"meshbank/internal/clock"
	"meshbank/internal/protocol"
)

type Peer struct {
	ID        string
	Addr      string
	Connected bool
}

// Wave tracks one diffusion rooted at an initiator. ParentAddr is empty
// when this site is the root. Outstanding holds the neighbour addresses a
// forward went to and whose ack is still due.
type Wave struct {
	Initiator     string
	InitiatorAddr string
	Code          protocol.Code
	ParentAddr    string
	Outstanding   map[string]struct{}
	Received      int
	Snapshots     []protocol.SnapshotPayload
}

type State struct {
	mu sync.Mutex

	id    string
	addr  string
	clk   clock.Clock
	peers map[string]*Peer // keyed by addr
	waves map[string]*Wave // keyed by initiator id
}

func NewState(id, addr string) *State {
	return &State{
		id:    id,
		addr:  addr,
		clk:   clock.New(id),
		peers: make(map[string]*Peer),
		waves: make(map[string]*Wave),
	}
}

// NewStateWithClock restores a site from persisted identity and clock.
func NewStateWithClock(id, addr string, c clock.Clock) *State {
	s := NewState(id, addr)
	c.AddSite(id)
	s.clk = c
	return s
}

func (s *State) ID() string   { return s.id }
func (s *State) Addr() string { return s.addr }

// Tick advances the clock for a locally originated event and returns the
// new Lamport time plus a detached clock copy for the outbound envelope.
func (s *State) Tick() (int64, clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lt := s.clk.Tick(s.id)
	return lt, s.clk.Clone()
}

// Observe merges an inbound message clock. Called once per message before
// any handling.
func (s *State) Observe(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clk.Observe(s.id, c.Lamport, c.Vector)
}

// ClockSnapshot returns a detached copy of the current clock.
func (s *State) ClockSnapshot() clock.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk.Clone()
}

// AddPeer records a peer and grows the vector clock column set.
func (s *State) AddPeer(id, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr == s.addr {
		return
	}
	p, ok := s.peers[addr]
	if !ok {
		p = &Peer{Addr: addr}
		s.peers[addr] = p
	}
	if id != "" {
		p.ID = id
		s.clk.AddSite(id)
	}
}

// MarkConnected flips a peer to connected, creating it if needed.
func (s *State) MarkConnected(id, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr == s.addr {
		return
	}
	p, ok := s.peers[addr]
	if !ok {
		p = &Peer{Addr: addr}
		s.peers[addr] = p
	}
	if id != "" {
		p.ID = id
		s.clk.AddSite(id)
	}
	p.Connected = true
}

// RemovePeer evicts a peer entirely (disconnect notice).
func (s *State) RemovePeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, addr)
}

// ConnectedNeighbours returns the addresses of peers that completed the
// discovery handshake.
func (s *State) ConnectedNeighbours() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedLocked()
}

func (s *State) connectedLocked() []string {
	var out []string
	for addr, p := range s.peers {
		if p.Connected {
			out = append(out, addr)
		}
	}
	return out
}

// Peers returns a detached copy of the neighbour table.
func (s *State) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// WaveBegin creates (or overwrites) the wave entry for an initiator and
// returns the forward targets: every connected neighbour except the
// parent. An empty parentAddr means this site is the root.
func (s *State) WaveBegin(initiator, initiatorAddr string, code protocol.Code, parentAddr string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waveBeginLocked(initiator, initiatorAddr, code, parentAddr)
}

// WaveBeginIfNew is the arrival-side variant: the first contact for an
// initiator wins the parent slot, any concurrent or later contact is a
// duplicate. Check and creation are one critical section.
func (s *State) WaveBeginIfNew(initiator, initiatorAddr string, code protocol.Code, parentAddr string) (targets []string, began bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, active := s.waves[initiator]; active {
		return nil, false
	}
	return s.waveBeginLocked(initiator, initiatorAddr, code, parentAddr), true
}

func (s *State) waveBeginLocked(initiator, initiatorAddr string, code protocol.Code, parentAddr string) []string {
	w := &Wave{
		Initiator:     initiator,
		InitiatorAddr: initiatorAddr,
		Code:          code,
		ParentAddr:    parentAddr,
		Outstanding:   make(map[string]struct{}),
	}
	var targets []string
	for _, addr := range s.connectedLocked() {
		if addr == parentAddr {
			continue
		}
		w.Outstanding[addr] = struct{}{}
		targets = append(targets, addr)
	}
	s.waves[initiator] = w
	return targets
}

// WaveAddPayload stashes payload under an active wave entry. Used for a
// site's own snapshot, captured before the request is forwarded.
func (s *State) WaveAddPayload(initiator string, snaps ...protocol.SnapshotPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.waves[initiator]; ok {
		w.Snapshots = append(w.Snapshots, snaps...)
	}
}

// WaveActive reports whether a wave entry exists for the initiator.
func (s *State) WaveActive(initiator string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.waves[initiator]
	return ok
}

// WaveRecordAck consumes one ack edge. The returned completed flag is true
// when every outstanding neighbour has answered; the caller must then
// WaveTake and either ack its parent or finish the wave locally.
func (s *State) WaveRecordAck(initiator, fromAddr string, snaps []protocol.SnapshotPayload) (completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waves[initiator]
	if !ok {
		return false
	}
	if _, awaited := w.Outstanding[fromAddr]; !awaited {
		return false
	}
	delete(w.Outstanding, fromAddr)
	w.Received++
	w.Snapshots = append(w.Snapshots, snaps...)
	return len(w.Outstanding) == 0
}

// WaveTake removes the wave entry and returns it for the final forward.
func (s *State) WaveTake(initiator string) (*Wave, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waves[initiator]
	if ok {
		delete(s.waves, initiator)
	}
	return w, ok
}

// PeerDown removes a peer from the neighbour table and drops it from every
// in-flight wave. It returns the initiators whose waves completed as a result.
func (s *State) PeerDown(addr string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, addr)

	var completed []string
	for init, w := range s.waves {
		if _, awaited := w.Outstanding[addr]; !awaited {
			continue
		}
		delete(w.Outstanding, addr)
		if len(w.Outstanding) == 0 {
			completed = append(completed, init)
		}
	}
	return completed
}
