// Package session holds the per-peer state machine on the server and the
// connection state on the client. Membership is stored in a bounded
// table keyed by id, not by pointer, serialized under one lock;
// broadcast targets and snapshots are copied out under that same lock so
// both always see one consistent version of the table.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is a server-side peer's position in the handshake/session state
// machine.
type State int

const (
	StateAccepted State = iota
	StateIdentified
	StateInSession
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateIdentified:
		return "identified"
	case StateInSession:
		return "in-session"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Member is one server-side session participant. ID == Source always;
// Source is carried separately only to keep the field name matching the
// wire vocabulary at call sites.
type Member struct {
	ID     uint32
	Source uint32
	Name   string

	ControlAddr net.Addr
	MediaAddr   *net.UDPAddr // nil until the port arrives in JOIN

	State State

	AudioActive bool
	Talking     bool
	Muted       bool

	LastHeartbeat time.Time
}

// InSession reports whether the member has completed JOIN. It does not
// check MediaAddr; callers that send media check that separately.
func (m *Member) InSession() bool {
	return m.State == StateInSession
}

// Table is the server's membership table: at most MaxPeers members,
// mutated by at most one goroutine at a time under mu. Snapshot reads
// (for broadcast and PEER_LIST) take the lock for their full duration so
// they observe one consistent version.
type Table struct {
	mu       sync.RWMutex
	members  map[uint32]*Member
	maxPeers int
	nextID   atomic.Uint32
}

// NewTable returns an empty table bounded at maxPeers members.
func NewTable(maxPeers int) *Table {
	if maxPeers <= 0 {
		maxPeers = 16
	}
	return &Table{members: make(map[uint32]*Member), maxPeers: maxPeers}
}

// ErrFull is returned by Add when the table already holds MaxPeers
// members.
type ErrFull struct{}

func (ErrFull) Error() string { return "session: membership table full" }

// NextID returns a fresh server-assigned id, starting at 1 (0 is reserved
// to mean "client did not propose an id" in HELLO).
func (t *Table) NextID() uint32 {
	return t.nextID.Add(1)
}

// Add inserts m, keyed by m.ID. Returns ErrFull if the table is already
// at capacity.
func (t *Table) Add(m *Member) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.members) >= t.maxPeers {
		return ErrFull{}
	}
	t.members[m.ID] = m
	return nil
}

// Get returns the member with the given id, or nil.
func (t *Table) Get(id uint32) *Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.members[id]
}

// Remove deletes the member with the given id. Returns true if it
// existed.
func (t *Table) Remove(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[id]
	delete(t.members, id)
	return ok
}

// Count returns the current membership count.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Copy returns a by-value copy of the member with the given id, taken
// under the lock so callers never read fields racing a mutator.
func (t *Table) Copy(id uint32) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Touch updates a member's last-heartbeat time. Returns false if the id
// is unknown.
func (t *Table) Touch(id uint32, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if ok {
		m.LastHeartbeat = now
	}
	return ok
}

// SetMuted updates a member's muted flag. Returns false if the id is
// unknown.
func (t *Table) SetMuted(id uint32, muted bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if ok {
		m.Muted = muted
	}
	return ok
}

// SetAudioActive updates a member's audio-active flag, clearing talking
// when audio stops. Returns false if the id is unknown.
func (t *Table) SetAudioActive(id uint32, active bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if ok {
		m.AudioActive = active
		if !active {
			m.Talking = false
		}
	}
	return ok
}

// SetTalking updates a member's talking flag from the voice-activity bit
// on a received media frame, marking the member audio-active as a side
// effect. Returns false if the id is unknown.
func (t *Table) SetTalking(id uint32, talking bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if ok {
		m.Talking = talking
		m.AudioActive = true
	}
	return ok
}

// Mutate runs fn with the table locked for writing, giving the caller a
// chance to transition a member's state and read a consistent snapshot of
// the rest of the table in the same critical section.
func (t *Table) Mutate(fn func(members map[uint32]*Member)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.members)
}

// Snapshot returns a copy of every member's current state, taken under
// one lock acquisition.
func (t *Table) Snapshot() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, *m)
	}
	return out
}

// SnapshotExcept returns a copy of every member's state except the one
// with excludeID, taken under one lock acquisition — used to build a
// PEER_LIST snapshot for a joiner and to pick broadcast targets together,
// so both see the same table version.
func (t *Table) SnapshotExcept(excludeID uint32) []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for id, m := range t.members {
		if id == excludeID {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// SweepHeartbeatTimeouts transitions every in-session member whose last
// heartbeat is older than timeout to StateLeft, returning the ids that
// timed out so the caller can broadcast PEER_LEAVE and release
// resources.
func (t *Table) SweepHeartbeatTimeouts(now time.Time, timeout time.Duration) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var timedOut []uint32
	for id, m := range t.members {
		if m.State == StateLeft {
			continue
		}
		if now.Sub(m.LastHeartbeat) > timeout {
			m.State = StateLeft
			timedOut = append(timedOut, id)
		}
	}
	return timedOut
}

// ClientState is the client-side connection state machine.
type ClientState int

const (
	Disconnected ClientState = iota
	Connecting
	Connected
	Joining
	InSession
)

func (s ClientState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Joining:
		return "joining"
	case InSession:
		return "in-session"
	default:
		return "unknown"
	}
}

// Peer is a client's view of another session member, populated from
// PEER_LIST/PEER_JOIN/PEER_LEAVE/PEER_STATE.
type Peer struct {
	ID          uint32
	Source      uint32
	Name        string
	MediaAddr   *net.UDPAddr
	Talking     bool
	Muted       bool
	AudioActive bool
}

// PeerTable is the client's bounded view of the other session members.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[uint32]*Peer
}

// NewPeerTable returns an empty client-side peer table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[uint32]*Peer)}
}

// Set inserts or replaces a peer entry.
func (p *PeerTable) Set(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peer.ID] = &peer
}

// Remove deletes a peer entry.
func (p *PeerTable) Remove(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, id)
}

// Get returns the peer with id, or nil.
func (p *PeerTable) Get(id uint32) *Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peers[id]
}

// UpdateState updates the talking/muted/audio-active flags for a peer
// already present in the table, returning false if it is unknown.
func (p *PeerTable) UpdateState(id uint32, talking, muted, audioActive bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[id]
	if !ok {
		return false
	}
	peer.Talking = talking
	peer.Muted = muted
	peer.AudioActive = audioActive
	return true
}

// SetTalking updates only the talking flag for a peer, as driven by the
// voice-activity bit on received media frames. Unknown ids are ignored
// (the frame may predate a join race).
func (p *PeerTable) SetTalking(id uint32, talking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer, ok := p.peers[id]; ok {
		peer.Talking = talking
	}
}

// Snapshot returns every known peer.
func (p *PeerTable) Snapshot() []Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, *peer)
	}
	return out
}

// Clear removes every peer, e.g. on disconnect.
func (p *PeerTable) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers = make(map[uint32]*Peer)
}
