package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lanvoice/internal/config"
	"lanvoice/internal/discovery"
	"lanvoice/internal/fanout"
	"lanvoice/internal/metrics"
	"lanvoice/internal/proto"
	"lanvoice/internal/session"
	"lanvoice/internal/transport"
	"lanvoice/internal/wire"
)

// serverVersion is reported in discovery responses.
const serverVersion = "1.0"

// serverSource is the reserved RTP source identifier for server-originated
// audio. The server is a pure relay and never emits media of its own, so
// this exists only so the value 0 is never ambiguous with a real member
// source.
const serverSource uint32 = 0

// heartbeatSweepInterval is how often the heartbeat sweep task wakes to
// check every member's last-heartbeat time.
const heartbeatSweepInterval = 2 * time.Second

// Server is the relay server's process-wide state: three listening
// sockets, the membership table, and the fan-out relay. Lifecycle:
// init → Start (bind three sockets, spawn tasks) → Stop (close sockets,
// drain, join).
//
// Control connections are handled one goroutine per accepted stream;
// the heartbeat sweep runs as its own task since it must see the whole
// table at once.
type Server struct {
	name string
	rt   config.Runtime

	table *session.Table
	relay *fanout.Relay

	discoverySock *transport.DiscoverySocket
	mediaSock     *transport.MediaSocket
	listener      net.Listener

	connsMu sync.Mutex
	conns   map[uint32]*transport.ControlConn

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewServer returns a Server that has not yet bound any socket.
func NewServer(name string, rt config.Runtime) *Server {
	return &Server{
		name:  name,
		rt:    rt,
		conns: make(map[uint32]*transport.ControlConn),
	}
}

// Start binds the discovery, media, and control sockets and spawns the
// server tasks (discovery listener, control acceptor, heartbeat sweep,
// media relay), plus periodic stats logging.
func (s *Server) Start(ctx context.Context) error {
	discoverySock, err := transport.ListenDiscovery(s.rt.DiscoveryPort)
	if err != nil {
		return fmt.Errorf("server: start: %w", err)
	}
	mediaSock, err := transport.ListenMedia(s.rt.MediaPort)
	if err != nil {
		discoverySock.Close()
		return fmt.Errorf("server: start: %w", err)
	}
	listener, err := net.Listen("tcp4", fmt.Sprintf(":%d", s.rt.ControlPort))
	if err != nil {
		discoverySock.Close()
		mediaSock.Close()
		return fmt.Errorf("server: start: %w", err)
	}

	// Record the actual bound ports so HELLO_ACK and discovery advertise
	// the truth even when a port was requested as 0 (ephemeral).
	s.rt.MediaPort = mediaSock.LocalPort()
	s.rt.ControlPort = listener.Addr().(*net.TCPAddr).Port

	s.table = session.NewTable(s.rt.MaxPeers)
	s.relay = fanout.New(s.table, mediaSock)
	s.discoverySock = discoverySock
	s.mediaSock = mediaSock
	s.listener = listener
	s.stopCh = make(chan struct{})
	s.running.Store(true)

	responder := discovery.NewResponder(discoverySock, s.discoveryInfo)
	s.wg.Add(4)
	go func() { defer s.wg.Done(); responder.Run(s.stopCh) }()
	go func() { defer s.wg.Done(); s.acceptLoop() }()
	go func() { defer s.wg.Done(); s.mediaLoop() }()
	go func() { defer s.wg.Done(); s.heartbeatSweepLoop() }()

	// The stats task ends on either ctx cancellation or Stop, so Stop can
	// join it without the caller cancelling ctx first.
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	s.wg.Add(2)
	go func() { defer s.wg.Done(); metrics.Run(metricsCtx, s, 5*time.Second) }()
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stopCh:
		case <-metricsCtx.Done():
		}
		stopMetrics()
	}()

	log.Printf("[server] %q listening: discovery=%d control=%d media=%d max_peers=%d",
		s.name, s.rt.DiscoveryPort, s.rt.ControlPort, s.rt.MediaPort, s.rt.MaxPeers)
	return nil
}

// Stop closes all sockets, which unblocks every in-flight receive, then
// joins every task before returning.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.discoverySock.Close()
	s.mediaSock.Close()
	s.listener.Close()
	s.wg.Wait()
	log.Println("[server] stopped")
}

func (s *Server) discoveryInfo() discovery.Response {
	return discovery.Response{
		ServerID:     1,
		TCPPort:      uint16(s.rt.ControlPort),
		MediaUDPPort: uint16(s.rt.MediaPort),
		Capabilities: discovery.CapCodec | discovery.CapJitter,
		CurrentPeers: uint16(s.table.Count()),
		MaxPeers:     uint16(s.rt.MaxPeers),
		Name:         s.name,
		Version:      serverVersion,
	}
}

// FanoutStats implements metrics.Source and monitor.Source.
func (s *Server) FanoutStats() (in, out, bytesIn, dropped uint64) {
	return s.relay.Stats()
}

// MemberCount implements metrics.Source.
func (s *Server) MemberCount() int { return s.table.Count() }

// Snapshot implements monitor.Source.
func (s *Server) Snapshot() []session.Member { return s.table.Snapshot() }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			log.Printf("[server] accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.handleConn(conn) }()
	}
}

func (s *Server) mediaLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		h, payload, from, err := s.mediaSock.ReceiveFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !s.running.Load() {
				return
			}
			continue
		}
		// Re-encode rather than retain the raw datagram: the decoded
		// header and payload carry every byte the wire format defines,
		// so this reproduces the original datagram exactly and the
		// relay forwards it unchanged.
		raw := wire.EncodeMediaFrame(h, payload)
		s.relay.Handle(h, raw, from)
	}
}

func (s *Server) heartbeatSweepLoop() {
	ticker := time.NewTicker(heartbeatSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			timedOut := s.table.SweepHeartbeatTimeouts(time.Now(), s.rt.HeartbeatTimeout)
			for _, id := range timedOut {
				log.Printf("[session] member %d heartbeat timeout", id)
				s.connsMu.Lock()
				cc := s.conns[id]
				s.connsMu.Unlock()
				if cc != nil {
					// Unblocks the owning handleConn's ReadFrame; its
					// deferred cleanup removes the member and
					// broadcasts PEER_LEAVE.
					cc.Close()
				}
			}
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	cc := transport.NewControlConn(conn)
	defer cc.Close()

	member := &session.Member{
		State:         session.StateAccepted,
		ControlAddr:   conn.RemoteAddr(),
		LastHeartbeat: time.Now(),
	}
	var registered bool

	defer func() {
		if member.ID != 0 {
			s.unregisterConn(member.ID)
		}
		if registered {
			s.table.Remove(member.ID)
			s.broadcastPeerLeave(member.ID, member.Source)
			log.Printf("[session] member %d left", member.ID)
		}
	}()

	for {
		h, payload, err := cc.ReadFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// In-session members are swept through the table; a
				// connection that never joined is this goroutine's own
				// responsibility to time out.
				if !registered && time.Since(member.LastHeartbeat) > s.rt.HeartbeatTimeout {
					log.Printf("[session] dropping idle connection from %s", conn.RemoteAddr())
					return
				}
				continue
			}
			return
		}

		switch h.Type {
		case wire.MsgHello:
			s.handleHello(cc, member, payload)
		case wire.MsgJoin:
			if err := s.handleJoin(cc, member, payload); err != nil {
				log.Printf("[session] join from %s: %v", conn.RemoteAddr(), err)
				return
			}
			registered = true
		case wire.MsgLeave:
			return
		case wire.MsgHeartbeat:
			// Pre-join the member struct is private to this goroutine;
			// after JOIN it is shared through the table and must only be
			// touched under its lock.
			if registered {
				s.table.Touch(member.ID, time.Now())
			} else {
				member.LastHeartbeat = time.Now()
			}
			s.replyHeartbeat(cc)
		case wire.MsgAudioStart:
			if registered {
				s.table.SetAudioActive(member.ID, true)
				s.broadcastPeerState(member.ID)
			}
		case wire.MsgAudioStop:
			if registered {
				s.table.SetAudioActive(member.ID, false)
				s.broadcastPeerState(member.ID)
			}
		case wire.MsgAudioMute:
			if registered {
				s.table.SetMuted(member.ID, true)
				s.broadcastPeerState(member.ID)
			} else {
				member.Muted = true
			}
		case wire.MsgAudioUnmute:
			if registered {
				s.table.SetMuted(member.ID, false)
				s.broadcastPeerState(member.ID)
			} else {
				member.Muted = false
			}
		case wire.MsgTimeSync:
			s.replyTimeSync(cc, payload)
		default:
			log.Printf("[session] unexpected message type %d from %s", h.Type, conn.RemoteAddr())
		}
	}
}

func (s *Server) handleHello(cc *transport.ControlConn, member *session.Member, payload []byte) {
	hello, err := proto.DecodeHello(payload)
	if err != nil {
		log.Printf("[session] bad HELLO: %v", err)
		return
	}

	id := hello.ProposedID
	if id == 0 {
		id = s.table.NextID()
	}
	member.ID = id
	member.Source = id
	member.Name = hello.Name
	member.State = session.StateIdentified
	s.registerConn(id, cc)

	ack := proto.HelloAck{
		Result:       0,
		AssignedID:   id,
		MediaUDPPort: uint16(s.rt.MediaPort),
		ServerTimeMs: uint32(time.Now().UnixMilli()),
	}
	if err := cc.WriteFrame(wire.MsgHelloAck, 0, ack.ServerTimeMs, proto.EncodeHelloAck(ack)); err != nil {
		log.Printf("[session] write HELLO_ACK: %v", err)
	}
}

func (s *Server) handleJoin(cc *transport.ControlConn, member *session.Member, payload []byte) error {
	if member.State != session.StateIdentified {
		return fmt.Errorf("JOIN before HELLO")
	}
	join, err := proto.DecodeJoin(payload)
	if err != nil {
		return fmt.Errorf("bad JOIN: %w", err)
	}

	host, _, err := net.SplitHostPort(member.ControlAddr.String())
	if err != nil {
		return fmt.Errorf("split control address: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("unparseable control address host %q", host)
	}

	member.MediaAddr = &net.UDPAddr{IP: ip, Port: int(join.MediaUDPPort)}
	member.State = session.StateInSession
	member.AudioActive = true

	if err := s.table.Add(member); err != nil {
		return fmt.Errorf("add member: %w", err)
	}

	ack := proto.JoinAck{
		Result:        0,
		SourceID:      member.Source,
		BaseTimestamp: uint32(time.Now().UnixMilli()) * uint32(s.rt.SampleRate/1000),
	}
	if err := cc.WriteFrame(wire.MsgJoinAck, 0, 0, proto.EncodeJoinAck(ack)); err != nil {
		return fmt.Errorf("write JOIN_ACK: %w", err)
	}

	// The joiner's PEER_LIST snapshot and the PEER_JOIN record broadcast
	// to everyone else are built in one critical section, so both
	// observe the same version of the table; the sends happen outside
	// the lock.
	var records []proto.PeerRecord
	var joinRec proto.PeerRecord
	s.table.Mutate(func(members map[uint32]*session.Member) {
		records = make([]proto.PeerRecord, 0, len(members)-1)
		for id, p := range members {
			if id == member.ID {
				continue
			}
			records = append(records, peerRecordFromMember(*p))
		}
		joinRec = peerRecordFromMember(*member)
	})

	if err := cc.WriteFrame(wire.MsgPeerList, 0, 0, proto.EncodePeerList(records)); err != nil {
		return fmt.Errorf("write PEER_LIST: %w", err)
	}
	s.broadcastExcept(member.ID, wire.MsgPeerJoin, proto.EncodePeerRecord(joinRec))

	log.Printf("[session] member %d (%q) joined from %s", member.ID, member.Name, member.MediaAddr)
	return nil
}

func (s *Server) replyHeartbeat(cc *transport.ControlConn) {
	hb := proto.Heartbeat{ServerTimeMs: uint32(time.Now().UnixMilli())}
	if err := cc.WriteFrame(wire.MsgHeartbeat, 0, hb.ServerTimeMs, proto.EncodeHeartbeat(hb)); err != nil {
		log.Printf("[session] write HEARTBEAT reply: %v", err)
	}
}

func (s *Server) replyTimeSync(cc *transport.ControlConn, payload []byte) {
	if err := cc.WriteFrame(wire.MsgTimeSync, 0, uint32(time.Now().UnixMilli()), payload); err != nil {
		log.Printf("[session] write TIME_SYNC reply: %v", err)
	}
}

func peerRecordFromMember(m session.Member) proto.PeerRecord {
	var ip string
	var port uint16
	if m.MediaAddr != nil {
		ip = m.MediaAddr.IP.String()
		port = uint16(m.MediaAddr.Port)
	}
	return proto.PeerRecord{
		ID: m.ID, Source: m.Source, Name: m.Name, IP: ip, UDPPort: port,
		Talking: m.Talking, Muted: m.Muted, AudioActive: m.AudioActive,
	}
}

func (s *Server) registerConn(id uint32, cc *transport.ControlConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[id] = cc
}

func (s *Server) unregisterConn(id uint32) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, id)
}

// broadcastExcept sends one control frame to every registered connection
// except exclude, snapshotting targets under the lock and sending outside
// it.
func (s *Server) broadcastExcept(exclude uint32, t wire.MessageType, payload []byte) {
	s.connsMu.Lock()
	targets := make([]*transport.ControlConn, 0, len(s.conns))
	for id, cc := range s.conns {
		if id == exclude {
			continue
		}
		targets = append(targets, cc)
	}
	s.connsMu.Unlock()

	for _, cc := range targets {
		if err := cc.WriteFrame(t, 0, 0, payload); err != nil {
			log.Printf("[session] broadcast type %d: %v", t, err)
		}
	}
}

func (s *Server) broadcastPeerLeave(id, source uint32) {
	leave := proto.PeerLeave{ID: id, Source: source}
	s.broadcastExcept(id, wire.MsgPeerLeave, proto.EncodePeerLeave(leave))
}

func (s *Server) broadcastPeerState(id uint32) {
	m, ok := s.table.Copy(id)
	if !ok {
		return
	}
	s.broadcastExcept(id, wire.MsgPeerState, proto.EncodePeerRecord(peerRecordFromMember(m)))
}
