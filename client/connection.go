package main

import (
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lanvoice/internal/adapt"
	"lanvoice/internal/config"
	"lanvoice/internal/proto"
	"lanvoice/internal/session"
	"lanvoice/internal/transport"
	"lanvoice/internal/wire"
)

// handshakeTimeout bounds the HELLO and JOIN exchanges during Connect so
// the caller is never blocked indefinitely against an unresponsive server.
const handshakeTimeout = 5 * time.Second

// adaptInterval is how often the optional adaptive loop re-evaluates the
// encoder bitrate from the measured loss and RTT.
const adaptInterval = 2 * time.Second

// Connection is the client's end of the dual-transport session: one TCP
// control connection driving the connect/join state machine, and one UDP
// media socket shared by the capture transmitter and the receive task.
//
// The state machine runs disconnected → connecting → connected (HELLO_ACK)
// → joining → in-session (JOIN_ACK + PEER_LIST); any control-side failure
// drops straight back to disconnected, destroying all per-source jitter
// state via the engine's mixer reset.
type Connection struct {
	rt   config.Runtime
	name string

	factory CodecFactory

	mu         sync.Mutex
	state      session.ClientState
	ctrl       *transport.ControlConn
	media      *transport.MediaSocket
	mediaAddr  *net.UDPAddr // server's media endpoint
	id         uint32
	source     uint32
	engine     *AudioEngine
	disconnect string // reason handed to the onDisconnected callback

	peers *session.PeerTable

	// Control write serialization; the heartbeat task and user-initiated
	// mute/unmute may write concurrently with Connect's handshake replies.
	ctrlMu  sync.Mutex
	ctrlSeq atomic.Uint32

	// RTT: EWMA over heartbeat round trips, float64 bits for atomic access.
	smoothedRTT  atomic.Uint64
	lastBeatSent atomic.Int64 // UnixMilli of the last HEARTBEAT sent

	adaptive atomic.Bool

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	cbMu           sync.RWMutex
	onPeerJoined   func(session.Peer)
	onPeerLeft     func(uint32)
	onPeerState    func(session.Peer)
	onDisconnected func(reason string)
}

// NewConnection returns a disconnected Connection that will identify
// itself as name and build its audio pipeline through factory.
func NewConnection(rt config.Runtime, name string, factory CodecFactory) *Connection {
	return &Connection{
		rt:      rt,
		name:    name,
		factory: factory,
		state:   session.Disconnected,
		peers:   session.NewPeerTable(),
	}
}

// SetOnPeerJoined registers the PEER_JOIN callback. Must be called before
// Connect.
func (c *Connection) SetOnPeerJoined(fn func(session.Peer)) {
	c.cbMu.Lock()
	c.onPeerJoined = fn
	c.cbMu.Unlock()
}

// SetOnPeerLeft registers the PEER_LEAVE callback. Must be called before
// Connect.
func (c *Connection) SetOnPeerLeft(fn func(uint32)) {
	c.cbMu.Lock()
	c.onPeerLeft = fn
	c.cbMu.Unlock()
}

// SetOnPeerState registers the PEER_STATE callback. Must be called before
// Connect.
func (c *Connection) SetOnPeerState(fn func(session.Peer)) {
	c.cbMu.Lock()
	c.onPeerState = fn
	c.cbMu.Unlock()
}

// SetOnDisconnected registers the callback fired when the connection
// drops, whether user-initiated or from a control-channel failure.
func (c *Connection) SetOnDisconnected(fn func(reason string)) {
	c.cbMu.Lock()
	c.onDisconnected = fn
	c.cbMu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() session.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the server-assigned session id (0 before HELLO_ACK).
func (c *Connection) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Source returns the RTP source identifier (equal to the session id).
func (c *Connection) Source() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Peers returns a snapshot of the known session members.
func (c *Connection) Peers() []session.Peer {
	return c.peers.Snapshot()
}

// Engine returns the audio engine, or nil before the session is joined.
func (c *Connection) Engine() *AudioEngine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// RTTMs returns the smoothed heartbeat round-trip estimate in
// milliseconds (0 before the first measurement).
func (c *Connection) RTTMs() float64 {
	return math.Float64frombits(c.smoothedRTT.Load())
}

// SetAdaptive enables or disables the adaptive bitrate loop, which sets the
// encoder bitrate and packet-loss percentage; the jitter buffer depth is
// not changed by it. Off by default.
func (c *Connection) SetAdaptive(enabled bool) {
	c.adaptive.Store(enabled)
}

// Connect dials addr (host:port of the server's control endpoint), runs
// the HELLO and JOIN handshakes, and spawns the control receiver,
// heartbeat sender, and media receiver tasks. On success the connection
// is in-session and the audio engine is constructed (but not started —
// call StartAudio to open the devices).
func (c *Connection) Connect(addr string) error {
	c.mu.Lock()
	if c.state != session.Disconnected {
		c.mu.Unlock()
		return fmt.Errorf("connection: already %s", c.state)
	}
	c.state = session.Connecting
	c.disconnect = ""
	c.mu.Unlock()

	ctrl, err := transport.Dial(addr)
	if err != nil {
		c.setState(session.Disconnected)
		return err
	}

	media, err := transport.ListenMedia(0)
	if err != nil {
		ctrl.Close()
		c.setState(session.Disconnected)
		return fmt.Errorf("connection: bind media socket: %w", err)
	}

	cleanup := func() {
		ctrl.Close()
		media.Close()
		c.mu.Lock()
		c.ctrl = nil
		c.media = nil
		c.state = session.Disconnected
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.ctrl = ctrl
	c.media = media
	c.mu.Unlock()

	// HELLO: propose id 0 so the server assigns one.
	hello := proto.Hello{ProposedID: 0, Name: c.name}
	if err := c.writeCtrl(wire.MsgHello, proto.EncodeHello(hello)); err != nil {
		cleanup()
		return fmt.Errorf("connection: send HELLO: %w", err)
	}
	_, payload, err := c.awaitFrame(ctrl, wire.MsgHelloAck, handshakeTimeout)
	if err != nil {
		cleanup()
		return fmt.Errorf("connection: await HELLO_ACK: %w", err)
	}
	ack, err := proto.DecodeHelloAck(payload)
	if err != nil {
		cleanup()
		return fmt.Errorf("connection: decode HELLO_ACK: %w", err)
	}
	if ack.Result != 0 {
		cleanup()
		return fmt.Errorf("connection: server rejected HELLO (result=%d)", ack.Result)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		cleanup()
		return fmt.Errorf("connection: split server address: %w", err)
	}
	serverIP := net.ParseIP(host)
	if serverIP == nil {
		cleanup()
		return fmt.Errorf("connection: unparseable server host %q", host)
	}

	c.mu.Lock()
	c.id = ack.AssignedID
	c.source = ack.AssignedID
	c.mediaAddr = &net.UDPAddr{IP: serverIP, Port: int(ack.MediaUDPPort)}
	c.state = session.Connected
	c.mu.Unlock()

	// JOIN: declare the locally bound media port so the server can learn
	// our media endpoint (control-source IP + this port).
	join := proto.Join{MediaUDPPort: uint16(media.LocalPort())}
	c.setState(session.Joining)
	if err := c.writeCtrl(wire.MsgJoin, proto.EncodeJoin(join)); err != nil {
		cleanup()
		return fmt.Errorf("connection: send JOIN: %w", err)
	}
	_, payload, err = c.awaitFrame(ctrl, wire.MsgJoinAck, handshakeTimeout)
	if err != nil {
		cleanup()
		return fmt.Errorf("connection: await JOIN_ACK: %w", err)
	}
	jack, err := proto.DecodeJoinAck(payload)
	if err != nil {
		cleanup()
		return fmt.Errorf("connection: decode JOIN_ACK: %w", err)
	}
	if jack.Result != 0 {
		cleanup()
		return fmt.Errorf("connection: server rejected JOIN (result=%d)", jack.Result)
	}

	_, payload, err = c.awaitFrame(ctrl, wire.MsgPeerList, handshakeTimeout)
	if err != nil {
		cleanup()
		return fmt.Errorf("connection: await PEER_LIST: %w", err)
	}
	records, err := proto.DecodePeerList(payload)
	if err != nil {
		cleanup()
		return fmt.Errorf("connection: decode PEER_LIST: %w", err)
	}
	c.peers.Clear()
	for _, r := range records {
		c.peers.Set(peerFromRecord(r))
	}

	c.mu.Lock()
	c.state = session.InSession
	c.engine = NewAudioEngine(c.rt, c.source, c.media, c.mediaAddr, c.factory)
	engine := c.engine
	c.mu.Unlock()

	engine.timestamp.Store(jack.BaseTimestamp)

	c.stopCh = make(chan struct{})
	c.running.Store(true)
	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.controlLoop(ctrl) }()
	go func() { defer c.wg.Done(); c.heartbeatLoop() }()
	go func() { defer c.wg.Done(); c.mediaLoop(media, engine) }()

	if c.adaptive.Load() {
		c.wg.Add(1)
		go func() { defer c.wg.Done(); c.adaptLoop(engine) }()
	}

	log.Printf("[client] in session as id=%d (%d peers)", jack.SourceID, len(records))
	return nil
}

// StartAudio opens the capture and playback devices and starts the audio
// loop. Call after Connect; separate so headless tools (and tests) can
// hold a session without touching audio hardware.
func (c *Connection) StartAudio() error {
	engine := c.Engine()
	if engine == nil {
		return fmt.Errorf("connection: not in session")
	}
	if err := engine.Start(); err != nil {
		return err
	}
	if err := c.writeCtrl(wire.MsgAudioStart, nil); err != nil {
		log.Printf("[client] send AUDIO_START: %v", err)
	}
	return nil
}

// StopAudio halts capture/playback without leaving the session.
func (c *Connection) StopAudio() {
	if engine := c.Engine(); engine != nil {
		engine.Stop()
	}
	if err := c.writeCtrl(wire.MsgAudioStop, nil); err != nil {
		log.Printf("[client] send AUDIO_STOP: %v", err)
	}
}

// SetMuted mutes or unmutes the microphone and tells the server so the
// other members see the state change.
func (c *Connection) SetMuted(muted bool) {
	if engine := c.Engine(); engine != nil {
		engine.SetMuted(muted)
	}
	t := wire.MsgAudioUnmute
	if muted {
		t = wire.MsgAudioMute
	}
	if err := c.writeCtrl(t, nil); err != nil {
		log.Printf("[client] send mute state: %v", err)
	}
}

// Disconnect leaves the session and tears down both transports. Safe to
// call from any state and from concurrent goroutines; only the first call
// acts.
func (c *Connection) Disconnect() {
	c.teardown("disconnect requested")
}

func (c *Connection) teardown(reason string) {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	if c.disconnect == "" {
		c.disconnect = reason
	}
	reason = c.disconnect
	ctrl, media, engine := c.ctrl, c.media, c.engine
	c.mu.Unlock()

	// Best-effort LEAVE so the server can broadcast PEER_LEAVE promptly
	// instead of waiting for the heartbeat timeout.
	if err := c.writeCtrl(wire.MsgLeave, nil); err != nil {
		log.Printf("[client] send LEAVE: %v", err)
	}

	close(c.stopCh)
	ctrl.Close()
	media.Close()
	c.wg.Wait()

	if engine != nil {
		engine.Stop()
	}
	c.peers.Clear()

	c.mu.Lock()
	c.ctrl = nil
	c.media = nil
	c.engine = nil
	c.id = 0
	c.source = 0
	c.state = session.Disconnected
	c.mu.Unlock()

	log.Printf("[client] disconnected: %s", reason)

	c.cbMu.RLock()
	fn := c.onDisconnected
	c.cbMu.RUnlock()
	if fn != nil {
		fn(reason)
	}
}

// writeCtrl serializes one control frame write; safe for concurrent
// callers.
func (c *Connection) writeCtrl(t wire.MessageType, payload []byte) error {
	c.mu.Lock()
	ctrl := c.ctrl
	c.mu.Unlock()
	if ctrl == nil {
		return fmt.Errorf("connection: control channel not open")
	}
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	return ctrl.WriteFrame(t, c.ctrlSeq.Add(1), uint32(time.Now().UnixMilli()), payload)
}

// awaitFrame reads control frames until one of type want arrives, the
// budget expires, or the connection fails. Frames of other types that
// arrive in between (e.g. a HEARTBEAT reply racing the handshake) are
// dispatched as usual so no notification is lost.
func (c *Connection) awaitFrame(ctrl *transport.ControlConn, want wire.MessageType, budget time.Duration) (wire.ControlHeader, []byte, error) {
	deadline := time.Now().Add(budget)
	for {
		if time.Now().After(deadline) {
			return wire.ControlHeader{}, nil, fmt.Errorf("timed out waiting for message type %d", want)
		}
		h, payload, err := ctrl.ReadFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return wire.ControlHeader{}, nil, err
		}
		if h.Type == want {
			return h, payload, nil
		}
		c.dispatch(h, payload)
	}
}

// controlLoop is the long-lived control receiver: it dispatches peer
// notifications and heartbeat replies until the connection drops.
func (c *Connection) controlLoop(ctrl *transport.ControlConn) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		h, payload, err := ctrl.ReadFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if c.running.Load() {
				// A lost control connection ends the session;
				// teardown joins this goroutine, so hand it off.
				go c.teardown(fmt.Sprintf("control channel lost: %v", err))
			}
			return
		}
		c.dispatch(h, payload)
	}
}

func (c *Connection) dispatch(h wire.ControlHeader, payload []byte) {
	switch h.Type {
	case wire.MsgHeartbeat:
		if sent := c.lastBeatSent.Load(); sent > 0 {
			sample := float64(time.Now().UnixMilli() - sent)
			if sample >= 0 {
				c.updateRTT(sample)
			}
		}
	case wire.MsgPeerJoin:
		rec, err := proto.DecodePeerRecord(payload)
		if err != nil {
			log.Printf("[client] bad PEER_JOIN: %v", err)
			return
		}
		peer := peerFromRecord(rec)
		c.peers.Set(peer)
		log.Printf("[client] peer %d (%q) joined", peer.ID, peer.Name)
		c.cbMu.RLock()
		fn := c.onPeerJoined
		c.cbMu.RUnlock()
		if fn != nil {
			fn(peer)
		}
	case wire.MsgPeerLeave:
		leave, err := proto.DecodePeerLeave(payload)
		if err != nil {
			log.Printf("[client] bad PEER_LEAVE: %v", err)
			return
		}
		c.peers.Remove(leave.ID)
		log.Printf("[client] peer %d left", leave.ID)
		c.cbMu.RLock()
		fn := c.onPeerLeft
		c.cbMu.RUnlock()
		if fn != nil {
			fn(leave.ID)
		}
	case wire.MsgPeerState:
		rec, err := proto.DecodePeerRecord(payload)
		if err != nil {
			log.Printf("[client] bad PEER_STATE: %v", err)
			return
		}
		c.peers.UpdateState(rec.ID, rec.Talking, rec.Muted, rec.AudioActive)
		c.cbMu.RLock()
		fn := c.onPeerState
		c.cbMu.RUnlock()
		if fn != nil {
			fn(peerFromRecord(rec))
		}
	case wire.MsgPeerList:
		records, err := proto.DecodePeerList(payload)
		if err != nil {
			log.Printf("[client] bad PEER_LIST: %v", err)
			return
		}
		c.peers.Clear()
		for _, r := range records {
			c.peers.Set(peerFromRecord(r))
		}
	default:
		log.Printf("[client] unexpected control message type %d", h.Type)
	}
}

// heartbeatLoop sends one HEARTBEAT every HeartbeatInterval; the server
// declares the member dead after HeartbeatTimeout of silence.
func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(c.rt.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.lastBeatSent.Store(time.Now().UnixMilli())
			hb := proto.Heartbeat{ServerTimeMs: 0}
			if err := c.writeCtrl(wire.MsgHeartbeat, proto.EncodeHeartbeat(hb)); err != nil {
				log.Printf("[client] send HEARTBEAT: %v", err)
			}
		}
	}
}

// mediaLoop is the media receive task: it routes every cleanly decoded
// datagram into the mixer and mirrors the voice-activity bit onto the
// sending peer's talking flag.
func (c *Connection) mediaLoop(media *transport.MediaSocket, engine *AudioEngine) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		h, payload, _, err := media.ReceiveFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !c.running.Load() {
				return
			}
			// Short or malformed datagrams are dropped and the loop
			// continues; only a closed socket ends the task.
			continue
		}
		if err := engine.HandleIncoming(h, payload); err != nil {
			log.Printf("[client] route media frame: %v", err)
			continue
		}
		c.peers.SetTalking(h.Source, h.Flags&wire.FlagVoiceActivity != 0)
	}
}

// adaptLoop re-evaluates the encoder bitrate and FEC expectation from the
// smoothed loss rate and heartbeat RTT. Opt-in via SetAdaptive.
func (c *Connection) adaptLoop(engine *AudioEngine) {
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()

	var ctrl adapt.Controller
	var lastLost, lastRecv uint64

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			stats := engine.NetworkStats()

			// Interval loss: delta of the cumulative counters since the
			// previous tick.
			lost := stats.PacketsLost - lastLost
			recv := stats.PacketsReceived - lastRecv
			lastLost, lastRecv = stats.PacketsLost, stats.PacketsReceived
			var raw float64
			if lost+recv > 0 {
				raw = float64(lost) / float64(lost+recv)
			}
			loss := ctrl.Observe(raw)

			next := ctrl.Bitrate(engine.CurrentBitrate(), c.RTTMs())
			if next != engine.CurrentBitrate() {
				log.Printf("[client] adapt: bitrate %d -> %d kbps (loss=%.1f%% rtt=%.0fms jitter=%.1fms)",
					engine.CurrentBitrate(), next, loss*100, c.RTTMs(), stats.MaxJitterMs)
				engine.SetBitrate(next)
			}
			engine.SetPacketLoss(int(loss * 100))
		}
	}
}

func (c *Connection) updateRTT(sample float64) {
	// RFC 6298 style smoothing: srtt = 7/8 srtt + 1/8 sample.
	prev := math.Float64frombits(c.smoothedRTT.Load())
	if prev == 0 {
		c.smoothedRTT.Store(math.Float64bits(sample))
		return
	}
	c.smoothedRTT.Store(math.Float64bits(prev*7/8 + sample/8))
}

func (c *Connection) setState(s session.ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func peerFromRecord(r proto.PeerRecord) session.Peer {
	var addr *net.UDPAddr
	if ip := net.ParseIP(r.IP); ip != nil {
		addr = &net.UDPAddr{IP: ip, Port: int(r.UDPPort)}
	}
	return session.Peer{
		ID:          r.ID,
		Source:      r.Source,
		Name:        r.Name,
		MediaAddr:   addr,
		Talking:     r.Talking,
		Muted:       r.Muted,
		AudioActive: r.AudioActive,
	}
}
