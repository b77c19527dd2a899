package main

import (
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lanvoice/internal/aec"
	"lanvoice/internal/agc"
	"lanvoice/internal/audiodev"
	"lanvoice/internal/codec"
	"lanvoice/internal/config"
	"lanvoice/internal/dsp"
	"lanvoice/internal/mixer"
	"lanvoice/internal/noisegate"
	"lanvoice/internal/transport"
	"lanvoice/internal/vad"
	"lanvoice/internal/wire"
)

// cleanupEvery is how many playback ticks pass between mixer stale-entry
// sweeps (~1s at a 20ms frame).
const cleanupEvery = 50

// AudioEngine runs the two cooperating capture/playback tasks: a capture
// tick that gates, encodes, and transmits one frame, and a playback tick
// that pulls one mixed frame from the multi-stream mixer and submits it
// to the output device.
//
// The capture chain runs AEC, the hard noise gate, and AGC on each frame
// before the RMS/ZCR gate decides the voice-activity flag and silence
// attenuation; per-source decoder lifecycle belongs to the mixer.
type AudioEngine struct {
	mu sync.Mutex

	sampleRate int
	frameSize  int
	frameMs    float64

	inputDeviceID  int
	outputDeviceID int

	capture  audiodev.Device
	playback audiodev.Device

	encFactory codec.EncoderFactory
	encoder    codec.Encoder

	// Capture-side processing chain, applied in order: echo cancellation,
	// hard noise gate, automatic gain, then the RMS/ZCR gate that drives
	// the voice-activity flag and silence attenuation.
	echo     *aec.Canceller
	hardGate *noisegate.Gate
	autoGain *agc.AGC
	detector *vad.Detector

	gate *dsp.Gate
	mix  *mixer.Mixer

	socket     *transport.MediaSocket
	serverAddr *net.UDPAddr
	selfSource uint32

	seq       atomic.Uint32 // low 16 bits are the wire sequence
	timestamp atomic.Uint32

	running    atomic.Bool
	muted      atomic.Bool
	deafened   atomic.Bool
	agcEnabled atomic.Bool

	currentBitrate atomic.Int32 // kbps

	captureDropped  atomic.Uint64
	playbackDropped atomic.Uint64
	inputLevel      atomic.Uint32 // float32 bits, pre-transmit RMS

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// CodecFactory creates the engine's encoder and the mixer's per-source
// decoders. codec.OpusFactory is the default implementation.
type CodecFactory interface {
	codec.EncoderFactory
	codec.DecoderFactory
}

// NewAudioEngine returns an engine configured from rt, transmitting to
// serverAddr over socket as selfSource, decoding other sources through
// factory (normally codec.NewOpusFactory at the same sample rate).
func NewAudioEngine(rt config.Runtime, selfSource uint32, socket *transport.MediaSocket, serverAddr *net.UDPAddr, factory CodecFactory) *AudioEngine {
	ae := &AudioEngine{
		sampleRate:     rt.SampleRate,
		frameSize:      rt.FrameSize,
		frameMs:        float64(rt.FrameMs),
		inputDeviceID:  -1,
		outputDeviceID: -1,
		encFactory:     factory,
		echo:           aec.New(rt.FrameSize),
		hardGate:       noisegate.New(),
		autoGain:       agc.New(),
		detector:       vad.New(),
		gate:           dsp.New(),
		socket:         socket,
		serverAddr:     serverAddr,
		selfSource:     selfSource,
		stopCh:         make(chan struct{}),
	}
	ae.mix = mixer.New(mixer.Config{
		K:             rt.MaxPeers,
		SelfSource:    selfSource,
		JitterSlots:   rt.JitterSlots,
		TargetDelayMs: rt.JitterTargetMs,
		FrameMs:       rt.FrameMs,
		SampleRate:    rt.SampleRate,
		FrameSize:     rt.FrameSize,
	}, factory)
	ae.currentBitrate.Store(int32(rt.CodecBitrateKbps))
	ae.agcEnabled.Store(true)
	return ae
}

// SetInputDevice sets the capture device by index; -1 selects the system
// default. Takes effect on the next Start.
func (ae *AudioEngine) SetInputDevice(id int) {
	ae.mu.Lock()
	ae.inputDeviceID = id
	ae.mu.Unlock()
}

// SetOutputDevice sets the playback device by index; -1 selects the
// system default. Takes effect on the next Start.
func (ae *AudioEngine) SetOutputDevice(id int) {
	ae.mu.Lock()
	ae.outputDeviceID = id
	ae.mu.Unlock()
}

// Start opens the capture/playback devices and the Opus encoder, then
// launches the capture and playback ticks.
func (ae *AudioEngine) Start() error {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	if ae.running.Load() {
		return nil
	}

	enc, err := ae.encFactory.NewEncoder()
	if err != nil {
		return fmt.Errorf("audio: new encoder: %w", err)
	}
	if err := enc.SetBitrate(int(ae.currentBitrate.Load()) * 1000); err != nil {
		log.Printf("[audio] set initial bitrate: %v", err)
	}
	ae.encoder = enc

	capture, err := audiodev.OpenCapture(ae.inputDeviceID, ae.sampleRate, ae.frameSize)
	if err != nil {
		return fmt.Errorf("audio: open capture device: %w", err)
	}
	playback, err := audiodev.OpenPlayback(ae.outputDeviceID, ae.sampleRate, ae.frameSize)
	if err != nil {
		capture.Close()
		return fmt.Errorf("audio: open playback device: %w", err)
	}

	if err := capture.Start(); err != nil {
		capture.Close()
		playback.Close()
		return fmt.Errorf("audio: start capture: %w", err)
	}
	if err := playback.Start(); err != nil {
		capture.Stop()
		capture.Close()
		playback.Close()
		return fmt.Errorf("audio: start playback: %w", err)
	}

	ae.capture = capture
	ae.playback = playback
	ae.stopCh = make(chan struct{})
	ae.running.Store(true)

	ae.wg.Add(2)
	go func() { defer ae.wg.Done(); ae.captureLoop() }()
	go func() { defer ae.wg.Done(); ae.playbackLoop() }()

	log.Println("[audio] started")
	return nil
}

// Stop halts capture and playback.
//
// Order matters: Stop unblocks any in-flight ReadFrame/WriteFrame call so
// the capture/playback goroutines can observe stopCh and return, and only
// then are the native device handles closed — closing first would free
// resources a goroutine might still be touching.
func (ae *AudioEngine) Stop() {
	if !ae.running.CompareAndSwap(true, false) {
		return
	}
	close(ae.stopCh)

	ae.mu.Lock()
	if ae.capture != nil {
		ae.capture.Stop()
	}
	if ae.playback != nil {
		ae.playback.Stop()
	}
	ae.mu.Unlock()

	ae.wg.Wait()

	ae.mu.Lock()
	if ae.capture != nil {
		ae.capture.Close()
		ae.capture = nil
	}
	if ae.playback != nil {
		ae.playback.Close()
		ae.playback = nil
	}
	ae.mu.Unlock()

	ae.mix.Reset()
	log.Println("[audio] stopped")
}

func (ae *AudioEngine) captureLoop() {
	pcm := make([]int16, ae.frameSize)
	opusBuf := make([]byte, codec.OpusMaxPacketBytes)

	for {
		select {
		case <-ae.stopCh:
			return
		default:
		}

		if err := ae.capture.ReadFrame(pcm); err != nil {
			if ae.running.Load() {
				log.Printf("[audio] capture read: %v", err)
			}
			return
		}

		ae.echo.Process(pcm)
		rms := ae.hardGate.Process(pcm)
		if ae.agcEnabled.Load() {
			ae.autoGain.Process(pcm)
		}

		class := ae.gate.Process(pcm, ae.frameMs)
		ae.inputLevel.Store(math.Float32bits(float32(rms)))

		// The timestamp tracks the capture clock and advances every frame;
		// the sequence number advances only per transmitted datagram, so
		// suppressed silence does not read as loss on the far side.
		ts := ae.timestamp.Add(uint32(ae.frameSize))

		if ae.muted.Load() {
			continue
		}
		if !ae.detector.Detect(rms) {
			// Silence past the hangover window: suppress the datagram
			// entirely, the way a DTX-style sender goes quiet.
			continue
		}
		seq := uint16(ae.seq.Add(1))

		n, err := ae.encoder.Encode(pcm, opusBuf)
		if err != nil {
			log.Printf("[audio] encode: %v", err)
			continue
		}

		var flags uint16
		if !class.IsSilence {
			flags |= wire.FlagVoiceActivity
		}
		h := wire.MediaHeader{
			PayloadType: wire.PayloadTypeOpus,
			Sequence:    seq,
			Timestamp:   ts,
			Source:      ae.selfSource,
			Flags:       flags,
		}
		datagram := wire.EncodeMediaFrame(h, opusBuf[:n])
		if err := ae.socket.Send(ae.serverAddr, datagram); err != nil {
			ae.captureDropped.Add(1)
		}
	}
}

func (ae *AudioEngine) playbackLoop() {
	var ticks int

	for {
		select {
		case <-ae.stopCh:
			return
		default:
		}

		out, n := ae.mix.Pull()
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		ticks++
		if ticks >= cleanupEvery {
			ticks = 0
			ae.mix.Cleanup(time.Now())
		}

		if ae.deafened.Load() {
			continue
		}

		// The mixed frame is the far-end reference the echo canceller
		// subtracts from subsequent capture frames.
		ae.echo.FeedFarEnd(out)

		if err := ae.playback.WriteFrame(out); err != nil {
			ae.playbackDropped.Add(1)
			if ae.running.Load() {
				log.Printf("[audio] playback write: %v", err)
			}
			return
		}
	}
}

// HandleIncoming routes one received media datagram into the mixer.
// Called by the client's media-receive task for every datagram that
// decodes cleanly.
func (ae *AudioEngine) HandleIncoming(h wire.MediaHeader, payload []byte) error {
	return ae.mix.Insert(h.Sequence, h.Timestamp, h.Source, payload)
}

// SetMuted mutes or unmutes the microphone. A muted engine still reads
// and gates capture frames (so the input meter stays live) but does not
// encode or transmit them.
func (ae *AudioEngine) SetMuted(muted bool) {
	ae.muted.Store(muted)
}

// SetDeafened enables or disables audio playback.
func (ae *AudioEngine) SetDeafened(deafened bool) {
	ae.deafened.Store(deafened)
}

// SetAEC enables or disables acoustic echo cancellation.
func (ae *AudioEngine) SetAEC(enabled bool) {
	ae.echo.SetEnabled(enabled)
}

// SetNoiseGate enables or disables the capture-side hard noise gate.
func (ae *AudioEngine) SetNoiseGate(enabled bool) {
	ae.hardGate.Enabled = enabled
}

// SetNoiseGateLevel maps a 0-100 sensitivity to the gate's linear RMS
// threshold (0.001 to 0.10); higher suppresses more.
func (ae *AudioEngine) SetNoiseGateLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	ae.hardGate.Threshold = 0.001 + float64(level)/100.0*0.099
}

// SetAGC enables or disables automatic gain control. Disabling resets the
// gain to unity so a stale boost is never frozen in.
func (ae *AudioEngine) SetAGC(enabled bool) {
	ae.agcEnabled.Store(enabled)
	if !enabled {
		ae.autoGain.Reset()
	}
}

// SetAGCLevel maps a 0-100 loudness to the AGC's target RMS (0.01 to
// 0.50).
func (ae *AudioEngine) SetAGCLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	ae.autoGain.Target = 0.01 + float64(level)/100.0*0.49
}

// SetVAD enables or disables transmission gating on voice activity. When
// disabled every captured frame is transmitted.
func (ae *AudioEngine) SetVAD(enabled bool) {
	ae.detector.Enabled = enabled
	if !enabled {
		ae.detector.Reset()
	}
}

// InputLevel returns the most recent pre-transmit RMS mic level (0.0-1.0).
func (ae *AudioEngine) InputLevel() float32 {
	return math.Float32frombits(ae.inputLevel.Load())
}

// SetBitrate changes the Opus encoder target bitrate (kbps), clamped to
// the valid Opus range. Safe to call concurrently with capture.
func (ae *AudioEngine) SetBitrate(kbps int) {
	if kbps < 6 {
		kbps = 6
	}
	if kbps > 510 {
		kbps = 510
	}
	ae.mu.Lock()
	if ae.encoder != nil {
		if err := ae.encoder.SetBitrate(kbps * 1000); err != nil {
			log.Printf("[audio] set bitrate %d kbps: %v", kbps, err)
		}
	}
	ae.mu.Unlock()
	ae.currentBitrate.Store(int32(kbps))
}

// CurrentBitrate returns the current Opus encoder target bitrate (kbps).
func (ae *AudioEngine) CurrentBitrate() int {
	return int(ae.currentBitrate.Load())
}

// SetPacketLoss tells the encoder the expected packet loss percentage so
// it can tune in-band FEC redundancy.
func (ae *AudioEngine) SetPacketLoss(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	ae.mu.Lock()
	if ae.encoder != nil {
		if err := ae.encoder.SetPacketLossPercent(percent); err != nil {
			log.Printf("[audio] set packet loss %d%%: %v", percent, err)
		}
	}
	ae.mu.Unlock()
}

// ActiveSources returns the number of peers the mixer currently has an
// active stream entry for.
func (ae *AudioEngine) ActiveSources() int {
	return ae.mix.ActiveSources()
}

// NetworkStats returns the mixer's aggregate receive-side statistics:
// loss/late/reorder counters summed across active sources plus the
// largest per-source jitter estimate.
func (ae *AudioEngine) NetworkStats() mixer.AggregateStats {
	return ae.mix.Stats()
}

// DroppedFrames returns and resets the capture/playback drop counters.
func (ae *AudioEngine) DroppedFrames() (capture, playback uint64) {
	return ae.captureDropped.Swap(0), ae.playbackDropped.Swap(0)
}
