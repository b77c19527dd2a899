// Package audiodev defines the capture/playback device interface that
// keeps OS audio bindings at arm's length: the audio loop reads and
// writes PCM through this interface and never imports portaudio
// directly. PortAudioDevice is the concrete default binding.
package audiodev

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Info describes one available audio device.
type Info struct {
	ID   int
	Name string
}

// Device is the capture/playback collaborator the audio loop drives one
// tick at a time. Implementations block until a full frame has been
// captured (Read) or accept one written frame (Write).
type Device interface {
	Start() error
	Stop() error
	Close() error
	// ReadFrame blocks until one capture frame is available in buf.
	ReadFrame(buf []int16) error
	// WriteFrame blocks until buf has been queued for playback.
	WriteFrame(buf []int16) error
}

// Initialize brings up the native audio host. Must be called once before
// any other function in this package; pair with Terminate on shutdown.
func Initialize() error {
	return portaudio.Initialize()
}

// Terminate releases the native audio host.
func Terminate() {
	portaudio.Terminate()
}

// ListInputDevices returns devices with at least one input channel.
func ListInputDevices() ([]Info, error) {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns devices with at least one output channel.
func ListOutputDevices() ([]Info, error) {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func listDevices(match func(*portaudio.DeviceInfo) bool) ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audiodev: list devices: %w", err)
	}
	var out []Info
	for i, d := range devices {
		if match(d) {
			out = append(out, Info{ID: i, Name: d.Name})
		}
	}
	return out, nil
}

// PortAudioDevice is the default Device implementation, wrapping one
// portaudio capture or playback stream opened at a fixed sample rate and
// frame size.
type PortAudioDevice struct {
	stream    *portaudio.Stream
	buf       []float32
	pcm       []int16
	isCapture bool
}

// OpenCapture opens the input device (deviceID, or the system default
// when deviceID < 0) for mono capture at sampleRate with frameSize
// samples per tick.
func OpenCapture(deviceID, sampleRate, frameSize int) (*PortAudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audiodev: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, deviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("audiodev: resolve input device: %w", err)
	}
	buf := make([]float32, frameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("audiodev: open capture stream: %w", err)
	}
	return &PortAudioDevice{stream: stream, buf: buf, pcm: make([]int16, frameSize), isCapture: true}, nil
}

// OpenPlayback opens the output device (deviceID, or the system default
// when deviceID < 0) for mono playback at sampleRate with frameSize
// samples per tick.
func OpenPlayback(deviceID, sampleRate, frameSize int) (*PortAudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audiodev: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, deviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("audiodev: resolve output device: %w", err)
	}
	buf := make([]float32, frameSize)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("audiodev: open playback stream: %w", err)
	}
	return &PortAudioDevice{stream: stream, buf: buf, pcm: make([]int16, frameSize), isCapture: false}, nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Start starts the underlying stream.
func (p *PortAudioDevice) Start() error { return p.stream.Start() }

// Stop stops the underlying stream; any blocked Read/Write unblocks.
func (p *PortAudioDevice) Stop() error { return p.stream.Stop() }

// Close releases the underlying stream's native resources. Callers must
// ensure Stop has already returned and no goroutine is still inside
// ReadFrame/WriteFrame.
func (p *PortAudioDevice) Close() error { return p.stream.Close() }

// ReadFrame blocks for one capture tick and converts the result to int16
// PCM in buf.
func (p *PortAudioDevice) ReadFrame(buf []int16) error {
	if err := p.stream.Read(); err != nil {
		return err
	}
	n := len(p.buf)
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = floatToInt16(p.buf[i])
	}
	return nil
}

// WriteFrame converts buf from int16 PCM and blocks until it has been
// queued for playback.
func (p *PortAudioDevice) WriteFrame(buf []int16) error {
	n := len(p.buf)
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		p.buf[i] = float32(buf[i]) / 32768.0
	}
	for i := n; i < len(p.buf); i++ {
		p.buf[i] = 0
	}
	return p.stream.Write()
}

func floatToInt16(v float32) int16 {
	if v > 1.0 {
		v = 1.0
	} else if v < -1.0 {
		v = -1.0
	}
	return int16(v * 32767)
}
