// Package config manages persistent user preferences and the shared
// runtime defaults (ports, sample rate, frame sizing, jitter sizing) used
// by both the relay server and the reference client.
//
// User preferences are stored as JSON at os.UserConfigDir()/lanvoice/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all persistent user preferences for the client.
type Config struct {
	Theme          string        `json:"theme"`
	Username       string        `json:"username"`
	InputDeviceID  int           `json:"input_device_id"`
	OutputDeviceID int           `json:"output_device_id"`
	Volume         float64       `json:"volume"`
	NoiseEnabled   bool          `json:"noise_enabled"`
	NoiseLevel     int           `json:"noise_level"`
	AGCEnabled     bool          `json:"agc_enabled"`
	AECEnabled     bool          `json:"aec_enabled"`
	PTTEnabled     bool          `json:"ptt_enabled"`
	PTTKey         string        `json:"ptt_key"`
	Servers        []ServerEntry `json:"servers"`
}

// ServerEntry is a saved server shown in the server browser.
type ServerEntry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Theme:          "dark",
		Volume:         1.0,
		NoiseEnabled:   true,
		NoiseLevel:     80,
		AGCEnabled:     true,
		AECEnabled:     true,
		PTTEnabled:     false,
		PTTKey:         "Backquote",
		InputDeviceID:  -1,
		OutputDeviceID: -1,
		Servers: []ServerEntry{
			{Name: "Local Dev", Addr: "localhost:5000"},
		},
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lanvoice", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Runtime holds the shared, process-wide protocol defaults. Both the
// server and client load these and may override individual fields from
// CLI flags.
type Runtime struct {
	DiscoveryPort int
	ControlPort   int
	MediaPort     int
	MaxPeers      int

	SampleRate int // Hz
	Channels   int // 1 = mono
	FrameMs    int // playback/capture tick size
	FrameSize  int // samples per frame at SampleRate

	JitterTargetMs int
	JitterMinMs    int
	JitterMaxMs    int
	JitterSlots    int

	CodecBitrateKbps int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	DiscoveryInterval time.Duration
}

// DefaultRuntime returns the protocol defaults: discovery on 37020,
// control on 5000, media on 6000, 16 peers max, 48kHz mono 20ms frames.
func DefaultRuntime() Runtime {
	const sampleRate = 48000
	const frameMs = 20
	return Runtime{
		DiscoveryPort: 37020,
		ControlPort:   5000,
		MediaPort:     6000,
		MaxPeers:      16,

		SampleRate: sampleRate,
		Channels:   1,
		FrameMs:    frameMs,
		FrameSize:  frameMs * sampleRate / 1000,

		JitterTargetMs: 20,
		JitterMinMs:    10,
		JitterMaxMs:    60,
		JitterSlots:    16,

		CodecBitrateKbps: 32,

		HeartbeatInterval: 3 * time.Second,
		HeartbeatTimeout:  10 * time.Second,

		DiscoveryInterval: 3 * time.Second,
	}
}
