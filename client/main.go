package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"lanvoice/internal/audiodev"
	"lanvoice/internal/codec"
	"lanvoice/internal/config"
	"lanvoice/internal/discovery"
	"lanvoice/internal/transport"
)

// discoverWait is how long the one-shot discovery flow collects responses
// before picking a server.
const discoverWait = 2 * time.Second

func main() {
	rt := config.DefaultRuntime()
	cfg := config.Load()

	server := flag.String("server", "", "control endpoint host:port (skips discovery)")
	name := flag.String("name", cfg.Username, "display name")
	discover := flag.Bool("discover", false, "broadcast a discovery request and join the first server that answers")
	discoveryPort := flag.Int("discovery-port", rt.DiscoveryPort, "UDP discovery port")
	listDevices := flag.Bool("list-devices", false, "list audio devices and exit")
	inputDevice := flag.Int("input-device", -1, "capture device index (-1 = default)")
	outputDevice := flag.Int("output-device", -1, "playback device index (-1 = default)")
	bitrate := flag.Int("bitrate", rt.CodecBitrateKbps, "Opus target bitrate in kbps")
	adaptive := flag.Bool("adapt", false, "enable adaptive encoder bitrate (jitter depth stays fixed)")
	muted := flag.Bool("muted", false, "start with the microphone muted")
	flag.Parse()

	rt.DiscoveryPort = *discoveryPort
	rt.CodecBitrateKbps = *bitrate
	if *name == "" {
		*name = "user"
	}

	if err := audiodev.Initialize(); err != nil {
		log.Fatalf("[client] audio init: %v", err)
	}
	defer audiodev.Terminate()

	if *listDevices {
		if err := printDevices(); err != nil {
			log.Fatalf("[client] list devices: %v", err)
		}
		return
	}

	addr := *server
	if addr == "" {
		if !*discover {
			log.Fatal("[client] either -server or -discover is required")
		}
		found, err := discoverServer(rt, *name)
		if err != nil {
			log.Fatalf("[client] discovery: %v", err)
		}
		addr = found
	}

	factory := codec.NewOpusFactory(rt.SampleRate, rt.Channels)
	conn := NewConnection(rt, *name, factory)
	conn.SetAdaptive(*adaptive)
	conn.SetOnDisconnected(func(reason string) {
		log.Printf("[client] session ended: %s", reason)
	})

	if err := conn.Connect(addr); err != nil {
		log.Fatalf("[client] connect %s: %v", addr, err)
	}

	engine := conn.Engine()
	if *inputDevice < 0 {
		*inputDevice = cfg.InputDeviceID
	}
	if *outputDevice < 0 {
		*outputDevice = cfg.OutputDeviceID
	}
	engine.SetInputDevice(*inputDevice)
	engine.SetOutputDevice(*outputDevice)
	engine.SetBitrate(rt.CodecBitrateKbps)
	engine.SetAEC(cfg.AECEnabled)
	engine.SetAGC(cfg.AGCEnabled)
	engine.SetNoiseGate(cfg.NoiseEnabled)
	engine.SetNoiseGateLevel(cfg.NoiseLevel)

	if err := conn.StartAudio(); err != nil {
		conn.Disconnect()
		log.Fatalf("[client] start audio: %v", err)
	}
	if *muted {
		conn.SetMuted(true)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh
	log.Println("[client] shutting down...")
	conn.Disconnect()
}

// discoverServer broadcasts one round of discovery requests and returns
// the control address of the first server that answers.
func discoverServer(rt config.Runtime, name string) (string, error) {
	sock, err := transport.ListenDiscovery(0)
	if err != nil {
		return "", err
	}
	defer sock.Close()

	table := discovery.NewTable()
	req := discovery.NewRequester(sock, rt.DiscoveryPort, table, 0, name)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() { defer close(done); req.Run(stop, rt.DiscoveryInterval) }()

	time.Sleep(discoverWait)
	close(stop)
	<-done

	entries := table.Snapshot()
	if len(entries) == 0 {
		return "", fmt.Errorf("no servers answered on port %d", rt.DiscoveryPort)
	}
	e := entries[0]
	log.Printf("[client] discovered %q at %s (tcp=%d, %d/%d peers)",
		e.Name, e.Addr.IP, e.TCPPort, e.CurrentPeers, e.MaxPeers)
	return fmt.Sprintf("%s:%d", e.Addr.IP, e.TCPPort), nil
}

func printDevices() error {
	inputs, err := audiodev.ListInputDevices()
	if err != nil {
		return err
	}
	outputs, err := audiodev.ListOutputDevices()
	if err != nil {
		return err
	}
	fmt.Println("input devices:")
	for _, d := range inputs {
		fmt.Printf("%3d  %s\n", d.ID, d.Name)
	}
	fmt.Println("output devices:")
	for _, d := range outputs {
		fmt.Printf("%3d  %s\n", d.ID, d.Name)
	}
	return nil
}
