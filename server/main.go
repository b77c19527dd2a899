package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"lanvoice/internal/config"
	"lanvoice/internal/monitor"
)

func main() {
	rt := config.DefaultRuntime()

	name := flag.String("name", "lanvoice server", "server display name advertised over discovery")
	discoveryPort := flag.Int("discovery-port", rt.DiscoveryPort, "UDP discovery port")
	controlPort := flag.Int("control-port", rt.ControlPort, "TCP control port")
	mediaPort := flag.Int("media-port", rt.MediaPort, "UDP media port")
	maxPeers := flag.Int("max-peers", rt.MaxPeers, "maximum concurrent session members")
	monitorAddr := flag.String("monitor-addr", "", "read-only HTTP status endpoint address (empty to disable)")
	flag.Parse()

	rt.DiscoveryPort = *discoveryPort
	rt.ControlPort = *controlPort
	rt.MediaPort = *mediaPort
	rt.MaxPeers = *maxPeers

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	srv := NewServer(*name, rt)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("[server] start: %v", err)
	}

	if *monitorAddr != "" {
		mon := monitor.New(srv)
		go func() {
			if err := mon.Run(ctx, *monitorAddr); err != nil {
				log.Printf("[monitor] %v", err)
			}
		}()
		log.Printf("[monitor] listening on %s", *monitorAddr)
	}

	<-ctx.Done()
	srv.Stop()
}
