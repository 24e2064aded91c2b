package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"midimesh/internal/config"
	"midimesh/internal/instance"
)

// version is stamped into discovery advertisements, the status API, and the
// `version` CLI subcommand. There is no release pipeline here to inject a
// build-time value, so it's a plain constant, bumped by hand.
const version = "0.1.0"

func main() {
	apiAddr := "127.0.0.1:9830" // status API address the CLI subcommands talk to; flags are not parsed for them

	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], apiAddr) {
			return
		}
	}

	configPath := pflag.String("config", "", "path to a YAML config file (overlays built-in defaults)")
	workspaceDir := pflag.String("workspace-dir", "", "parent directory for this node's per-instance lock/state (default: OS temp dir)")
	configDir := pflag.String("config-dir", "", "directory the persisted node-id is read from/written to (empty: generate an ephemeral id)")
	udpPort := pflag.Int("udp-port", 0, "UDP transport port (0: use config/default)")
	tcpPort := pflag.Int("tcp-port", 0, "TCP transport port (0: use config/default)")
	httpListenAddr := pflag.String("http-addr", "", "status API listen address (empty: use config/default)")
	routesFile := pflag.String("routes-file", "", "JSON file forwarding rules are loaded from and saved to (empty: start with no rules)")
	discoveryEnabled := pflag.Bool("discovery", true, "enable mDNS/multicast peer discovery")
	statsDB := pflag.String("stats-db", "", "path to a SQLite database for statistics history (empty: history disabled)")
	pflag.Parse()

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("[midimeshd] %v", err)
		}
		cfg = loaded
	}
	if *udpPort != 0 {
		cfg.Transport.UDPPort = *udpPort
	}
	if *tcpPort != 0 {
		cfg.Transport.TCPPort = *tcpPort
	}
	if *httpListenAddr != "" {
		cfg.HTTP.ListenAddr = *httpListenAddr
	}
	if !*discoveryEnabled {
		cfg.Discovery.Enabled = false
	}
	if *statsDB != "" {
		cfg.Stats.DBPath = *statsDB
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[midimeshd] invalid configuration: %v", err)
	}

	self, err := instance.LoadOrCreateNodeId(*configDir)
	if err != nil {
		log.Fatalf("[midimeshd] %v", err)
	}

	inst, err := instance.Start(*workspaceDir, self)
	if err != nil {
		if err == instance.ErrAlreadyRunning {
			log.Fatalf("[midimeshd] another instance for node %s is already running", self)
		}
		log.Fatalf("[midimeshd] %v", err)
	}

	n, err := newNode(cfg, self, inst, *routesFile)
	if err != nil {
		inst.Cleanup()
		log.Fatalf("[midimeshd] %v", err)
	}

	log.Printf("[midimeshd] node %s listening udp=%d tcp=%d http=%s", self, cfg.Transport.UDPPort, cfg.Transport.TCPPort, cfg.HTTP.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[midimeshd] shutting down...")
		cancel()
	}()

	apiDone := n.Start(ctx)

	<-ctx.Done()

	n.Shutdown()
	if *routesFile != "" {
		if err := n.rules.SaveToFile(*routesFile); err != nil {
			log.Printf("[midimeshd] save routes: %v", err)
		}
	}
	inst.Cleanup()

	if err := <-apiDone; err != nil {
		log.Fatalf("[midimeshd] status api: %v", err)
	}
}
