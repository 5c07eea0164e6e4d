package main

import (
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/aeolun/relaychat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	flagSet := pflag.NewFlagSet("relaychat-server", pflag.ExitOnError)
	configPath := flagSet.StringP("config", "c", "~/.relaychat/config.toml", "Path to config file")
	port := flagSet.IntP("port", "p", 0, "TCP port to listen on (overrides config)")
	dataDir := flagSet.String("data-dir", "", "Directory for the directory files and logs (overrides config)")
	backend := flagSet.String("backend", "", "Storage backend: file or sqlite (overrides config)")
	pprofAddr := flagSet.String("pprof", "", "Serve net/http/pprof on this address (e.g. localhost:6060)")
	debug := flagSet.Bool("debug", false, "Enable debug logging")
	version := flagSet.Bool("version", false, "Show version information")
	flagSet.Parse(os.Args[1:])

	if *version {
		fmt.Printf("RelayChat Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		tomlConfig.Server.TCPPort = *port
	}
	if *dataDir != "" {
		tomlConfig.Server.DataDir = *dataDir
	}
	if *backend != "" {
		tomlConfig.Storage.Backend = *backend
	}

	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := server.InitLogging(config.DataDir); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if *debug {
		if err := server.EnableDebugLogging(config.DataDir); err != nil {
			log.Fatalf("Failed to enable debug logging: %v", err)
		}
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s", *configPath)
	log.Printf("Data directory: %s (backend: %s)", config.DataDir, config.Storage.Backend)

	srv, err := server.NewServer(config, *configPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("RelayChat server %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Framed TCP: %s", srv.Addr())
	if config.SSHPort > 0 {
		log.Printf("  - SSH: port %d (host key %s)", config.SSHPort, config.SSHHostKeyPath)
	}
	if config.HTTPPort > 0 {
		log.Printf("  - WebSocket: port %d (ws://server:%d/ws)", config.HTTPPort, config.HTTPPort)
	}

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
	log.Println("Server stopped")
}
