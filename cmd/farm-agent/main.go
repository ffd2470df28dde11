// Device farm agent: connects to the farm server and drives local devices.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devfarm/farm-agent/internal/agent"
	"github.com/devfarm/farm-agent/internal/config"
	"github.com/rs/zerolog"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("farm-agent %s\n", agent.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", agent.Version).
		Str("host", cfg.Host).
		Str("url", cfg.ServerURL).
		Msg("farm agent starting")

	// Create agent
	a := agent.New(cfg, log, agent.Deps{})

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	// Run agent
	if err := a.Run(); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: farm-agent [options]

farm-agent %s - attaches local Android and iOS devices to a device farm server.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  FARM_AGENT_CONFIG         YAML config file, overridden by the variables below
  FARM_AGENT_SERVER_URL     Server base URL, ws:// or wss:// (required)
  FARM_AGENT_KEY            Agent key (required)
  FARM_AGENT_HOST           Host reported to the server (default: hostname)
  FARM_AGENT_PORT           Agent port, also the local API port (default: 7777)
  FARM_AGENT_ANDROID        Enable Android devices (default: true)
  FARM_AGENT_IOS            Enable iOS devices (default: false)
  FARM_AGENT_ADB            adb binary (default: adb)
  FARM_AGENT_SIB            sib binary (default: sib)
  FARM_AGENT_HUB_URL        USB hub controller URL (empty: no hub)
  FARM_AGENT_RECONNECT      Reconnect interval (default: 10s)
  FARM_AGENT_LOG_LEVEL      Log level: debug, info, warn, error
`, agent.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	// Load config
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Host:        %s:%d\n", cfg.Host, cfg.Port)
	fmt.Printf("  Server:      %s\n", cfg.ServerURL)
	fmt.Printf("  Android:     %t (%s)\n", cfg.AndroidEnabled, cfg.ADBPath)
	fmt.Printf("  iOS:         %t (%s)\n", cfg.IOSEnabled, cfg.SIBPath)
	if cfg.HubURL != "" {
		fmt.Printf("  Hub:         %s\n", cfg.HubURL)
	}
	fmt.Println()

	// Test connectivity
	fmt.Print("Testing server connectivity... ")

	// Only a 5xx counts as down: the base URL need not serve a page.
	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(cfg.HTTPURL())
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
