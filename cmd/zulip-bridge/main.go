// ABOUTME: Entry point for the zulip-bridge Matrix appservice
// ABOUTME: Loads config, applies flag/env overrides, and runs the bridge

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/zulip-bridge/internal/bridge"
	"github.com/2389/zulip-bridge/internal/config"
	"github.com/2389/zulip-bridge/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _ _             _          _     _
  _____  _| (_)_ __       | |__  _ __(_) __| | __ _  ___
 |_  / | | | | | '_ \ ____| '_ \| '__| |/ _' |/ _' |/ _ \
  / /| |_| | | | |_) |____| |_) | |  | | (_| | (_| |  __/
 /___|\__,_|_|_| .__/     |_.__/|_|  |_|\__,_|\__, |\___|
               |_|                            |___/
`

type cliFlags struct {
	configPath     string
	generate       bool
	generateCompat bool
	listenAddress  string
	listenPort     int
	homeserver     string
	owner          string
	unsafeMode     bool
	verbose        bool
	reset          bool
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "zulip-bridge",
		Short:         "Matrix appservice bridging Zulip organizations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	root.Flags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the config file")
	root.Flags().BoolVar(&flags.generate, "generate", false, "write an appservice registration to the --config path and exit")
	root.Flags().BoolVar(&flags.generateCompat, "generate-compat", false, "like --generate, with the legacy bot-user namespace")
	root.Flags().StringVar(&flags.listenAddress, "listen-address", "", "override bridge.bind_address")
	root.Flags().IntVar(&flags.listenPort, "listen-port", 0, "override bridge.port")
	root.Flags().StringVar(&flags.homeserver, "homeserver", "", "override bridge.homeserver_url")
	root.Flags().StringVar(&flags.owner, "owner", "", "bridge owner MXID, invited to created rooms")
	root.Flags().BoolVar(&flags.unsafeMode, "unsafe-mode", false, "allow the bridge to leave and purge rooms when the bot is removed")
	root.Flags().BoolVar(&flags.verbose, "verbose", false, "debug logging")
	root.Flags().BoolVar(&flags.reset, "reset", false, "delete all bridge state from the database, then exit")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags *cliFlags) error {
	if flags.generate || flags.generateCompat {
		return generateRegistration(flags)
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyOverrides(cfg, flags)

	logger := setupLogger(cfg.Logging, flags.verbose)

	db, err := store.Open(cfg.Database.Type, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	if flags.reset {
		if err := db.Reset(ctx); err != nil {
			return fmt.Errorf("resetting database: %w", err)
		}
		logger.Info("bridge state reset")
		return nil
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", flags.configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Bridge.HomeserverURL)
	green.Print("    ▶ ")
	fmt.Printf("Listen:     %s\n", cfg.ListenAddr())
	green.Print("    ▶ ")
	fmt.Printf("Orgs:       %d\n", len(cfg.Zulip.Organizations))
	fmt.Println()

	logger.Info("starting zulip-bridge",
		"config", flags.configPath,
		"listen_addr", cfg.ListenAddr(),
		"organizations", len(cfg.Zulip.Organizations),
	)

	b, err := bridge.New(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	return b.Run(ctx)
}

// applyOverrides layers flag values over environment variables over the
// config file.
func applyOverrides(cfg *config.Config, flags *cliFlags) {
	if v := envOr(flags.listenAddress, "BRIDGE_LISTEN_ADDRESS"); v != "" {
		cfg.Bridge.BindAddress = v
	}
	if flags.listenPort != 0 {
		cfg.Bridge.Port = flags.listenPort
	} else if v := os.Getenv("BRIDGE_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.Port = port
		}
	}
	if v := envOr(flags.homeserver, "HOMESERVER_URL"); v != "" {
		cfg.Bridge.HomeserverURL = v
	}
	if v := envOr(flags.owner, "BRIDGE_OWNER"); v != "" {
		cfg.Bridge.Owner = v
	}
	if flags.unsafeMode {
		cfg.Bridge.UnsafeMode = true
	}
}

func envOr(flagValue, envName string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envName)
}

// generateRegistration writes the appservice registration to the path
// given by --config. Listener overrides apply so the registration URL
// matches what the bridge will actually bind.
func generateRegistration(flags *cliFlags) error {
	addr := envOr(flags.listenAddress, "BRIDGE_LISTEN_ADDRESS")
	if addr == "" {
		addr = "127.0.0.1"
	}
	port := flags.listenPort
	if port == 0 {
		if v := os.Getenv("BRIDGE_LISTEN_PORT"); v != "" {
			port, _ = strconv.Atoi(v)
		}
	}
	if port == 0 {
		port = 28464
	}

	path := flags.configPath
	reg, err := config.GenerateRegistration(path, addr, port, flags.generateCompat)
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("  id:               %s\n", reg.ID)
	fmt.Printf("  sender_localpart: %s\n", reg.SenderLocalpart)
	fmt.Printf("  url:              %s\n", reg.URL)
	fmt.Println("Add the file to your homeserver's app_service_config_files and restart it.")
	return nil
}

func setupLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}
