// Package main provides the CLI entry point for the udprelay UDP forwarder.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/udprelay/internal/config"
	"github.com/postalsys/udprelay/internal/health"
	"github.com/postalsys/udprelay/internal/loadtest"
	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/metrics"
	"github.com/postalsys/udprelay/internal/sysinfo"
	"github.com/postalsys/udprelay/internal/udp"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	sysinfo.Version = Version

	rootCmd := &cobra.Command{
		Use:   "udprelay",
		Short: "udprelay - UDP forwarder with per-client upstream sockets",
		Long: `udprelay listens on one UDP address and forwards every client's
datagrams to a single remote endpoint. Each client gets its own
upstream socket, so the remote sees one flow per client, and replies
are relayed back to the client that caused them.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// relayFlags are the flags shared by run and config.
type relayFlags struct {
	configPath   string
	envFile      string
	bind         string
	remote       string
	maxClients   int
	ipv4         bool
	logLevel     string
	logFormat    string
	greetingFile string
	healthAddr   string
}

func (f *relayFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&f.envFile, "env-file", ".env", "Environment file loaded before configuration")
	flags.StringVarP(&f.bind, "bind", "b", "", "Address to listen on, e.g. 0.0.0.0:5000")
	flags.StringVarP(&f.remote, "remote", "r", "", "Address to forward to, e.g. 10.0.0.1:6000")
	flags.IntVarP(&f.maxClients, "max-client", "m", udp.DefaultMaxClients, "Session table size that triggers eviction of all clients")
	flags.BoolVarP(&f.ipv4, "ipv4", "4", false, "Bind upstream sockets to 0.0.0.0 instead of [::]")
	flags.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&f.greetingFile, "greeting-file", "", "File sent to every new client instead of the built-in greeting")
	flags.StringVar(&f.healthAddr, "health-address", "", "Serve health and metrics endpoints on this address")
}

// load builds the effective configuration: defaults, then the config
// file, then UDPRELAY_* variables, then flags that were set explicitly.
func (f *relayFlags) load(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadEnvFile(f.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.Relay.Bind = f.bind
	}
	if flags.Changed("remote") {
		cfg.Relay.Remote = f.remote
	}
	if flags.Changed("max-client") {
		cfg.Relay.MaxClients = f.maxClients
	}
	if flags.Changed("ipv4") {
		cfg.Relay.IPv4 = f.ipv4
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if flags.Changed("greeting-file") {
		cfg.Relay.GreetingFile = f.greetingFile
	}
	if flags.Changed("health-address") {
		cfg.Health.Enabled = true
		cfg.Health.Address = f.healthAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func runCmd() *cobra.Command {
	var flags relayFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start forwarding datagrams from the bind address to the remote address.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			relayCfg, err := cfg.UDPConfig()
			if err != nil {
				return err
			}

			relay := udp.New(relayCfg, logger, metrics.Default())
			if err := relay.Listen(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}
			defer relay.Close()

			fmt.Printf("Bind: %s, Forwarding to: %s\n", relay.LocalAddr(), relayCfg.Remote)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return relay.Serve(gctx)
			})

			if cfg.Health.Enabled {
				hs := health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}, relay)
				g.Go(func() error {
					return hs.Run(gctx)
				})
				fmt.Printf("Health server: %s\n", cfg.Health.Address)
			}

			// Wait for shutdown signal
			g.Go(func() error {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(sigCh)

				select {
				case sig := <-sigCh:
					fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
					cancel()
				case <-gctx.Done():
				}
				return nil
			})

			if err := g.Wait(); err != nil {
				return err
			}

			stats := relay.Stats()
			fmt.Printf("Relay stopped (sessions: %d, evictions: %d).\n", stats.SessionsCreated, stats.Evictions)
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}

func initCmd() *cobra.Command {
	var (
		path   string
		bind   string
		remote string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long:  "Write a configuration file with default settings and the given addresses.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Configuration already exists at %s\n", path)
				return nil
			}

			cfg := config.Default()
			cfg.Relay.Bind = bind
			cfg.Relay.Remote = remote
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if err := os.WriteFile(path, []byte(cfg.String()), 0o644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Configuration written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "./udprelay.yaml", "Path of the configuration file to write")
	cmd.Flags().StringVarP(&bind, "bind", "b", "0.0.0.0:5000", "Address to listen on")
	cmd.Flags().StringVarP(&remote, "remote", "r", "127.0.0.1:6000", "Address to forward to")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

func configCmd() *cobra.Command {
	var flags relayFlags

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Merge the configuration file, environment and flags, validate the result and print it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if _, err := cfg.UDPConfig(); err != nil {
				return err
			}

			fmt.Print(cfg.String())
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}

func benchCmd() *cobra.Command {
	var (
		target   string
		clients  int
		size     string
		duration time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure round trips through a running relay",
		Long: `Send datagrams from several clients through a relay whose remote
echoes them back, and report latency, loss and throughput.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payloadSize, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", size, err)
			}
			if payloadSize > udp.MaxDatagramSize {
				return fmt.Errorf("size %s exceeds the largest UDP datagram", humanize.IBytes(payloadSize))
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Benchmarking %s: %d clients, %s payloads, %v\n", target, clients, humanize.IBytes(payloadSize), duration)

			gen := loadtest.NewDatagramLoadGenerator(target, clients, int(payloadSize), duration, timeout)
			m, err := gen.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Println(m.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Relay address to send to")
	cmd.Flags().IntVarP(&clients, "clients", "n", 8, "Number of concurrent clients")
	cmd.Flags().StringVarP(&size, "size", "s", "1KiB", "Payload size")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Test duration")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "Wait for each reply")
	cmd.MarkFlagRequired("target")

	return cmd
}
