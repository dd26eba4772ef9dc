package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/config"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("Exiting")
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "offline-cache",
		Usage:   "Offline-first caching proxy for the Nexus Bento app",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file (YAML)",
				Sources: cli.EnvVars("OFFLINE_CACHE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "origin",
				Usage: "Origin URL to proxy to (overrides config)",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Hostname of origin, if origin is an IP address",
			},
			&cli.BoolFlag{
				Name:  "vv",
				Usage: "Verbosity: trace logging",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Log file to use (in addition to stdout)",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Deploy the configured version and serve requests. SIGHUP redeploys.",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "port",
						Usage: "Port to listen on (overrides config)",
					},
				},
				Action: serve,
			},
			{
				Name:   "install",
				Usage:  "Cache the manifest assets of the configured version",
				Action: install,
			},
			{
				Name:   "activate",
				Usage:  "Delete all partitions except those of the configured version",
				Action: activate,
			},
			{
				Name:   "caches",
				Usage:  "List partitions and their sizes",
				Action: listCaches,
			},
		},
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	// set log level
	logLevel := zerolog.DebugLevel
	if cmd.Bool("vv") {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if filename := cmd.String("log-file"); filename != "" {
		logFileOutput, err := os.OpenFile(filename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return ctx, fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()
	return ctx, nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	if cmd.IsSet("origin") {
		cfg.Origin = cmd.String("origin")
	}
	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Port = int(cmd.Int("port"))
	}
	return cfg, cfg.Validate()
}

func newManager(cfg config.Config, storage cache.Storage) (*offlinecache.Manager, offlinecache.Network, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, nil, err
	}
	network := offlinecache.NewOriginNetwork(origin, cfg.Host)
	mc, err := cfg.ManagerConfig(storage, network, &log.Logger)
	if err != nil {
		return nil, nil, err
	}
	m, err := offlinecache.CreateManager(mc)
	return m, network, err
}

// withManager loads the config, opens storage and runs fn with the manager.
func withManager(ctx context.Context, cmd *cli.Command, fn func(*offlinecache.Manager) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == config.DriverMemory {
		log.Warn().Msg("Memory storage does not outlive this command")
	}
	storage, err := cfg.OpenStorage(ctx)
	if err != nil {
		return err
	}
	defer storage.Close()
	m, _, err := newManager(cfg, storage)
	if err != nil {
		return err
	}
	return fn(m)
}

func install(ctx context.Context, cmd *cli.Command) error {
	return withManager(ctx, cmd, func(m *offlinecache.Manager) error {
		return m.Install(ctx)
	})
}

func activate(ctx context.Context, cmd *cli.Command) error {
	return withManager(ctx, cmd, func(m *offlinecache.Manager) error {
		return m.Activate(ctx)
	})
}

func listCaches(ctx context.Context, cmd *cli.Command) error {
	return withManager(ctx, cmd, func(m *offlinecache.Manager) error {
		status, err := m.Status(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PARTITION\tENTRIES\tSIZE\tCURRENT")
		for _, p := range status.Partitions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", p.Name, humanize.Comma(int64(p.Entries)), humanize.Bytes(uint64(p.Bytes)), p.Current)
		}
		return tw.Flush()
	})
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	storage, err := cfg.OpenStorage(ctx)
	if err != nil {
		return err
	}
	defer storage.Close()

	m, network, err := newManager(cfg, storage)
	if err != nil {
		return err
	}
	proxy := offlinecache.NewProxy(network, &log.Logger)
	if err := proxy.Deploy(ctx, m); err != nil {
		// requests go to the network until a version deploys
		log.Error().Err(err).Str("version", cfg.Version).Msg("Could not deploy version")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: proxy,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Port, cfg.Origin, cfg.Host)
		serverErr <- server.ListenAndServe()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case err := <-serverErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-hup:
			redeploy(ctx, cmd, cfg, storage, proxy)
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}
	}
}

// redeploy reloads the config and deploys its version on the running proxy.
// Storage and port changes need a restart.
func redeploy(ctx context.Context, cmd *cli.Command, current config.Config, storage cache.Storage, proxy *offlinecache.Proxy) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		log.Error().Err(err).Msg("Could not reload config")
		return
	}
	if cfg.Storage != current.Storage || cfg.Port != current.Port {
		log.Warn().Msg("Storage and port changes are ignored until restart")
	}
	m, _, err := newManager(cfg, storage)
	if err != nil {
		log.Error().Err(err).Msg("Could not create manager")
		return
	}
	log.Info().Str("version", cfg.Version).Msg("Reloaded config, deploying")
	if err := proxy.Deploy(ctx, m); err != nil {
		log.Error().Err(err).Str("version", cfg.Version).Msg("Could not deploy version, keeping current")
	}
}
