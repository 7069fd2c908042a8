package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ajmedia/signalgw/internal/config"
	"github.com/ajmedia/signalgw/internal/httpserver"
	"github.com/ajmedia/signalgw/internal/iceconf"
	"github.com/ajmedia/signalgw/internal/media"
	"github.com/ajmedia/signalgw/internal/metrics"
	"github.com/ajmedia/signalgw/internal/registry"
	"github.com/ajmedia/signalgw/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A local .env is a dev convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signalgw",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"media_engine_url", cfg.MediaEngineURL,
		"credential_service_set", cfg.CredentialServiceURL != "",
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"ice_refresh_interval", cfg.IceRefreshInterval,
		"session_max_age", cfg.SessionMaxAge,
	)

	m := metrics.New()

	engineCtx, engineCancel := context.WithTimeout(context.Background(), cfg.MediaEngineCallTimeout)
	engine, err := media.Dial(engineCtx, cfg.MediaEngineURL, cfg.MediaEngineCallTimeout, logger)
	engineCancel()
	if err != nil {
		logger.Error("failed to connect to media engine", "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	pipelines := media.NewOrchestrator(engine, m, logger)
	sessions := registry.New(pipelines, m, cfg.CandidateQueueLimit, nil)

	var refresher *iceconf.Refresher
	if source := credentialSource(cfg, logger); source != nil {
		refresher = iceconf.NewRefresher(source, cfg.IceRefreshInterval, m, logger)
		refresher.Start(context.Background())
		defer refresher.Stop()
	}

	sweeper := registry.NewSweeper(sessions, cfg.SessionSweepInterval, cfg.SessionMaxAge, logger)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	var iceProvider httpserver.ICEProvider
	if refresher != nil {
		iceProvider = refresher
	}
	srv := httpserver.New(cfg, logger, resolveBuildInfo(), iceProvider)
	srv.Mux().Handle("GET /signaling", signaling.NewServer(cfg, sessions, pipelines, m, logger))
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// credentialSource picks where refreshed ICE credentials come from: the
// external credential service when configured, otherwise locally self-issued
// TURN REST credentials when a shared secret and TURN URLs are available.
func credentialSource(cfg config.Config, logger *slog.Logger) iceconf.Source {
	if cfg.CredentialServiceURL != "" {
		src := iceconf.NewRESTSource(cfg.CredentialServiceURL, cfg.CredentialIdentity, cfg.IceRefreshInterval)
		src.Namespace = cfg.CredentialNamespace
		src.Gateway = cfg.CredentialGateway
		src.Listener = cfg.CredentialListener
		return src
	}

	if !cfg.TURNREST.Enabled() {
		return nil
	}
	turnURLs := turnURLsFromICEServers(cfg)
	if len(turnURLs) == 0 {
		logger.Warn("TURN REST secret set but no TURN URLs configured, skipping credential refresh")
		return nil
	}
	src, err := iceconf.NewLocalSource(iceconf.LocalSourceConfig{
		TURNURLs:       turnURLs,
		SharedSecret:   cfg.TURNREST.SharedSecret,
		TTLSeconds:     cfg.TURNREST.TTLSeconds,
		UsernamePrefix: cfg.TURNREST.UsernamePrefix,
	})
	if err != nil {
		logger.Warn("invalid TURN REST configuration, skipping credential refresh", "err", err)
		return nil
	}
	return src
}

func turnURLsFromICEServers(cfg config.Config) []string {
	var out []string
	for _, server := range cfg.ICEServers {
		for _, raw := range server.URLs {
			url := strings.TrimSpace(raw)
			if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
				out = append(out, url)
			}
		}
	}
	return out
}

func resolveBuildInfo() httpserver.BuildInfo {
	commit := buildCommit
	built := buildTime
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					commit = setting.Value
				case "vcs.time":
					if built == "" {
						built = setting.Value
					}
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: built}
}
