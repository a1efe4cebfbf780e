package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/skycastlabs/weathermcp/mcp"
	"github.com/skycastlabs/weathermcp/mcpservice"
	"github.com/skycastlabs/weathermcp/sessions"
	"github.com/skycastlabs/weathermcp/sessions/memoryhost"
	"github.com/skycastlabs/weathermcp/sessions/redishost"
	"github.com/skycastlabs/weathermcp/streaminghttp"
	"github.com/skycastlabs/weathermcp/weather"
)

// serveConfig is decoded from the environment.
type serveConfig struct {
	Addr         string        `env:"WEATHERMCP_ADDR,default=:8080"`
	PublicURL    string        `env:"WEATHERMCP_PUBLIC_URL,default=http://localhost:8080/mcp"`
	SessionHost  string        `env:"WEATHERMCP_SESSION_HOST,default=memory"`
	StationsFile string        `env:"WEATHERMCP_STATIONS_FILE,default="`
	LogLevel     string        `env:"WEATHERMCP_LOG_LEVEL,default=info"`
	SessionTTL   time.Duration `env:"WEATHERMCP_SESSION_TTL,default=1h"`
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the weathermcp HTTP server",
		Long: `Serve runs the MCP streaming HTTP endpoint until interrupted.

Environment:
  WEATHERMCP_ADDR           listen address (default ":8080")
  WEATHERMCP_PUBLIC_URL     externally visible endpoint URL (default "http://localhost:8080/mcp")
  WEATHERMCP_SESSION_HOST   "memory" or "redis" (default "memory")
  REDIS_ADDR                redis address when the session host is "redis"
  WEATHERMCP_STATIONS_FILE  optional JSON station file, live-reloaded on change
  WEATHERMCP_LOG_LEVEL      debug|info|warn|error (default "info")
  WEATHERMCP_SESSION_TTL    idle session expiry (default 1h)`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg serveConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	var lv slog.LevelVar
	if err := lv.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &lv}))
	slog.SetDefault(log)

	host, closeHost, err := buildSessionHost(cfg)
	if err != nil {
		return err
	}
	defer closeHost()

	src, closeSrc, err := buildWeatherSource(cfg, log)
	if err != nil {
		return err
	}
	defer closeSrc()

	server := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "weathermcp", Version: version}),
		mcpservice.WithInstructions("Use get_weather to look up current conditions for a city."),
		mcpservice.WithToolsCapability(mcpservice.MustNewToolsContainer(weather.Tool(src))),
		mcpservice.WithLoggingCapability(mcpservice.NewSlogLevelVarLogging(&lv)),
	)

	handler, err := streaminghttp.New(ctx, cfg.PublicURL, host, server,
		streaminghttp.WithServerName("weathermcp"),
		streaminghttp.WithLogger(log),
		streaminghttp.WithSessionTTL(cfg.SessionTTL),
	)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Addr), slog.String("public_url", cfg.PublicURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}

func buildSessionHost(cfg serveConfig) (sessions.Host, func(), error) {
	switch strings.ToLower(cfg.SessionHost) {
	case "", "memory":
		return memoryhost.New(), func() {}, nil
	case "redis":
		h, err := redishost.NewFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect session host: %w", err)
		}
		return h, func() { _ = h.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown session host %q (want memory or redis)", cfg.SessionHost)
}

func buildWeatherSource(cfg serveConfig, log *slog.Logger) (weather.Source, func(), error) {
	if cfg.StationsFile == "" {
		return weather.NewDefaultSource(), func() {}, nil
	}
	src, err := weather.NewFileSource(cfg.StationsFile, weather.WithFileSourceLogger(log))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load stations file: %w", err)
	}
	return src, func() { _ = src.Close() }, nil
}
