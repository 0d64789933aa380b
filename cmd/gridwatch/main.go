// Command gridwatch runs the real-time telemetry/alarm fan-out hub.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/gofiber/fiber/v3"
	"github.com/gridwatch/realtime/config"
	"github.com/gridwatch/realtime/providers"
	"github.com/gridwatch/realtime/src/auth"
	"github.com/gridwatch/realtime/src/bridge"
	"github.com/gridwatch/realtime/src/hub"
	"github.com/gridwatch/realtime/src/router"
	"github.com/gridwatch/realtime/src/service"
	"github.com/gridwatch/realtime/src/snapshot"
	"github.com/valyala/fasthttp"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string
	ConfigFile string
}

var cmdArgs cliArgs

func main() {
	config.InstallDefaultValues()

	app := &cli.App{
		Name:        "gridwatch",
		Usage:       "real-time grid monitoring fan-out hub",
		Description: "WebSocket hub distributing telemetry and alarm events to subscribed dashboard clients",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       true,
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				Destination: &cmdArgs.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use defaults if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cli.Context) error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}

	cfg, err := config.Load(cmdArgs.ConfigFile)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	registry := hub.NewRegistry()
	planner := router.New(registry, logger)
	h := hub.New(registry, planner, logger)
	h.SetSendBuffer(cfg.Socket.SendBuffer)
	go h.Run()
	defer h.Stop()

	store, resolver := buildRedisBackends(rdb, cfg, logger)
	svc := service.New(h, store, restAcknowledger(logger), logger)

	// Cross-instance relay is optional; standalone mode works without it.
	rb := bridge.NewRedisBridge(rdb, cfg.Redis.Prefix, h, logger)
	if err := rb.Start(); err != nil {
		logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
	} else {
		h.SetBridge(rb)
		defer rb.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := hub.NewMonitor(h,
		time.Duration(cfg.Monitor.IntervalSec)*time.Second,
		time.Duration(cfg.Monitor.StaleThresholdSec)*time.Second,
		logger)
	go monitor.Run(ctx)

	srv := providers.NewServer(h, svc, resolver, logger)

	app := fiber.New()
	srv.RegisterRoutes(app.Group("/api"))
	apiHandler := app.Handler()
	wsHandler := srv.FastHTTPHandler()

	httpServer := &fasthttp.Server{
		Handler: func(rctx *fasthttp.RequestCtx) {
			if string(rctx.Path()) == "/ws" {
				wsHandler(rctx)
				return
			}
			apiHandler(rctx)
		},
		ReadBufferSize:  cfg.Socket.ReadBufferSize,
		WriteBufferSize: cfg.Socket.WriteBufferSize,
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.ListenOn, cfg.HTTP.Port)
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("hub listening")
		errCh <- httpServer.ListenAndServe(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		return httpServer.Shutdown()
	}
}

func buildLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cmdArgs.LogLevel))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cmdArgs.LogLevel, err)
	}

	var logger zerolog.Logger
	if cmdArgs.JSONLog {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

// buildRedisBackends wires the snapshot store and session resolver to
// Redis, falling back to in-process stand-ins when Redis is unreachable
// so a development instance still comes up.
func buildRedisBackends(rdb *redis.Client, cfg *config.Config, logger zerolog.Logger) (snapshot.Store, auth.Resolver) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, using in-memory snapshot store and dev resolver")
		tokens := map[string]auth.Identity{}
		if devToken := os.Getenv("GRIDWATCH_DEV_TOKEN"); devToken != "" {
			tokens[devToken] = auth.Identity{UserID: "dev", Role: "operator"}
		}
		return snapshot.NewMemoryStore(), auth.NewStaticResolver(tokens)
	}

	ttl := time.Duration(cfg.Redis.SnapshotTTLSec) * time.Second
	return snapshot.NewRedisStore(rdb, cfg.Redis.Prefix, ttl),
		auth.NewRedisResolver(rdb, cfg.Redis.Prefix)
}

// restAcknowledger stands in for the REST layer's acknowledgment
// endpoint. The hub only needs the record persisted before it fans the
// acknowledgment out.
// TODO: call the REST layer's internal acknowledgment endpoint once its
// service URL is part of the config.
func restAcknowledger(logger zerolog.Logger) service.Acknowledger {
	return service.AcknowledgerFunc(func(_ context.Context, alarmID, userID, _ string) error {
		logger.Info().Str("alarm_id", alarmID).Str("user_id", userID).Msg("alarm acknowledgment recorded")
		return nil
	})
}
