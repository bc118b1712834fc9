package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/codemode/daemon/daemon"
	eventbusredis "github.com/codemode/daemon/extras/eventbus/redis"
	runlogmongo "github.com/codemode/daemon/extras/runlog/mongo"
	"github.com/codemode/daemon/httpapi"
	"github.com/codemode/daemon/internal/config"
	"github.com/codemode/daemon/kernel"
	"github.com/codemode/daemon/session"
	"github.com/codemode/daemon/telemetry"
	"github.com/codemode/daemon/toolproxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the codemoded HTTP server",
	RunE:  runServe,
}

// fanOutSink broadcasts daemon events to every non-nil sink. It exists only
// here in cmd/codemoded — the core daemon package deals in a single
// EventSink, and composing several optional ones is a bootstrap concern.
type fanOutSink struct {
	sinks []daemon.EventSink
}

func (f fanOutSink) EmitOutput(ctx context.Context, daemonID string, info daemon.Info, stream, content string) {
	for _, s := range f.sinks {
		s.EmitOutput(ctx, daemonID, info, stream, content)
	}
}

func (f fanOutSink) EmitStatus(ctx context.Context, daemonID string, info daemon.Info, status daemon.Status, reason string) {
	for _, s := range f.sinks {
		s.EmitStatus(ctx, daemonID, info, status, reason)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	telemetryLogger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	var sinks []daemon.EventSink
	if cfg.Runlog.Enabled {
		mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Runlog.MongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo for runlog: %w", err)
		}
		store, err := runlogmongo.NewStore(runlogmongo.Options{Client: mongoClient, Database: cfg.Runlog.Database})
		if err != nil {
			return fmt.Errorf("init runlog store: %w", err)
		}
		sinks = append(sinks, store)
		log.Println("runlog archive enabled (mongo)")
	}
	if cfg.EventBus.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.EventBus.Addr})
		sink, err := eventbusredis.NewSink(eventbusredis.Options{Client: rdb, Stream: cfg.EventBus.Stream})
		if err != nil {
			return fmt.Errorf("init eventbus sink: %w", err)
		}
		sinks = append(sinks, sink)
		log.Println("distributed event bus enabled (redis)")
	}

	var sink daemon.EventSink
	if len(sinks) > 0 {
		sink = fanOutSink{sinks: sinks}
	}

	kernelClient := kernel.NewClient()
	sessions := session.New()
	supervisor := daemon.New(kernelClient, sessions, sink, telemetryLogger)

	app := fiber.New(fiber.Config{
		AppName: "codemoded",
	})
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New())

	prom := fiberprometheus.New("codemoded")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	toolproxy.NewHandler(sessions, telemetryLogger, metrics).Mount(app.Group("/code-mode"))
	httpapi.NewHandler(supervisor).Mount(app.Group("/"))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("shutting down codemoded...")
		if err := app.Shutdown(); err != nil {
			log.Printf("error shutting down server: %v", err)
		}
	}()

	log.Printf("codemoded listening on %s", cfg.Server.ListenAddr)
	return app.Listen(cfg.Server.ListenAddr)
}
