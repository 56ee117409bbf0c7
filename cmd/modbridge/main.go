package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/modbridge/modbridge/internal/api"
	"github.com/modbridge/modbridge/internal/api/middleware"
	"github.com/modbridge/modbridge/internal/bridge"
	"github.com/modbridge/modbridge/internal/config"
	"github.com/modbridge/modbridge/internal/logger"
	"github.com/modbridge/modbridge/internal/metrics"
)

var Version = "1.0.0"

func main() {
	printDefaultConfig := flag.Bool("print-default-config", false, "print the default config.yaml to stdout and exit")
	flag.Parse()

	if *printDefaultConfig {
		out, err := yaml.Marshal(config.Default())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render default config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Printf("║       modbridge v%-20s ║\n", Version)
	fmt.Println("║   industrial Modbus-to-MQTT/REST bridge ║")
	fmt.Println("╚═══════════════════════════════════════╝")

	if err := logger.Init(logger.DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()

	cfg, err := config.Load(os.Getenv(config.EnvVar))
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	b, err := bridge.New(cfg)
	if err != nil {
		log.Fatal("failed to build bridge", zap.Error(err))
	}
	metrics.SetActiveDevices(b.DeviceCount())

	app := fiber.New(fiber.Config{AppName: "modbridge v" + Version})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST",
		AllowHeaders: "Origin, Content-Type, X-API-Key",
	}))
	app.Use(middleware.APIKeyAuth(middleware.APIKeyAuthConfig{
		Enabled:      cfg.Auth.Enabled,
		APIKeys:      cfg.Auth.APIKeys,
		ExcludePaths: cfg.Auth.ExcludePaths,
	}))

	if cfg.Server.MetricsEnabled {
		app.Get("/metrics", metrics.Handler())
	}

	api.Register(app, &api.State{Store: b.Store, Coordinator: b.Coordinator, Bus: b.Bus})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Info("starting HTTP server", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			log.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	log.Info("bridge running", zap.Int("devices", b.DeviceCount()))
	if err := b.Run(ctx); err != nil {
		log.Error("bridge exited with error", zap.Error(err))
	}

	log.Info("shutting down HTTP server")
	_ = app.Shutdown()
	log.Info("modbridge stopped")
}
