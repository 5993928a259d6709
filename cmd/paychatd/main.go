package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm/logger"

	"paychat/config"
	"paychat/gateway/middleware"
	"paychat/gateway/routes"
	"paychat/ledger"
	"paychat/observability"
	"paychat/observability/logging"
	telemetry "paychat/observability/otel"
	"paychat/orchestrator"
	"paychat/payment"
	"paychat/realtime"
	"paychat/responder"
	"paychat/storage"
)

const serviceName = "paychatd"

func main() {
	if err := run(); err != nil {
		slog.Error("paychatd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "", "path to YAML or TOML configuration")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment is read")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.SetupWithOptions(serviceName, cfg.Env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	gormLevel := logger.Warn
	if cfg.IsProduction() {
		gormLevel = logger.Error
	}
	store, err := storage.Open(ctx, storage.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		LogLevel:     gormLevel,
	}, storage.AttemptDefaults{
		CostPerAttempt:      cfg.Payment.DefaultCostPerAttempt,
		TokenCostPerAttempt: cfg.Payment.DefaultTokenCostPerAttempt,
		ContractAddress:     cfg.Payment.DefaultContractAddress,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close storage failed", "error", err)
		}
	}()

	endpoint, err := cfg.Ledger.Endpoint()
	if err != nil {
		return err
	}
	rpc := ledger.NewRPCClient(ledger.Options{
		Endpoint:   endpoint,
		Commitment: cfg.Ledger.Commitment,
		Timeout:    cfg.Ledger.Timeout.Duration,
		RPS:        cfg.Ledger.RPS,
		Burst:      cfg.Ledger.Burst,
		Logger:     log,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	chatMetrics := observability.NewChatMetrics(registry)

	verifier := payment.NewVerifier(rpc, store, payment.Policy{
		NativeTolerance: cfg.Payment.NativeTolerance,
		NativeFloor:     cfg.Payment.NativeFloor,
		TokenEpsilon:    cfg.Payment.TokenEpsilon,
		TokenPrecision:  cfg.Payment.TokenPrecision,
	},
		payment.WithLogger(log),
		payment.WithMetrics(chatMetrics),
		payment.WithTimeout(cfg.Ledger.Timeout.Duration),
	)

	if cfg.Responder.APIKey == "" {
		log.Warn("responder api key not set; every reply will use the fallback message")
	}
	generator := responder.NewGenerator(
		responder.NewOpenAIClient(cfg.Responder.BaseURL, cfg.Responder.APIKey),
		cfg.Responder.Timeout.Duration,
	)

	// Submissions outlive their connection and get the shutdown grace period to finish.
	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	defer cancelPipeline()

	hub := realtime.NewHub(log, chatMetrics)
	orch := orchestrator.New(orchestrator.Config{
		Targets: orchestrator.Targets{
			Treasury:  cfg.Payment.TreasuryAddress,
			TokenSink: cfg.Payment.TokenSink,
		},
		MaxContentLength: cfg.Realtime.MaxContentLength,
		FallbackMessage:  cfg.Responder.FallbackMessage,
	}, orchestrator.Deps{
		Store:       store,
		Verifier:    verifier,
		Context:     responder.NewContextBuilder(store, cfg.Responder.ContextWindow, log),
		Generator:   generator,
		Broadcaster: hub,
		Logger:      log,
		Metrics:     chatMetrics,
	})
	ws := realtime.NewServer(pipelineCtx, hub, orch, realtime.Options{
		OriginPatterns:   cfg.Realtime.AllowedOrigins,
		SubmitsPerMinute: cfg.Realtime.SubmitsPerMinute,
		SubmitBurst:      cfg.Realtime.SubmitBurst,
		MaxMessageBytes:  cfg.Realtime.MaxMessageBytes,
		SendBuffer:       cfg.Realtime.SendBuffer,
		WriteTimeout:     cfg.Realtime.WriteTimeout.Duration,
	})

	adminLimit := float64(cfg.Admin.RateLimit)
	router, err := routes.New(routes.Config{
		Store:    store,
		Balances: rpc,
		Treasury: cfg.Payment.TreasuryAddress,
		Realtime: ws,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			APIKey:     cfg.Admin.APIKey,
			HMACSecret: cfg.Admin.JWTSecret,
			Issuer:     cfg.Admin.JWTIssuer,
		}, log),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			routes.RateLimitAdmin:  {RequestsPerMinute: adminLimit, Burst: max(1, cfg.Admin.RateLimit/6)},
			routes.RateLimitPublic: {RequestsPerMinute: adminLimit * 5, Burst: max(1, cfg.Admin.RateLimit/2)},
		}, log),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: !cfg.IsProduction(),
		}, registry, log),
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: true,
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := http.Handler(router)
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(router, serviceName)
	}
	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("paychatd listening",
			"addr", listener.Addr().String(),
			"env", cfg.Env,
			"network", cfg.Ledger.Network,
			"treasury", cfg.Payment.TreasuryAddress,
			logging.MaskSecret("admin_api_key", cfg.Admin.APIKey),
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
	}
	hub.Close()
	if err := ws.Wait(shutdownCtx); err != nil {
		log.Warn("in-flight submissions did not finish", "error", err)
	}
	return nil
}
