package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/tts-gateway/internal/bridge"
	"github.com/lexiqai/tts-gateway/internal/config"
	"github.com/lexiqai/tts-gateway/internal/observability"
	"github.com/lexiqai/tts-gateway/internal/plugin"
	"github.com/lexiqai/tts-gateway/internal/settings"
	"github.com/lexiqai/tts-gateway/internal/tts"
)

// grpcServiceName is the health service name reported for the synthesis backend.
const grpcServiceName = "xfyun.tts"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("xfyun_url", cfg.XFYunTTSURL).
		Str("xfyun_host", cfg.XFYunTTSHost).
		Str("storage_dir", cfg.TTSStorageDir).
		Str("settings_path", cfg.SettingsPath).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("TTS Gateway Service starting")

	if cfg.XFYunInsecureSkipVerify {
		logger.Warn().Msg("TLS certificate verification for XFYun is disabled")
	}

	factory := func(creds tts.Credentials, params tts.VoiceParameters) tts.Synthesizer {
		return tts.NewXFYunClient(creds, params,
			tts.WithEndpoint(cfg.XFYunTTSURL),
			tts.WithHost(cfg.XFYunTTSHost),
			tts.WithInsecureSkipVerify(cfg.XFYunInsecureSkipVerify),
			tts.WithStorageRoot(cfg.TTSStorageDir),
			tts.WithLogger(observability.WithComponent("xfyun")),
		)
	}

	ttsPlugin, err := plugin.New(factory,
		settings.NewStore(cfg.SettingsPath),
		settings.FromConfig(cfg),
		plugin.WithTimeout(cfg.SynthesisTimeout()),
		plugin.WithBreaker(plugin.NewBreaker(cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerReset())),
		plugin.WithLogger(observability.WithComponent("plugin")),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize plugin")
	}
	if ok, err := ttsPlugin.CredentialsCheck(context.Background()); !ok {
		logger.Warn().Err(err).Msg("XFYun credentials not configured; /tts is unavailable until /apicfg is used")
	}

	checks := []observability.NamedCheck{
		{Name: "credentials", Check: ttsPlugin.CredentialsCheck},
		{Name: "xfyun_breaker", Check: ttsPlugin.BreakerCheck},
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Register chat host WebSocket handler
	hostServer := bridge.NewServer(ttsPlugin, cfg.PluginToken, observability.WithComponent("bridge"))
	mux.Handle("/plugin/ws", hostServer)

	// Health check endpoints
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grpcServer, err := startGRPCHealth(ctx, cfg.GRPCHealthPort, checks, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start gRPC health server")
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/plugin/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()

	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Hijacked host connections are not tracked by http.Server.
	if err := hostServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Host sessions did not drain before timeout")
	}
	if err := ttsPlugin.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to clean up audio artifacts")
	}

	logger.Info().Msg("Server exited gracefully")
}

// startGRPCHealth serves grpc.health.v1 on port and keeps the backend status
// in sync with the readiness checks. An empty port disables it.
func startGRPCHealth(ctx context.Context, port string, checks []observability.NamedCheck, logger zerolog.Logger) (*grpc.Server, error) {
	if port == "" {
		return nil, nil
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		return nil, err
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthgrpc.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_SERVING)

	update := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		status := healthgrpc.HealthCheckResponse_SERVING
		if _, ok := observability.RunChecks(checkCtx, checks...); !ok {
			status = healthgrpc.HealthCheckResponse_NOT_SERVING
		}
		healthServer.SetServingStatus(grpcServiceName, status)
	}
	update()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				healthServer.Shutdown()
				return
			case <-ticker.C:
				update()
			}
		}
	}()

	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error().Err(err).Msg("gRPC health server stopped")
		}
	}()

	logger.Info().Str("port", port).Msg("gRPC health server listening")
	return grpcServer, nil
}
