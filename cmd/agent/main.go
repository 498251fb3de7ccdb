// Command agent runs the in-guest heartbeat daemon installed on every GPU
// instance: it reports GPU utilization to the control plane and acts on the
// hibernate/shutdown directives it receives back. Grounded on
// teacher-node-agent/cmd/main.go's env-driven wiring.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dumontcloud/node-agent/internal/agent"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting node agent")

	cfg := loadConfig()

	nodeAgent, err := agent.NewAgent(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := nodeAgent.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down agent")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := nodeAgent.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop agent gracefully", zap.Error(err))
	}

	logger.Info("agent stopped")
}

func loadConfig() *agent.Config {
	return &agent.Config{
		ControlPlaneURL:   getEnv("CONTROL_PLANE_URL", "http://localhost:8080"),
		InstanceID:        getEnv("INSTANCE_ID", ""),
		Provider:          getEnv("PROVIDER", "gpu_market"),
		SpotInstance:      getEnv("SPOT_INSTANCE", "false") == "true",
		HeartbeatInterval: heartbeatIntervalFromEnv("HEARTBEAT_INTERVAL", 10*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func heartbeatIntervalFromEnv(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}
