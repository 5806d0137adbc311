package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/CourierBox/config"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

func main() {
	// A missing .env is fine; the real environment still applies.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to parse config, %v", err))
	}
	if cfg.Agent.SwaggerPath == "" {
		cfg.Agent.SwaggerPath = os.Getenv("swaggerPath")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunCourierAgent(ctx, cfg, defaultAgentFactories()); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
