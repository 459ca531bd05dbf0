// Package main is the entry point for the chanstate server.
package main

import (
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"

	"github.com/stacklok/chanstate/cmd/chanstate/app"
	"github.com/stacklok/chanstate/internal/config"
	"github.com/stacklok/chanstate/internal/logging"
)

func main() {
	// Log to stderr so stdout stays clean for commands that print data (version, export).
	logger := logging.New(logging.Options{
		Level:  logging.LevelFromEnv(config.EnvPrefix),
		Format: os.Getenv(config.EnvPrefix + "_LOG_FORMAT"),
	})
	slog.SetDefault(logger)

	// OpenTelemetry reports exporter failures through logr
	otel.SetLogger(logging.Logr(logger))

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
