package main

import (
	"os"

	"github.com/joho/godotenv"

	"tickerflow/internal/cli"
	"tickerflow/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	cli.SetVersion(version)
	if err := cli.Execute(); err != nil {
		log.WithComponent("main").WithError(err).Error("tickerflow failed")
		os.Exit(1)
	}
}
