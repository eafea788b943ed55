// Package main is the entry point of the ingestion service.
package main

import (
	"log/slog"
	"os"

	"github.com/trackside-telemetry/pipeline/cmd/ingest-service/daemon"
	"github.com/trackside-telemetry/pipeline/internal/cli"
)

func main() {
	a, err := daemon.New()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	os.Exit(cli.Run(a))
}
