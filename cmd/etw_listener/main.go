// main.go
package main

import (
	"fmt"
	"os"

	"etw_listener/internal/config"
	"etw_listener/internal/logger"

	"github.com/phuslu/log"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		// -generate-config was handled
		return
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	app, err := NewListenerApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create listener")
	}
	if err := app.Run(); err != nil {
		log.Fatal().Err(err).Msg("Listener stopped with an error")
	}
}
