package main

import (
	"fmt"
	"os"

	"github.com/vecusim/vecud/internal/observability"
	"github.com/vecusim/vecud/internal/service"
)

func main() {
	cfg := service.DefaultConfig()
	if len(os.Args) > 1 {
		loaded, err := loadServiceConfig(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "vecud: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := observability.InitLogger("vecud")
	if cfg.LogPath != "" {
		logger = observability.InitFileLogger("vecud", cfg.LogPath)
	}

	svc, err := service.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vecud: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "vecud: %v\n", err)
		os.Exit(1)
	}
}
