// Package service wires the virtual ECU runtime together: NVRAM, the
// lifecycle controller, the diagnostic endpoint, and the admin surface. It
// owns process lifetime: the run loop ends on a shutdown signal, on a bricked
// boot, or when a verified update requests a restart.
package service

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/vecusim/vecud/internal/adminapi"
	"github.com/vecusim/vecud/internal/doip"
	"github.com/vecusim/vecud/internal/ecu"
	"github.com/vecusim/vecud/internal/nvram"
	"github.com/vecusim/vecud/internal/observability"
)

// Config is the daemon configuration.
type Config struct {
	ListenAddr      string
	AdminListenAddr string
	VIN             string
	NVRAMPath       string
	StagingPath     string
	// TargetPath is the image verified at boot and replaced by an applied
	// update. Empty means the running executable.
	TargetPath string
	LogPath    string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":13400",
		VIN:         "VECU-SIM-1234567",
		NVRAMPath:   "nvram.dat",
		StagingPath: "update.bin",
	}
}

// Service is the assembled ECU runtime.
type Service struct {
	cfg   Config
	log   zerolog.Logger
	life  *ecu.Lifecycle
	store *nvram.Store
	ctrl  *ecu.Controller
	srv   *doip.Server
	admin *adminapi.Server
}

func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if strings.TrimSpace(cfg.VIN) == "" {
		cfg.VIN = DefaultConfig().VIN
	}
	target := strings.TrimSpace(cfg.TargetPath)
	if target == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		target = exe
	}
	cfg.TargetPath = target

	observability.RegisterMetrics()
	life := ecu.NewLifecycle()
	store := nvram.NewStore(cfg.NVRAMPath)

	doipCfg := doip.DefaultConfig()
	doipCfg.ListenAddr = cfg.ListenAddr
	doipCfg.VIN = cfg.VIN
	doipCfg.StagingPath = cfg.StagingPath
	doipCfg.TargetPath = cfg.TargetPath

	svc := &Service{
		cfg:   cfg,
		log:   logger,
		life:  life,
		store: store,
		ctrl:  ecu.NewController(life, store, cfg.TargetPath, logger),
		srv:   doip.NewServer(doipCfg, life, logger),
	}
	if strings.TrimSpace(cfg.AdminListenAddr) != "" {
		svc.admin = adminapi.New(cfg.AdminListenAddr, life, store, logger)
	}
	return svc, nil
}

// Lifecycle exposes the shared lifecycle cell, mainly for tests.
func (s *Service) Lifecycle() *ecu.Lifecycle {
	return s.life
}

// Run blocks until a shutdown signal, a bricked boot, or an applied update.
// A nil return after an applied update models "reboot into new firmware":
// the process exits cleanly and its supervisor starts the new image.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.run(ctx)
}

func (s *Service) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ctrlErr := make(chan error, 1)
	go func() { ctrlErr <- s.ctrl.Run(ctx) }()

	srvErr := make(chan error, 1)
	go func() { srvErr <- s.srv.ListenAndServe(ctx) }()

	adminErr := make(chan error, 1)
	if s.admin != nil {
		go func() { adminErr <- s.admin.Run(ctx) }()
	}

	for {
		select {
		case <-s.life.RestartRequested():
			s.log.Info().Msg("verified update applied, restarting into new firmware")
			cancel()
			<-srvErr
			<-ctrlErr
			return nil
		case err := <-ctrlErr:
			// Bricked boot or clean controller exit: tear the endpoints down.
			cancel()
			<-srvErr
			return err
		case err := <-srvErr:
			cancel()
			<-ctrlErr
			return err
		case err := <-adminErr:
			if err != nil {
				cancel()
				<-srvErr
				<-ctrlErr
				return err
			}
		}
	}
}
