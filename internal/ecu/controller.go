package ecu

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vecusim/vecud/internal/integrity"
	"github.com/vecusim/vecud/internal/nvram"
)

// ErrBricked is returned by Run when the secure-boot check fails and the
// control loop halts permanently.
var ErrBricked = errors.New("ecu: bricked, halting operations")

const defaultTick = 2 * time.Second

// Controller drives the boot sequence and the main control loop. BOOT and
// APPLICATION do periodic simulated work; UPDATE_PENDING is a passive wait
// while a diagnostic session drives the firmware transfer.
type Controller struct {
	life      *Lifecycle
	store     *nvram.Store
	imagePath string
	tick      time.Duration
	log       zerolog.Logger
}

func NewController(life *Lifecycle, store *nvram.Store, imagePath string, logger zerolog.Logger) *Controller {
	return &Controller{
		life:      life,
		store:     store,
		imagePath: imagePath,
		tick:      defaultTick,
		log:       logger.With().Str("component", "ecu").Logger(),
	}
}

// SetTick overrides the scheduler tick. Tests use a short tick.
func (c *Controller) SetTick(d time.Duration) {
	if d > 0 {
		c.tick = d
	}
}

// Run executes the lifecycle loop until the context is cancelled, a restart
// is requested, or the ECU bricks.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.life.RestartRequested():
			return nil
		default:
		}

		switch c.life.State() {
		case StateBoot:
			c.runBootSequence()
		case StateApplication:
			c.log.Debug().Msg("application tick")
			c.wait(ctx)
		case StateUpdatePending:
			c.log.Debug().Msg("update pending, waiting for diagnostic commands")
			c.wait(ctx)
		case StateBricked:
			c.log.Error().Msg("ECU is BRICKED, halting operations")
			return ErrBricked
		}
	}
}

func (c *Controller) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-c.life.RestartRequested():
	case <-time.After(c.tick):
	}
}

// runBootSequence loads NVRAM and verifies the running image against the
// golden hash. Any failure is fail-closed: the ECU bricks.
func (c *Controller) runBootSequence() {
	c.log.Info().Msg("entering BOOT")

	if err := c.store.Load(); err != nil {
		c.log.Error().Err(err).Msg("failed to load NVRAM")
		c.life.Brick()
		return
	}
	if version, ok := c.store.Get(nvram.KeyFirmwareVersion); ok {
		c.log.Info().Str("firmware_version", version).Msg("loaded boot configuration")
	}

	golden, ok := c.store.Get(nvram.KeyGoldenHash)
	if !ok {
		c.log.Error().Msg("golden firmware hash missing from NVRAM")
		c.life.Brick()
		return
	}
	sum, err := integrity.SumFile(c.imagePath)
	if err != nil {
		c.log.Error().Err(err).Str("image", c.imagePath).Msg("failed to hash running image")
		c.life.Brick()
		return
	}
	if sum != golden {
		c.log.Error().
			Str("calculated", sum).
			Str("golden", golden).
			Msg("secure boot integrity check failed")
		c.life.Brick()
		return
	}

	c.log.Info().Msg("boot integrity check passed, entering APPLICATION")
	c.life.SetApplication()
}
