// Package adminapi exposes the operator-facing HTTP surface of the daemon:
// health, runtime status, and Prometheus metrics. It is observability only;
// all vehicle-facing behavior goes through the diagnostic endpoint.
package adminapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vecusim/vecud/internal/ecu"
	"github.com/vecusim/vecud/internal/nvram"
)

// Server serves the admin endpoints on a dedicated listener.
type Server struct {
	addr      string
	engine    *gin.Engine
	life      *ecu.Lifecycle
	store     *nvram.Store
	log       zerolog.Logger
	startedAt time.Time
}

func New(addr string, life *ecu.Lifecycle, store *nvram.Store, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:      addr,
		life:      life,
		store:     store,
		log:       logger.With().Str("component", "adminapi").Logger(),
		startedAt: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.startedAt).String(),
			"service": "vecud",
		})
	})
	r.GET("/status", func(c *gin.Context) {
		version, _ := s.store.Get(nvram.KeyFirmwareVersion)
		serial, _ := s.store.Get(nvram.KeySerialNumber)
		c.JSON(http.StatusOK, gin.H{
			"lifecycle_state":  s.life.State().String(),
			"firmware_version": version,
			"serial_number":    serial,
			"uptime":           time.Since(s.startedAt).String(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine = r
	return s
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("admin endpoint listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	}
}
