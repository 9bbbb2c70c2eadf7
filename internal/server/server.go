// Package server exposes the embedding endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andresmejia3/facevec/internal/imageio"
	"github.com/andresmejia3/facevec/internal/types"
)

//go:generate mockgen -source=server.go -destination=mocks/mock_server.go -package=mocks

// Decoder turns uploaded bytes into an image matrix.
type Decoder interface {
	Decode(r io.Reader) (*imageio.Image, error)
}

// Embedder returns one Face per detected face, in the engine's own order.
type Embedder interface {
	Embed(ctx context.Context, img *imageio.Image) ([]types.Face, error)
}

// Config is built once at startup and shared by reference with the router.
type Config struct {
	Addr            string
	AllowedOrigin   string
	ShutdownTimeout time.Duration
}

// Server owns the router and its collaborators. It holds no per-request state.
type Server struct {
	cfg      *Config
	decoder  Decoder
	embedder Embedder
	logger   *slog.Logger
	router   *gin.Engine
}

// New wires routes and middleware. cfg.AllowedOrigin must be an http(s) origin.
func New(cfg *Config, decoder Decoder, embedder Embedder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		decoder:  decoder,
		embedder: embedder,
		logger:   logger,
	}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true

	router.Use(
		requestID(),
		requestLogger(s.logger),
		gin.Recovery(),
		s.corsMiddleware(),
	)

	router.POST("/process_image", s.processImage)
	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// corsMiddleware adds CORS headers for the allowed origin only. Requests from any other
// origin still reach the handlers, just without the headers a browser needs to read them.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	allow := cors.New(cors.Config{
		AllowOrigins:  []string{s.cfg.AllowedOrigin},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	})
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" && origin != s.cfg.AllowedOrigin {
			return
		}
		allow(c)
	}
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("listening", "addr", s.cfg.Addr, "allowed_origin", s.cfg.AllowedOrigin)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("server exiting")
	return nil
}
