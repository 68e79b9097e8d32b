package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kelmah/gateway/internal/config"
	"github.com/kelmah/gateway/internal/logging"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway    *Gateway
	httpServer *http.Server
	watcher    *config.Watcher
	configPath string

	mu            sync.Mutex
	listener      net.Listener
	reloadHistory []ReloadResult
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string, opts ...Option) (*Server, error) {
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		configPath: configPath,
		httpServer: &http.Server{
			Addr:              cfg.Listen.Address,
			Handler:           gw.Handler(),
			ReadTimeout:       cfg.Listen.ReadTimeout,
			ReadHeaderTimeout: cfg.Listen.ReadHeaderTimeout,
			WriteTimeout:      cfg.Listen.WriteTimeout,
			IdleTimeout:       cfg.Listen.IdleTimeout,
		},
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath, config.NewLoader(), cfg)
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		w.OnChange(func(c *config.Config) {
			s.record(gw.Reload(c))
		})
		s.watcher = w
	}

	return s, nil
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.gateway.Start()
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logging.Warn("config watcher not started, use SIGHUP to reload", zap.Error(err))
		}
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server error", zap.Error(err))
		}
	}()

	logging.Info("gateway listening",
		zap.String("address", ln.Addr().String()),
		zap.String("environment", s.gateway.Config().Environment),
		zap.Int("services", s.gateway.Registry().Len()),
	)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the server and handles graceful shutdown.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		s.gateway.Close()
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			result := s.ReloadConfig()
			if result.Success {
				logging.Info("config reloaded successfully", zap.Int("changes", len(result.Changes)))
			} else {
				logging.Error("config reload failed", zap.String("error", result.Error))
			}
		default:
			logging.Info("shutting down gracefully", zap.String("signal", sig.String()))
			return s.Shutdown(s.gateway.Config().Shutdown.Timeout)
		}
	}
	return nil
}

// ReloadConfig re-reads the config file and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.watcher == nil {
		return ReloadResult{Timestamp: time.Now(), Error: "no config path configured"}
	}
	if err := s.watcher.Reload(); err != nil {
		result := ReloadResult{Timestamp: time.Now(), Error: fmt.Sprintf("config load failed: %v", err)}
		s.record(result)
		return result
	}
	return s.lastReload()
}

func (s *Server) record(result ReloadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > 50 {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-50:]
	}
}

func (s *Server) lastReload() ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reloadHistory) == 0 {
		return ReloadResult{}
	}
	return s.reloadHistory[len(s.reloadHistory)-1]
}

// ReloadHistory returns recent reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReloadResult, len(s.reloadHistory))
	copy(out, s.reloadHistory)
	return out
}

// Shutdown drains in-flight requests, stops the health loop, closes the
// counter store and flushes the logger.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("HTTP server shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.gateway.Close(); err != nil {
		logging.Error("gateway close error", zap.Error(err))
		errs = append(errs, err)
	}

	logging.Info("server shutdown complete")
	logging.Sync()
	return errors.Join(errs...)
}
