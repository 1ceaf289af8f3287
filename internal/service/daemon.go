// Package service provides the core daemon lifecycle management.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dsa110/contimg/internal/config"
)

// Component is a named subsystem the daemon starts and stops in order.
// Components are started in the order they are registered and stopped in
// reverse order, mirroring the dependency chain described in the service's
// configuration contract: storage must be up before the job runner claims
// work, the job runner before the orchestrator submits jobs, the orchestrator
// before the watcher feeds it, and the watcher before the API reports on it.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Daemon manages the service lifecycle: directories, PID file, signal
// handling, the HTTP server, and the ordered startup/shutdown of Components.
type Daemon struct {
	cfg        *config.Config
	server     *http.Server
	logger     arbor.ILogger
	components []Component
	stopCh     chan struct{}
	stoppedCh  chan struct{}
	mu         sync.Mutex
	running    bool
}

// NewDaemon creates a new daemon instance.
func NewDaemon(cfg *config.Config, logger arbor.ILogger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Register adds a component to the startup/shutdown ordering. Must be
// called before Start.
func (d *Daemon) Register(c Component) {
	d.components = append(d.components, c)
}

// Start ensures directories exist, writes the PID file, starts every
// registered component in order, then starts the HTTP server.
func (d *Daemon) Start(ctx context.Context, handler http.Handler) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	if err := d.writePID(); err != nil {
		return fmt.Errorf("write PID: %w", err)
	}

	for i, c := range d.components {
		d.logger.Info().Str("component", c.Name()).Msg("starting component")
		if err := c.Start(ctx); err != nil {
			// Roll back components already started, in reverse order.
			d.stopComponentsFrom(context.Background(), i-1)
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
	}

	d.server = &http.Server{
		Addr:         d.cfg.Address(),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		d.logger.Info().Str("addr", d.cfg.Address()).Msg("starting api server")
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("api server error")
		}
	}()

	return nil
}

// Wait blocks until a termination signal or Stop() is received, then
// shuts the daemon down. A second SIGTERM/SIGINT forces an immediate exit.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case <-d.stopCh:
		d.logger.Info().Msg("stop requested, shutting down")
	}

	go func() {
		sig := <-sigCh
		d.logger.Warn().Str("signal", sig.String()).Msg("second signal received, forcing exit")
		os.Exit(130)
	}()

	d.shutdown()
}

// Stop signals the daemon to stop and blocks until shutdown completes.
func (d *Daemon) Stop() {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	if !running {
		return
	}

	close(d.stopCh)
	<-d.stoppedCh
}

// shutdown performs graceful shutdown: HTTP server first (stop accepting
// new work), then components in reverse startup order, within the
// configured shutdown timeout.
func (d *Daemon) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}

	timeout := time.Duration(d.cfg.Service.ShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("api server shutdown error")
		}
	}

	d.stopComponentsFrom(ctx, len(d.components)-1)

	d.removePID()
	d.running = false
	close(d.stoppedCh)
}

func (d *Daemon) stopComponentsFrom(ctx context.Context, last int) {
	for i := last; i >= 0; i-- {
		c := d.components[i]
		d.logger.Info().Str("component", c.Name()).Msg("stopping component")
		if err := c.Stop(ctx); err != nil {
			d.logger.Error().Err(err).Str("component", c.Name()).Msg("component stop error")
		}
	}
}

// writePID writes the current process PID to a file.
func (d *Daemon) writePID() error {
	pidPath := d.cfg.PIDPath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0755); err != nil {
		return fmt.Errorf("create PID directory: %w", err)
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// removePID removes the PID file.
func (d *Daemon) removePID() {
	_ = os.Remove(d.cfg.PIDPath())
}

// IsRunning checks if a daemon is already running.
func IsRunning(cfg *config.Config) (bool, int) {
	pidPath := cfg.PIDPath()

	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(pidPath)
		return false, 0
	}

	return true, pid
}

// StopRunning stops a running daemon by PID: SIGTERM, wait, then SIGKILL.
func StopRunning(cfg *config.Config) error {
	running, pid := IsRunning(cfg)
	if !running {
		return fmt.Errorf("daemon not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if running, _ := IsRunning(cfg); !running {
			return nil
		}
	}

	if err := process.Kill(); err != nil {
		return fmt.Errorf("kill process: %w", err)
	}

	_ = os.Remove(cfg.PIDPath())

	return nil
}

// Logger returns the daemon's logger.
func (d *Daemon) Logger() arbor.ILogger {
	return d.logger
}
