// Package supervisor drives the orchestrator state machine: reconcile stale
// state, resolve ports, launch the backend and frontend, verify health,
// monitor, and tear everything down in order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"limbic/internal/config"
	"limbic/internal/depgate"
	"limbic/internal/envfile"
	"limbic/internal/health"
	"limbic/internal/launch"
	"limbic/internal/logging"
	"limbic/internal/ports"
	"limbic/internal/proc"
	"limbic/internal/retry"
	"limbic/internal/runstate"
	"limbic/internal/statusserver"
	"limbic/internal/watcher"
)

type State string

const (
	StateInit           State = "init"
	StateReconciling    State = "reconciling"
	StatePortResolution State = "port-resolution"
	StateBackendLaunch  State = "backend-launch"
	StateFrontendLaunch State = "frontend-launch"
	StateHealthCheck    State = "health-check"
	StateMonitoring     State = "monitoring"
	StateShuttingDown   State = "shutting-down"
	StateTerminated     State = "terminated"
)

// ProcessInfo reports one launched service to the CLI.
type ProcessInfo struct {
	Role runstate.Role
	PID  int
	Port int
}

type Options struct {
	Config config.Config
	Logger *logging.Logger
	// Root is the checkout root; service dirs and the run dir resolve
	// against it.
	Root string
	// Locator defaults to a dial-probing locator.
	Locator *ports.Locator
	// Scanner defaults to the platform scanner rooted at Root.
	Scanner proc.Scanner
}

type Supervisor struct {
	cfg     config.Config
	logger  *logging.Logger
	root    string
	locator *ports.Locator

	registry *runstate.Registry
	launcher *launch.Launcher
	gate     *depgate.Gate
	verifier *health.Verifier

	mu       sync.Mutex
	state    State
	backend  *launch.ManagedProcess
	frontend *launch.ManagedProcess
}

func New(options Options) *Supervisor {
	root := options.Root
	if root == "" {
		root = "."
	}
	logger := options.Logger
	locator := options.Locator
	if locator == nil {
		locator = ports.NewLocator(nil)
	}
	scanner := options.Scanner
	if scanner == nil {
		scanner = proc.NewScanner(root)
	}

	cfg := options.Config
	registry := runstate.New(filepath.Join(root, cfg.RunDir), scanner, logger)
	registry.SetGrace(cfg.Grace)

	installer := ""
	if cfg.Installer != "" {
		installer = filepath.Join(root, cfg.Installer)
	}

	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		root:     root,
		locator:  locator,
		registry: registry,
		launcher: &launch.Launcher{
			Registry: registry,
			Logger:   logger,
			Grace:    cfg.Grace,
		},
		gate: &depgate.Gate{
			Installer: installer,
			Logger:    logger,
		},
		verifier: &health.Verifier{Logger: logger},
		state:    StateInit,
	}
}

// Processes lists the currently launched services.
func (s *Supervisor) Processes() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ProcessInfo
	if s.backend != nil {
		out = append(out, ProcessInfo{Role: runstate.RoleBackend, PID: s.backend.PID, Port: s.backend.Port})
	}
	if s.frontend != nil {
		out = append(out, ProcessInfo{Role: runstate.RoleFrontend, PID: s.frontend.PID, Port: s.frontend.Port})
	}
	return out
}

// Run executes the full state machine. In detached mode it returns right
// after launch and health verification; the caller owns the processes. In
// attached mode it blocks until a signal or backend death, then shuts down.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateInit)
	if err := s.registry.EnsureDir(); err != nil {
		return err
	}

	s.setState(StateReconciling)
	if err := s.registry.ReconcileStale(ctx, map[runstate.Role]string{
		runstate.RoleBackend:  s.cfg.Backend.Signature,
		runstate.RoleFrontend: s.cfg.Frontend.Signature,
	}); err != nil {
		s.logger.Warn("stale reconciliation incomplete", map[string]string{
			"error": err.Error(),
		})
	}

	backendDir := filepath.Join(s.root, s.cfg.Backend.Dir)
	if err := s.gate.Ensure(ctx, runstate.RoleBackend, backendDir, depgate.Check{
		Tool:   firstArg(s.cfg.Backend.Command),
		Marker: ".venv",
	}); err != nil {
		return fmt.Errorf("backend runtime unavailable: %w (rerun the installer)", err)
	}

	frontendDir := filepath.Join(s.root, s.cfg.Frontend.Dir)
	frontendAvailable := true
	if err := s.gate.Ensure(ctx, runstate.RoleFrontend, frontendDir, depgate.Check{
		Tool:   firstArg(s.cfg.Frontend.Command),
		Marker: "node_modules",
	}); err != nil {
		s.logger.Warn("frontend not started; continuing backend-only", map[string]string{
			"error": err.Error(),
		})
		frontendAvailable = false
	}

	s.setState(StatePortResolution)
	backendPort, backendAttempts, err := s.resolveBackendPort(ctx)
	if err != nil {
		return err
	}
	frontendPort := 0
	if frontendAvailable {
		frontendPort, err = s.locator.FindFree(s.cfg.FrontendPort, s.cfg.FrontendWindow)
		if err != nil {
			s.logger.Warn("frontend not started; no free port", map[string]string{
				"error": err.Error(),
			})
			frontendAvailable = false
		}
	}

	s.setState(StateBackendLaunch)
	backend, err := s.launcher.LaunchWithRetry(ctx, launch.Spec{
		Role:        runstate.RoleBackend,
		Dir:         backendDir,
		Args:        s.cfg.Backend.Command,
		SettleDelay: s.cfg.SettleDelay,
	}, backendPort, backendAttempts)
	if err != nil {
		if errors.Is(err, launch.ErrBindConflict) && s.cfg.OnConflict == config.PolicyFail {
			return conflictRemediation(backendPort, err)
		}
		return fmt.Errorf("backend launch failed: %w", err)
	}
	s.setBackend(backend)

	materializer := s.newMaterializer(frontendDir)
	if frontendAvailable {
		if _, err := materializer.Apply(envfile.Render(backend.Port)); err != nil {
			s.logger.Warn("frontend env materialization failed", map[string]string{
				"error": err.Error(),
			})
		}

		s.setState(StateFrontendLaunch)
		frontend, err := s.launcher.LaunchWithRetry(ctx, launch.Spec{
			Role:        runstate.RoleFrontend,
			Dir:         frontendDir,
			Args:        s.cfg.Frontend.Command,
			SettleDelay: s.cfg.SettleDelay,
		}, frontendPort, s.cfg.FrontendWindow)
		if err != nil {
			s.logger.Warn("frontend not started", map[string]string{
				"error": err.Error(),
			})
		} else {
			s.setFrontend(frontend)
		}
	} else {
		s.logger.Info("frontend not started", nil)
	}

	s.setState(StateHealthCheck)
	if s.cfg.SkipHealth {
		s.logger.Info("health check skipped", nil)
	} else {
		if err := s.verifier.WaitHealthy(ctx, backend.Port, s.cfg.HealthAttempts, s.cfg.HealthInterval); err != nil {
			if errors.Is(err, health.ErrUnhealthy) {
				s.logger.Warn("backend not healthy yet; continuing", map[string]string{
					"error": err.Error(),
				})
			} else {
				return err
			}
		} else {
			s.logger.Info("backend healthy", map[string]string{
				"port": strconv.Itoa(backend.Port),
			})
		}
	}

	if s.cfg.Detach {
		s.setState(StateMonitoring)
		s.logRunning()
		return nil
	}

	return s.superviseAttached(ctx, materializer)
}

// superviseAttached installs signal handling, optional status serving and
// env drift watching, monitors both children, and runs the shutdown
// coordinator exactly once on the way out.
func (s *Supervisor) superviseAttached(ctx context.Context, materializer *envfile.Materializer) error {
	coordinator := newShutdownCoordinator(s.logger)
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	stopSignals := watchSignals(s.logger, shutdownCancel, signalCh)
	defer func() {
		signal.Stop(signalCh)
		stopSignals()
	}()

	if s.cfg.StatusPort > 0 {
		server := statusserver.New(s.cfg.StatusPort, s, s.logger)
		if err := server.Start(); err != nil {
			s.logger.Warn("status server unavailable", map[string]string{
				"error": err.Error(),
			})
		} else {
			coordinator.Add("status-server", server.Shutdown)
		}
	}

	if s.frontendProcess() != nil {
		drift, err := watcher.New(materializer.EnvPath, func() {
			if backend := s.backendProcess(); backend != nil {
				if _, err := materializer.Apply(envfile.Render(backend.Port)); err != nil {
					s.logger.Warn("env re-apply failed", map[string]string{
						"error": err.Error(),
					})
				}
			}
		}, s.logger)
		if err != nil {
			s.logger.Warn("env drift watcher unavailable", map[string]string{
				"error": err.Error(),
			})
		} else {
			coordinator.Add("env-watcher", func(context.Context) error {
				return drift.Close()
			})
		}
	}

	coordinator.Add("stop-services", s.stopServices)

	s.setState(StateMonitoring)
	s.logRunning()
	s.monitor(shutdownCtx)

	s.setState(StateShuttingDown)
	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Grace+10*time.Second)
	defer cancel()
	err := coordinator.Run(stopCtx)
	s.setState(StateTerminated)
	s.logger.Info("orchestrator stopped", nil)
	return err
}

// monitor blocks until the shutdown context fires or the backend dies. A
// dead frontend is logged and cleared; the run continues backend-only.
func (s *Supervisor) monitor(ctx context.Context) {
	interval := s.cfg.MonitorInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		backend := s.backendProcess()
		frontend := s.frontendProcess()

		var backendDone, frontendDone <-chan error
		if backend != nil {
			backendDone = backend.Done()
		}
		if frontend != nil {
			frontendDone = frontend.Done()
		}

		select {
		case <-ctx.Done():
			return
		case waitErr := <-backendDone:
			s.logger.Error("backend exited; shutting down", map[string]string{
				"error": errText(waitErr),
				"log":   backend.LogPath,
			})
			return
		case waitErr := <-frontendDone:
			s.logger.Warn("frontend exited; continuing backend-only", map[string]string{
				"error": errText(waitErr),
				"log":   frontend.LogPath,
			})
			_ = s.registry.Forget(runstate.RoleFrontend)
			s.setFrontend(nil)
		case <-ticker.C:
			// Liveness backstop for processes reparented away from us.
			if backend != nil && !backend.Alive() {
				s.logger.Error("backend no longer alive; shutting down", nil)
				return
			}
			if frontend != nil && !frontend.Alive() {
				s.logger.Warn("frontend no longer alive; continuing backend-only", nil)
				_ = s.registry.Forget(runstate.RoleFrontend)
				s.setFrontend(nil)
			}
		}
	}
}

// stopServices terminates frontend then backend and clears their records.
func (s *Supervisor) stopServices(ctx context.Context) error {
	var stopErr error
	if frontend := s.frontendProcess(); frontend != nil {
		if err := frontend.Stop(ctx, s.cfg.Grace); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("stop frontend: %w", err))
		}
		_ = s.registry.Forget(runstate.RoleFrontend)
		s.setFrontend(nil)
	}
	if backend := s.backendProcess(); backend != nil {
		if err := backend.Stop(ctx, s.cfg.Grace); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("stop backend: %w", err))
		}
		_ = s.registry.Forget(runstate.RoleBackend)
		s.setBackend(nil)
	}
	return stopErr
}

// resolveBackendPort applies the configured conflict policy and returns the
// starting port plus the launch attempt budget.
func (s *Supervisor) resolveBackendPort(ctx context.Context) (int, int, error) {
	port := s.cfg.BackendPort
	switch s.cfg.OnConflict {
	case config.PolicyFallback:
		resolved, err := s.locator.FindFree(port, s.cfg.FallbackWindow)
		if err != nil {
			return 0, 0, fmt.Errorf("backend port resolution: %w", err)
		}
		if resolved != port {
			s.logger.Info("backend port occupied; falling back", map[string]string{
				"requested": strconv.Itoa(port),
				"resolved":  strconv.Itoa(resolved),
			})
		}
		remaining := s.cfg.FallbackWindow - (resolved - port)
		if remaining < 1 {
			remaining = 1
		}
		return resolved, remaining, nil
	case config.PolicyKill:
		if s.locator.IsFree(port) {
			return port, 1, nil
		}
		if err := s.killPortHolders(ctx, port); err != nil {
			return 0, 0, err
		}
		return port, 1, nil
	default: // PolicyFail
		if !s.locator.IsFree(port) {
			return 0, 0, conflictRemediation(port, nil)
		}
		return port, 1, nil
	}
}

func (s *Supervisor) killPortHolders(ctx context.Context, port int) error {
	pids, err := ports.OwnerPIDs(port)
	if err != nil {
		return fmt.Errorf("backend port %d is in use and its holder cannot be identified (%v): free the port or rerun with --on-conflict=fallback", port, err)
	}
	for _, pid := range pids {
		s.logger.Info("terminating port holder", map[string]string{
			"pid":  strconv.Itoa(pid),
			"port": strconv.Itoa(port),
		})
		if err := proc.Terminate(ctx, pid, proc.GroupID(pid), s.cfg.Grace); err != nil && !errors.Is(err, proc.ErrNotFound) {
			return fmt.Errorf("terminate port holder %d: %w", pid, err)
		}
	}
	err = retry.Poll(ctx, 100*time.Millisecond, 20, func() (bool, error) {
		return s.locator.IsFree(port), nil
	})
	if err != nil {
		return fmt.Errorf("backend port %d still in use after terminating holders", port)
	}
	return nil
}

func (s *Supervisor) newMaterializer(frontendDir string) *envfile.Materializer {
	return &envfile.Materializer{
		EnvPath:          filepath.Join(frontendDir, ".env.local"),
		CacheDir:         filepath.Join(frontendDir, "node_modules", ".vite"),
		InjectedArtifact: filepath.Join(frontendDir, "dist", "env.js"),
		Logger:           s.logger,
	}
}

func (s *Supervisor) logRunning() {
	for _, info := range s.Processes() {
		s.logger.Info("service running", map[string]string{
			"role": string(info.Role),
			"pid":  strconv.Itoa(info.PID),
			"port": strconv.Itoa(info.Port),
		})
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Debug("state transition", map[string]string{
			"state": string(state),
		})
	}
}

func (s *Supervisor) setBackend(process *launch.ManagedProcess) {
	s.mu.Lock()
	s.backend = process
	s.mu.Unlock()
}

func (s *Supervisor) setFrontend(process *launch.ManagedProcess) {
	s.mu.Lock()
	s.frontend = process
	s.mu.Unlock()
}

func (s *Supervisor) backendProcess() *launch.ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

func (s *Supervisor) frontendProcess() *launch.ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontend
}

func conflictRemediation(port int, cause error) error {
	message := fmt.Sprintf(
		"backend port %d is already in use: free the port, or rerun with --on-conflict=fallback or --on-conflict=kill (LIMBIC_ON_CONFLICT)",
		port)
	if cause != nil {
		return fmt.Errorf("%s: %w", message, cause)
	}
	return errors.New(message)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func errText(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
