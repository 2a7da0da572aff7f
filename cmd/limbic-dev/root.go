package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"limbic/internal/config"
	"limbic/internal/logging"
	"limbic/internal/supervisor"
)

type rootFlags struct {
	root        string
	configPath  string
	backendPort int
	onConflict  string
	skipHealth  bool
	detach      bool
	statusPort  int
	logLevel    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "limbic-dev",
		Short: "Run the limbic backend and frontend as one supervised unit",
		Long: `limbic-dev launches the API backend and the frontend dev server
together: it reconciles leftovers from earlier runs, resolves ports,
materializes the frontend environment, verifies backend health, and
tears everything down in order on exit.

Configuration is read from limbic.yaml in the checkout root, then
LIMBIC_* environment variables, then flags, in increasing precedence.`,
		Args: cobra.NoArgs,
		// Errors are logged with remediation attached; cobra's usage dump
		// on top of that is noise.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.root, "root", ".", "checkout root containing backend/ and frontend/")
	cmd.Flags().StringVar(&flags.configPath, "config", "", "config file (default <root>/limbic.yaml)")
	cmd.Flags().IntVar(&flags.backendPort, "backend-port", 0, "backend port (default from config, 8000)")
	cmd.Flags().StringVar(&flags.onConflict, "on-conflict", "", "backend port conflict policy: fail, fallback or kill")
	cmd.Flags().BoolVar(&flags.skipHealth, "skip-health", false, "skip the backend health probe")
	cmd.Flags().BoolVar(&flags.detach, "detach", false, "return after launch instead of supervising")
	cmd.Flags().IntVar(&flags.statusPort, "status-port", 0, "serve /status and /ws/logs on this port (0 disables)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	return cmd
}

func run(cmd *cobra.Command, flags *rootFlags) error {
	configPath := flags.configPath
	if configPath == "" {
		configPath = filepath.Join(flags.root, "limbic.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	cfg.ApplyEnv()
	applyFlags(&cfg, cmd, flags)

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		err := fmt.Errorf("unknown log level %q", cfg.LogLevel)
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	logger := logging.NewLoggerWithOutput(level, cmd.ErrOrStderr())

	orchestrator := supervisor.New(supervisor.Options{
		Config: cfg,
		Logger: logger,
		Root:   flags.root,
	})
	if err := orchestrator.Run(cmd.Context()); err != nil {
		logger.Error("orchestrator failed", map[string]string{
			"error": err.Error(),
		})
		return err
	}

	if cfg.Detach {
		printDetached(cmd, orchestrator)
	}
	return nil
}

// applyFlags layers explicitly set flags over config and environment.
func applyFlags(cfg *config.Config, cmd *cobra.Command, flags *rootFlags) {
	if cmd.Flags().Changed("backend-port") {
		cfg.BackendPort = flags.backendPort
	}
	if cmd.Flags().Changed("on-conflict") {
		if policy, ok := config.ParsePolicy(flags.onConflict); ok {
			cfg.OnConflict = policy
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "unknown --on-conflict %q; keeping %q\n", flags.onConflict, cfg.OnConflict)
		}
	}
	if cmd.Flags().Changed("skip-health") {
		cfg.SkipHealth = flags.skipHealth
	}
	if cmd.Flags().Changed("detach") {
		cfg.Detach = flags.detach
	}
	if cmd.Flags().Changed("status-port") {
		cfg.StatusPort = flags.statusPort
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
}

// printDetached writes the launched pids and ports to stdout so shell
// wrappers can capture them.
func printDetached(cmd *cobra.Command, orchestrator *supervisor.Supervisor) {
	for _, info := range orchestrator.Processes() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s pid=%s port=%s\n",
			info.Role, strconv.Itoa(info.PID), strconv.Itoa(info.Port))
	}
}
