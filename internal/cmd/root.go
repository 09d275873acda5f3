package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/patchflow/internal/config"
	"github.com/Iron-Ham/patchflow/internal/event"
	"github.com/Iron-Ham/patchflow/internal/forge"
	"github.com/Iron-Ham/patchflow/internal/logging"
	"github.com/Iron-Ham/patchflow/internal/orchestrator"
	"github.com/Iron-Ham/patchflow/internal/session"
	"github.com/Iron-Ham/patchflow/internal/vcs"
)

var rootCmd = &cobra.Command{
	Use:   "patchflow",
	Short: "Apply code changes on isolated git branches",
	Long: `Patchflow applies automated code changes on a dedicated git branch,
validates them, commits and pushes the result, and optionally opens a pull
request. Any failure rolls the working tree back to where it started.

After a pull request is opened, patchflow can keep watching it: applying
reviewer suggestions and closing the linked tracking issue once it merges.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/patchflow/config.yaml)")
	rootCmd.PersistentFlags().String("repo", "", "repository directory (default is the current directory)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PATCHFLOW")
	// e.g. PATCHFLOW_REVIEW_INTERVAL_SECONDS for review.interval_seconds
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// env is everything a command needs to talk to the repository and forge.
type env struct {
	cfg    *config.Config
	root   string
	logger *logging.Logger
	git    vcs.Gateway
	forge  forge.Gateway
	ledger *session.Ledger
	bus    *event.Bus
	orch   *orchestrator.Orchestrator
}

// newEnv loads configuration, locates the repository and wires the
// orchestrator. Callers must Close the returned env.
func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, root, err := locateRepo(cmd)
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Paths.ResolveDataDir(root)
	if err := ensureDataDir(dataDir); err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.Paths.LogDir(root), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ledger, err := session.OpenLedger(cfg.Paths.LedgerPath(root), logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	git := vcs.NewCLIGateway(root)
	gw := forge.NewGHGateway(root,
		forge.WithRepo(cfg.Forge.Repo),
		forge.WithMaxRetries(cfg.Forge.MaxRetries),
		forge.WithLogger(logger),
	)

	bus := event.NewBus(logger)
	orch := orchestrator.New(cfg, git, gw, afero.NewOsFs(),
		orchestrator.WithLogger(logger),
		orchestrator.WithEvents(bus),
		orchestrator.WithLedger(ledger),
		orchestrator.WithLockDir(dataDir),
	)

	return &env{
		cfg:    cfg,
		root:   root,
		logger: logger,
		git:    git,
		forge:  gw,
		ledger: ledger,
		bus:    bus,
		orch:   orch,
	}, nil
}

// locateRepo loads configuration and resolves the repository root from
// --repo or the working directory.
func locateRepo(cmd *cobra.Command) (*config.Config, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}

	dir, _ := cmd.Flags().GetString("repo")
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return nil, "", fmt.Errorf("failed to get working directory: %w", err)
		}
	}
	root, err := vcs.FindGitRoot(cmd.Context(), dir)
	if err != nil {
		return nil, "", err
	}
	return cfg, root, nil
}

// Close stops background monitors and releases the ledger and log file.
func (e *env) Close() {
	e.orch.Close()
	_ = e.ledger.Close()
	_ = e.logger.Close()
}

// ensureDataDir creates the data directory with a .gitignore that hides it
// from git, so the ledger and logs never show up as changes.
func ensureDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", ignore, err)
		}
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
