// Package main is the CLI entry point for applock.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/app_lock/internal/config"
	"github.com/eliteGoblin/focusd/app_lock/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "applock",
	Short: "Application lock - holds chosen apps until you log in",
	Long: `applock watches for launches of the applications you choose,
freezes each new instance the moment it appears and releases it only
after the correct credential is entered. Too many wrong attempts
terminate the application and raise a security alert.

Run 'applock credential set' once, add apps with 'applock monitor add',
then start protection with 'applock run'.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	v          = config.New()
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for the encrypted store and logs")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	_ = v.BindPFlag("storage.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(attemptsCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(credentialCmd)
}

// loadConfig merges defaults, config.yaml in the data dir, APPLOCK_* env and flags.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	dataDir := v.GetString("storage.data_dir")
	if dataDir == "" {
		dataDir = infra.DetectExecMode().DataDir
		v.Set("storage.data_dir", dataDir)
	}
	if err := config.ReadFile(v, dataDir); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// bindFlags binds a command's own flags to config keys. Several commands
// share a key, so binding happens when the command runs.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return nil
}

// setup loads configuration, the logger and the encrypted store.
func setup() (*config.Config, *zap.Logger, *infra.EncryptedStore, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := createLogger(cfg)

	store, err := infra.OpenStore(cfg.Storage.DataDir)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, fmt.Errorf("failed to open store in %s: %w", cfg.Storage.DataDir, err)
	}
	return cfg, logger, store, nil
}

func createLogger(cfg *config.Config) *zap.Logger {
	zc := zap.NewProductionConfig()
	if level, err := zap.ParseAtomicLevel(strings.ToLower(cfg.Logging.Level)); err == nil {
		zc.Level = level
	}
	if cfg.Logging.File {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err == nil {
			zc.OutputPaths = []string{filepath.Join(cfg.Storage.DataDir, "applock.log")}
			zc.ErrorOutputPaths = []string{filepath.Join(cfg.Storage.DataDir, "applock.error.log")}
		}
	}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("applock %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

func printJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
