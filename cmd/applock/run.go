package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/eliteGoblin/focusd/app_lock/internal/daemon"
	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/infra"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start protection in the foreground",
	Long: `Starts the interception engine. New launches of monitored applications
are suspended until the credential is entered, either in the console with
'unlock <app>' or from another shell with 'applock unlock <app>'. Use
--headless when running under a service manager; launches are then
recorded and can be listed with 'applock notifications'.

Held applications stay suspended if applock exits.`,
	RunE: runRun,
}

var runHeadless bool

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run without the interactive console")
	runCmd.Flags().Int("max-attempts", 0, "Failed attempts before an app is terminated")
	runCmd.Flags().Duration("tick-interval", 0, "How often the process table is scanned")
	runCmd.Flags().Duration("freshness-window", 0, "Max process age that is still intercepted")
	runCmd.Flags().String("subject", "", "Credential subject used by the console")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, map[string]string{
		"engine.max_attempts":     "max-attempts",
		"engine.tick_interval":    "tick-interval",
		"engine.freshness_window": "freshness-window",
		"auth.subject":            "subject",
	}); err != nil {
		return err
	}
	cfg, logger, store, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
		_ = store.Close()
	}()

	table := infra.NewProcessTable(logger)
	if err := ensureSingleInstance(store, table); err != nil {
		return err
	}

	verifier := infra.NewSecretVerifier(store)
	if !verifier.HasCredential(cfg.Auth.Subject) {
		fmt.Printf("Warning: no credential set for %q. Run 'applock credential set' first.\n", cfg.Auth.Subject)
		logger.Warn("no credential configured", zap.String("subject", cfg.Auth.Subject))
	}

	out := daemon.NewOutput(os.Stdout)
	logSink := infra.NewLogSink(logger)
	notifier := infra.FanOutNotifier{store, logSink}
	alerter := infra.FanOutAlerter{store, logSink}
	if !runHeadless {
		console := daemon.NewConsoleNotifier(out)
		notifier = append(notifier, console)
		alerter = append(alerter, console)
	}

	engine := usecase.NewEngine(
		cfg.ToEngineConfig(),
		table,
		infra.NewProcessController(),
		verifier,
		logger,
		usecase.WithLaunchNotifier(notifier),
		usecase.WithAlertRaiser(alerter),
		usecase.WithAlertEnricher(infra.NewHostEnricher(logger)),
		usecase.WithAttemptLog(store),
	)
	monitors := usecase.NewMonitorService(store, table, logger)

	watcher := daemon.NewWatcher(
		cfg.ToWatcherConfig(),
		engine,
		monitors,
		store,
		domain.DaemonState{
			PID:        os.Getpid(),
			StartedAt:  time.Now(),
			AppVersion: Version,
		},
		logger,
		daemon.WithUnlockRequests(usecase.NewUnlockService(cfg.ToUnlockConfig(), store, logger)),
		daemon.WithNotificationSync(usecase.NewNotificationService(store, logger)),
	)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	watcherErr := make(chan error, 1)
	go func() { watcherErr <- watcher.Run(ctx) }()

	if !runHeadless {
		console := daemon.NewConsole(
			daemon.ConsoleConfig{Subject: cfg.Auth.Subject, ReadSecret: terminalSecretReader()},
			engine,
			monitors,
			store,
			os.Stdin,
			out,
			logger,
		)
		if err := console.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("console stopped", zap.Error(err))
		}
		cancel()
	}

	if err := <-watcherErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if held := len(engine.Sessions()); held > 0 {
		fmt.Printf("%d application instance(s) remain suspended.\n", held)
	}
	return nil
}

// ensureSingleInstance fails if another live applock daemon is registered.
func ensureSingleInstance(registry domain.DaemonRegistry, table domain.ProcessTable) error {
	state, err := registry.Get()
	if err != nil {
		return fmt.Errorf("failed to read daemon state: %w", err)
	}
	if state != nil && state.PID != os.Getpid() && table.Exists(state.PID) {
		return fmt.Errorf("applock is already running (pid %d)", state.PID)
	}
	return nil
}

// terminalSecretReader reads secrets without echo when stdin is a terminal.
func terminalSecretReader() daemon.SecretReader {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func() (string, error) {
		b, err := term.ReadPassword(fd)
		return string(b), err
	}
}
