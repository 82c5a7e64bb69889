package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/eliteGoblin/focusd/app_lock/internal/daemon"
	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/infra"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Manage monitored applications",
}

var monitorAddCmd = &cobra.Command{
	Use:   "add <executable> [display name]",
	Short: "Monitor an application (it must be running)",
	Long: `Adds an application to the monitored list. The executable must be
running right now; instances already running are left alone and only
later launches are held. A running 'applock run' picks the change up
within a few seconds.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMonitorAdd,
}

var monitorRemoveCmd = &cobra.Command{
	Use:     "remove <display name>",
	Aliases: []string{"rm"},
	Short:   "Stop monitoring an application",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runMonitorRemove,
}

var monitorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored applications",
	RunE:  runMonitorList,
}

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List running applications that can be monitored",
	Long:  `Lists running user applications (system helpers filtered out) followed by common applications that are not running.`,
	RunE:  runApps,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check protection status",
	Long:  `Shows whether 'applock run' is active, the monitored apps and pending login prompts.`,
	RunE:  runStatus,
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications [app]",
	Short: "List pending launch notifications",
	Long:  `Lists apps that were held and are waiting for login. Use --ack to mark them handled.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runNotifications,
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List security alerts",
	RunE:  runAlerts,
}

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "List recent credential attempts",
	RunE:  runAttempts,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <app>",
	Short: "Enter the credential for a held application",
	Long: `Sends the credential to the running 'applock run', which checks it
against the earliest held instance of the app. This is how held apps are
unlocked when 'applock run' has no console (--headless).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUnlock,
}

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the unlock credential",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the credential that unlocks held applications",
	RunE:  runCredentialSet,
}

var (
	ackNotifications bool
	listLimit        int
	unlockTimeout    time.Duration
)

func init() {
	monitorCmd.AddCommand(monitorAddCmd)
	monitorCmd.AddCommand(monitorRemoveCmd)
	monitorCmd.AddCommand(monitorListCmd)
	credentialCmd.AddCommand(credentialSetCmd)

	for _, c := range []*cobra.Command{monitorListCmd, appsCmd, statusCmd, notificationsCmd, alertsCmd, attemptsCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	}
	notificationsCmd.Flags().BoolVar(&ackNotifications, "ack", false, "Mark the listed notifications handled")
	alertsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum entries to show")
	attemptsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum entries to show")

	credentialSetCmd.Flags().String("subject", "", "Credential subject (defaults to the current user)")
	unlockCmd.Flags().String("subject", "", "Credential subject (defaults to the current user)")
	unlockCmd.Flags().DurationVar(&unlockTimeout, "timeout", 10*time.Second, "How long to wait for applock to answer")
}

// withMonitors runs fn with a MonitorService over the encrypted store.
func withMonitors(fn func(*usecase.MonitorService) error) error {
	_, logger, store, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
		_ = store.Close()
	}()
	return fn(usecase.NewMonitorService(store, infra.NewProcessTable(logger), logger))
}

// withStore runs fn with the encrypted store.
func withStore(fn func(*infra.EncryptedStore) error) error {
	_, logger, store, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
		_ = store.Close()
	}()
	return fn(store)
}

func runMonitorAdd(cmd *cobra.Command, args []string) error {
	exe := args[0]
	display := strings.Join(args[1:], " ")
	if display == "" {
		display = exe
	}
	return withMonitors(func(svc *usecase.MonitorService) error {
		app, err := svc.Add(display, exe)
		if errors.Is(err, domain.ErrExecutableNotRunning) {
			return fmt.Errorf("%w; start the app first or pick one from 'applock apps'", err)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Monitoring %s (%s)\n", app.DisplayName, app.ExecutableName)
		return nil
	})
}

func runMonitorRemove(cmd *cobra.Command, args []string) error {
	display := strings.Join(args, " ")
	return withMonitors(func(svc *usecase.MonitorService) error {
		if err := svc.Remove(display); err != nil {
			return err
		}
		fmt.Printf("Stopped monitoring %s\n", display)
		return nil
	})
}

func runMonitorList(cmd *cobra.Command, args []string) error {
	return withMonitors(func(svc *usecase.MonitorService) error {
		apps, err := svc.List()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(apps)
		}
		if len(apps) == 0 {
			fmt.Println("No monitored applications. Add one with 'applock monitor add'.")
			return nil
		}
		fmt.Println("\n=== Monitored Applications ===")
		for _, app := range apps {
			fmt.Printf("  %-24s %s\n", app.DisplayName, app.ExecutableName)
		}
		return nil
	})
}

func runApps(cmd *cobra.Command, args []string) error {
	return withMonitors(func(svc *usecase.MonitorService) error {
		candidates := svc.Candidates()
		if jsonOutput {
			return printJSON(candidates)
		}
		fmt.Println("\n=== Applications (* = running) ===")
		for _, c := range candidates {
			marker := " "
			if c.Running {
				marker = "*"
			}
			fmt.Printf("%s %-28s %s\n", marker, c.DisplayName, c.ExecutableName)
		}
		return nil
	})
}

// statusReport is the --json form of `applock status`.
type statusReport struct {
	Running             bool                        `json:"is_monitoring"`
	Daemon              *domain.DaemonState         `json:"daemon,omitempty"`
	Monitors            []domain.MonitoredApp       `json:"monitored_apps"`
	PendingNotification bool                        `json:"has_pending_notification"`
	Pending             []domain.LaunchNotification `json:"pending_notifications,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStore(func(store *infra.EncryptedStore) error {
		report := statusReport{}

		state, err := store.Get()
		if err != nil {
			return fmt.Errorf("failed to read daemon state: %w", err)
		}
		if state != nil && infra.NewProcessTable(nil).Exists(state.PID) {
			report.Running = true
			report.Daemon = state
		}
		if report.Monitors, err = store.ListMonitors(); err != nil {
			return err
		}
		if report.Pending, err = store.PendingNotifications(); err != nil {
			return err
		}
		report.PendingNotification = len(report.Pending) > 0

		if jsonOutput {
			return printJSON(report)
		}

		fmt.Println("\n=== applock Status ===")
		if report.Running {
			fmt.Printf("Status: RUNNING (pid %d, version %s)\n", state.PID, state.AppVersion)
			fmt.Printf("Execution mode: %s\n", state.Mode)
			fmt.Printf("Last heartbeat: %s ago\n", time.Since(state.LastHeartbeat).Round(time.Second))
		} else {
			fmt.Println("Status: NOT RUNNING")
			fmt.Println("\nRun 'applock run' to enable protection.")
		}

		fmt.Println("\nMonitored applications:")
		if len(report.Monitors) == 0 {
			fmt.Println("  (none)")
		}
		for _, app := range report.Monitors {
			fmt.Printf("  - %s (%s)\n", app.DisplayName, app.ExecutableName)
		}

		if report.PendingNotification {
			fmt.Println("\nWaiting for login:")
			for _, n := range report.Pending {
				fmt.Printf("  - %s (since %s)\n", n.AppName, n.CreatedAt.Format(time.DateTime))
			}
		}
		fmt.Println("======================")
		return nil
	})
}

func runNotifications(cmd *cobra.Command, args []string) error {
	app := ""
	if len(args) == 1 {
		app = args[0]
	}
	return withStore(func(store *infra.EncryptedStore) error {
		pending, err := store.PendingNotifications()
		if err != nil {
			return err
		}
		var shown []domain.LaunchNotification
		for _, n := range pending {
			if app == "" || strings.EqualFold(n.AppName, app) {
				shown = append(shown, n)
			}
		}

		if ackNotifications {
			n, err := store.AcknowledgeNotifications(app)
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("Acknowledged %d notification(s)\n", n)
				return nil
			}
		}
		if jsonOutput {
			return printJSON(shown)
		}
		if len(shown) == 0 {
			fmt.Println("No pending notifications.")
			return nil
		}
		for _, n := range shown {
			fmt.Printf("  %-24s %-20s %s\n", n.AppName, n.ExecutableName, n.CreatedAt.Format(time.DateTime))
		}
		return nil
	})
}

func runAlerts(cmd *cobra.Command, args []string) error {
	return withStore(func(store *infra.EncryptedStore) error {
		alerts, err := store.ListAlerts(listLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(alerts)
		}
		if len(alerts) == 0 {
			fmt.Println("No security alerts.")
			return nil
		}
		for _, a := range alerts {
			fmt.Printf("[%s] %s\n  %s\n  subject=%s host=%s platform=%s pid=%d\n",
				a.RaisedAt.Format(time.DateTime), a.Title(), a.Message(),
				a.Subject, a.Hostname, a.Platform, a.PID)
		}
		return nil
	})
}

func runAttempts(cmd *cobra.Command, args []string) error {
	return withStore(func(store *infra.EncryptedStore) error {
		attempts, err := store.ListAttempts(listLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(attempts)
		}
		if len(attempts) == 0 {
			fmt.Println("No credential attempts recorded.")
			return nil
		}
		for _, a := range attempts {
			result := "FAIL"
			if a.Success() {
				result = "OK"
			}
			fmt.Printf("%s  %-4s %-20s subject=%s pid=%d outcome=%s\n",
				a.At.Format(time.DateTime), result, a.AppName, a.Subject, a.PID, a.Outcome)
		}
		return nil
	})
}

func runUnlock(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, map[string]string{"auth.subject": "subject"}); err != nil {
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

	state, err := store.Get()
	if err != nil {
		return fmt.Errorf("failed to read daemon state: %w", err)
	}
	if state == nil || !infra.NewProcessTable(logger).Exists(state.PID) {
		return errors.New("applock is not running; start it with 'applock run'")
	}

	app := strings.Join(args, " ")
	secret, err := promptSecret(bufio.NewReader(os.Stdin), fmt.Sprintf("Credential for %s: ", cfg.Auth.Subject))
	if err != nil {
		return err
	}

	svc := usecase.NewUnlockService(cfg.ToUnlockConfig(), store, logger)
	id, err := svc.Request(app, domain.Credential{Subject: cfg.Auth.Subject, Secret: secret})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	outcome, err := svc.Await(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no answer from applock within %s", unlockTimeout)
	}
	if err != nil {
		return err
	}
	fmt.Println(daemon.DescribeOutcome(app, outcome))
	return nil
}

func runCredentialSet(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, map[string]string{"auth.subject": "subject"}); err != nil {
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

	reader := bufio.NewReader(os.Stdin)
	secret, err := promptSecret(reader, fmt.Sprintf("New credential for %s: ", cfg.Auth.Subject))
	if err != nil {
		return err
	}
	confirm, err := promptSecret(reader, "Confirm credential: ")
	if err != nil {
		return err
	}
	if secret != confirm {
		return errors.New("credentials do not match")
	}

	if err := infra.NewSecretVerifier(store).SetCredential(cfg.Auth.Subject, secret); err != nil {
		return err
	}
	fmt.Printf("Credential set for %s\n", cfg.Auth.Subject)
	return nil
}

func promptSecret(reader *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		return string(b), err
	}
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
