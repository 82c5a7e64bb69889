package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/policy"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
)

// ConsoleEngine is the part of usecase.Engine the console talks to.
type ConsoleEngine interface {
	usecase.MonitorRegistrar
	SubmitCredentialAttempt(ctx context.Context, appName string, cred domain.Credential) domain.Outcome
	AcknowledgeNotification(appName string) bool
	Status() domain.Status
}

// MonitorManager edits the persisted monitor list.
type MonitorManager interface {
	MonitorSyncer
	Add(displayName, executableName string) (domain.MonitoredApp, error)
	Remove(displayName string) error
	Candidates() []policy.Candidate
}

// Output serializes writes from the console and from engine callbacks.
type Output struct {
	mu sync.Mutex
	w  io.Writer
}

// NewOutput wraps w.
func NewOutput(w io.Writer) *Output {
	return &Output{w: w}
}

// Printf writes a formatted message.
func (o *Output) Printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}

// ConsoleNotifier prints launch prompts and security alerts to the console.
type ConsoleNotifier struct {
	out *Output
}

// NewConsoleNotifier creates a ConsoleNotifier.
func NewConsoleNotifier(out *Output) *ConsoleNotifier {
	return &ConsoleNotifier{out: out}
}

// NotifyLaunchDetected implements domain.LaunchNotifier.
func (n *ConsoleNotifier) NotifyLaunchDetected(_ context.Context, appName, _ string) error {
	n.out.Printf("\n[applock] %s is locked. Type 'unlock %s' to continue.\n", appName, appName)
	return nil
}

// RaiseSecurityAlert implements domain.AlertRaiser.
func (n *ConsoleNotifier) RaiseSecurityAlert(_ context.Context, alert domain.SecurityAlert) error {
	n.out.Printf("\n[applock] %s\n%s\n", alert.Title(), alert.Message())
	return nil
}

var (
	_ domain.LaunchNotifier = (*ConsoleNotifier)(nil)
	_ domain.AlertRaiser    = (*ConsoleNotifier)(nil)
)

// SecretReader reads a secret without echo. Returning an error aborts the attempt.
type SecretReader func() (string, error)

// ConsoleConfig holds console settings.
type ConsoleConfig struct {
	Subject    string       // Credential subject for unlock
	ReadSecret SecretReader // nil reads the secret as the next input line
}

// Console reads commands from the user while the watcher runs.
type Console struct {
	config        ConsoleConfig
	engine        ConsoleEngine
	monitors      MonitorManager
	notifications domain.NotificationStore
	in            io.Reader
	out           *Output
	logger        *zap.Logger

	requests chan struct{}
	lines    chan lineResult
}

type lineResult struct {
	text string
	err  error
}

// NewConsole creates a Console. notifications may be nil.
func NewConsole(
	config ConsoleConfig,
	engine ConsoleEngine,
	monitors MonitorManager,
	notifications domain.NotificationStore,
	in io.Reader,
	out *Output,
	logger *zap.Logger,
) *Console {
	return &Console{
		config:        config,
		engine:        engine,
		monitors:      monitors,
		notifications: notifications,
		in:            in,
		out:           out,
		logger:        logger,
	}
}

// Run processes commands until quit, end of input or ctx cancellation.
func (c *Console) Run(ctx context.Context) error {
	c.startReader()
	defer close(c.requests)

	c.out.Printf("applock console. Type 'help' for commands.\n")
	for {
		c.out.Printf("> ")
		line, err := c.readLine(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := c.Execute(ctx, line)
		if err != nil {
			c.out.Printf("error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// startReader reads lines only on request, so a SecretReader can use the
// same terminal between commands.
func (c *Console) startReader() {
	c.requests = make(chan struct{})
	c.lines = make(chan lineResult, 1)
	scanner := bufio.NewScanner(c.in)

	go func() {
		for range c.requests {
			if scanner.Scan() {
				c.lines <- lineResult{text: scanner.Text()}
				continue
			}
			err := scanner.Err()
			if err == nil {
				err = io.EOF
			}
			c.lines <- lineResult{err: err}
			return
		}
	}()
}

func (c *Console) readLine(ctx context.Context) (string, error) {
	select {
	case c.requests <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-c.lines:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Execute runs one command line. It reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	rest := strings.Join(args, " ")

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "quit", "exit":
		return true, nil
	case "status":
		c.printStatus()
	case "list":
		c.printMonitors()
	case "apps":
		c.printCandidates()
	case "unlock":
		if rest == "" {
			return false, errors.New("usage: unlock <app>")
		}
		return false, c.unlock(ctx, rest)
	case "add":
		if len(args) == 0 {
			return false, errors.New("usage: add <executable> [display name]")
		}
		display := strings.Join(args[1:], " ")
		if display == "" {
			display = args[0]
		}
		return false, c.add(display, args[0])
	case "remove", "rm":
		if rest == "" {
			return false, errors.New("usage: remove <app>")
		}
		return false, c.remove(rest)
	case "ack":
		return false, c.ack(rest)
	default:
		return false, fmt.Errorf("unknown command %q (type 'help')", cmd)
	}
	return false, nil
}

func (c *Console) unlock(ctx context.Context, app string) error {
	c.out.Printf("Credential for %s: ", c.config.Subject)
	secret, err := c.readSecret(ctx)
	c.out.Printf("\n")
	if err != nil {
		return fmt.Errorf("failed to read credential: %w", err)
	}

	outcome := c.engine.SubmitCredentialAttempt(ctx, app, domain.Credential{
		Subject: c.config.Subject,
		Secret:  secret,
	})
	c.out.Printf("%s\n", DescribeOutcome(app, outcome))
	return nil
}

func (c *Console) readSecret(ctx context.Context) (string, error) {
	if c.config.ReadSecret != nil {
		return c.config.ReadSecret()
	}
	return c.readLine(ctx)
}

func (c *Console) add(display, exe string) error {
	app, err := c.monitors.Add(display, exe)
	if err != nil {
		return err
	}
	if _, err := c.monitors.Sync(c.engine); err != nil {
		return err
	}
	c.out.Printf("Monitoring %s (%s)\n", app.DisplayName, app.ExecutableName)
	return nil
}

func (c *Console) remove(display string) error {
	if err := c.monitors.Remove(display); err != nil {
		return err
	}
	if _, err := c.monitors.Sync(c.engine); err != nil {
		return err
	}
	c.out.Printf("Stopped monitoring %s\n", display)
	return nil
}

// ack clears the launch notification of one app, or of all apps.
func (c *Console) ack(app string) error {
	cleared := 0
	if app == "" {
		for _, name := range c.engine.Status().PendingApps {
			if c.engine.AcknowledgeNotification(name) {
				cleared++
			}
		}
	} else if c.engine.AcknowledgeNotification(app) {
		cleared++
	}

	if c.notifications != nil {
		if _, err := c.notifications.AcknowledgeNotifications(app); err != nil {
			return fmt.Errorf("failed to acknowledge stored notifications: %w", err)
		}
	}
	c.out.Printf("Acknowledged %d notification(s)\n", cleared)
	return nil
}

func (c *Console) printHelp() {
	c.out.Printf(`Commands:
  unlock <app>                 enter the credential for a locked app
  status                       show monitoring state and locked apps
  list                         list monitored apps
  apps                         list running apps that can be monitored
  add <executable> [name]      monitor an app (must be running)
  remove <app>                 stop monitoring an app
  ack [app]                    dismiss launch notifications
  quit                         stop applock
`)
}

func (c *Console) printStatus() {
	st := c.engine.Status()
	state := "stopped"
	if st.Running {
		state = "running"
	}
	c.out.Printf("Monitoring: %s (%d app(s))\n", state, len(st.Monitors))
	if st.PendingNotification {
		c.out.Printf("Waiting for login: %s\n", strings.Join(st.PendingApps, ", "))
	}
	for _, s := range st.Sessions {
		c.out.Printf("  locked  %-20s pid=%-7d attempts=%d since=%s\n",
			s.AppName, s.PID, s.Attempts, s.SuspendedAt.Format("15:04:05"))
	}
}

func (c *Console) printMonitors() {
	apps := c.engine.ListMonitors()
	if len(apps) == 0 {
		c.out.Printf("No monitored apps\n")
		return
	}
	for _, app := range apps {
		c.out.Printf("  %-20s %s\n", app.DisplayName, app.ExecutableName)
	}
}

func (c *Console) printCandidates() {
	for _, cand := range c.monitors.Candidates() {
		marker := " "
		if cand.Running {
			marker = "*"
		}
		c.out.Printf("%s %-24s %s\n", marker, cand.DisplayName, cand.ExecutableName)
	}
}

// DescribeOutcome renders an attempt outcome for the user.
func DescribeOutcome(app string, o domain.Outcome) string {
	switch o.Kind {
	case domain.OutcomeResumed:
		return fmt.Sprintf("%s unlocked (pid %d).", app, o.PID)
	case domain.OutcomeAttemptsRemaining:
		return fmt.Sprintf("Incorrect credential. %d attempt(s) remaining.", o.Remaining)
	case domain.OutcomeLocked:
		return fmt.Sprintf("Maximum attempts exceeded. %s was terminated.", app)
	case domain.OutcomeVerifierUnavailable:
		return fmt.Sprintf("Credential check unavailable (%v). The attempt was not counted.", o.Err)
	case domain.OutcomeFailed:
		return fmt.Sprintf("%s could not be resumed and was terminated: %v", app, o.Err)
	default:
		return fmt.Sprintf("No locked instance of %s.", app)
	}
}
