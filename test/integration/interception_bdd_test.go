//go:build integration

package integration

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/daemon"
	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/infra"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
	"github.com/eliteGoblin/focusd/app_lock/test/fixtures"
)

const (
	eventually = 2 * time.Second
	poll       = 10 * time.Millisecond
)

var _ = Describe("Interception engine", func() {
	var (
		table    *fixtures.FakeProcessTable
		store    *infra.EncryptedStore
		verifier *infra.SecretVerifier
		engine   *usecase.Engine
		alice    = domain.Credential{Subject: "alice", Secret: "open sesame"}
		wrong    = domain.Credential{Subject: "alice", Secret: "guess"}
	)

	BeforeEach(func() {
		var err error
		store, err = infra.OpenStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		verifier = infra.NewSecretVerifier(store)
		Expect(verifier.SetCredential("alice", "open sesame")).To(Succeed())

		table = fixtures.NewFakeProcessTable()
		table.Spawn(1, 0, "init")
		table.Spawn(100, 1, "notepad.exe")

		config := usecase.DefaultEngineConfig()
		config.TickInterval = 5 * time.Millisecond
		engine = usecase.NewEngine(config, table, table, verifier, zap.NewNop(),
			usecase.WithLaunchNotifier(store),
			usecase.WithAlertRaiser(store),
			usecase.WithAttemptLog(store),
		)
		Expect(engine.AddMonitor("Notepad", "notepad.exe")).To(Succeed())
		Expect(engine.Start()).To(BeTrue())
	})

	AfterEach(func() {
		engine.Stop()
		Expect(store.Close()).To(Succeed())
	})

	held := func(pid int) func() bool {
		return func() bool { return table.IsSuspended(pid) }
	}

	Describe("launch detection", func() {
		Context("when a monitored app is launched", func() {
			It("suspends it once and records one notification", func() {
				table.Spawn(200, 1, "notepad.exe")
				Eventually(held(200), eventually, poll).Should(BeTrue())

				Consistently(func() int { return table.SuspendCalls(200) }, 100*time.Millisecond, poll).Should(Equal(1))

				pending, err := store.PendingNotifications()
				Expect(err).NotTo(HaveOccurred())
				Expect(pending).To(HaveLen(1))
				Expect(pending[0].AppName).To(Equal("Notepad"))
			})
		})

		Context("when the instance was running before monitoring began", func() {
			It("is left alone", func() {
				Consistently(func() int { return table.SuspendCalls(100) }, 100*time.Millisecond, poll).Should(BeZero())
			})
		})

		Context("when an unmonitored app is launched", func() {
			It("is left alone", func() {
				table.Spawn(300, 1, "calc.exe")
				Consistently(held(300), 100*time.Millisecond, poll).Should(BeFalse())
			})
		})

		Context("when the process is already older than the freshness window", func() {
			It("is left alone", func() {
				table.SpawnAt(301, 1, "notepad.exe", time.Now().Add(-10*time.Second))
				Consistently(held(301), 100*time.Millisecond, poll).Should(BeFalse())
			})
		})
	})

	Describe("credential attempts", func() {
		BeforeEach(func() {
			table.Spawn(200, 1, "notepad.exe")
			Eventually(held(200), eventually, poll).Should(BeTrue())
		})

		It("resumes the app with the correct credential", func() {
			outcome := engine.SubmitCredentialAttempt(context.Background(), "notepad", alice)
			Expect(outcome.Kind).To(Equal(domain.OutcomeResumed))
			Expect(table.IsSuspended(200)).To(BeFalse())

			By("letting children of the unlocked app run")
			table.Spawn(201, 200, "notepad.exe")
			Consistently(held(201), 100*time.Millisecond, poll).Should(BeFalse())

			By("still holding unrelated new launches")
			table.Spawn(202, 1, "notepad.exe")
			Eventually(held(202), eventually, poll).Should(BeTrue())
		})

		It("terminates the app and raises one alert after three failures", func() {
			ctx := context.Background()
			Expect(engine.SubmitCredentialAttempt(ctx, "Notepad", wrong).Remaining).To(Equal(2))
			Expect(engine.SubmitCredentialAttempt(ctx, "Notepad", wrong).Remaining).To(Equal(1))
			Expect(engine.SubmitCredentialAttempt(ctx, "Notepad", wrong).Kind).To(Equal(domain.OutcomeLocked))

			Expect(table.Exists(200)).To(BeFalse())
			Expect(table.TerminateCalls(200)).To(Equal(1))

			alerts, err := store.ListAlerts(10)
			Expect(err).NotTo(HaveOccurred())
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].Attempts).To(Equal(3))

			attempts, err := store.ListAttempts(10)
			Expect(err).NotTo(HaveOccurred())
			Expect(attempts).To(HaveLen(3))

			Expect(engine.SubmitCredentialAttempt(ctx, "Notepad", alice).Kind).To(Equal(domain.OutcomeNoMatchingSession))
		})

		It("forgets the session when the held process exits", func() {
			table.Exit(200)
			Eventually(func() int { return len(engine.Sessions()) }, eventually, poll).Should(BeZero())
			Expect(engine.SubmitCredentialAttempt(context.Background(), "Notepad", alice).Kind).
				To(Equal(domain.OutcomeNoMatchingSession))
		})
	})
})

var _ = Describe("Watcher", func() {
	It("applies monitors added to the store while running", func() {
		store, err := infra.OpenStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		table := fixtures.NewFakeProcessTable()
		table.Spawn(1, 0, "init")
		table.Spawn(100, 1, "chrome.exe")

		config := usecase.DefaultEngineConfig()
		config.TickInterval = 5 * time.Millisecond
		engine := usecase.NewEngine(config, table, table, infra.NewSecretVerifier(store), zap.NewNop())
		monitors := usecase.NewMonitorService(store, table, zap.NewNop())
		watcher := daemon.NewWatcher(
			daemon.WatcherConfig{MonitorSyncInterval: 10 * time.Millisecond, HeartbeatInterval: time.Hour},
			engine, monitors, store, domain.DaemonState{PID: 4242, AppVersion: "test"}, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- watcher.Run(ctx) }()

		Eventually(engine.Running, eventually, poll).Should(BeTrue())
		state, err := store.Get()
		Expect(err).NotTo(HaveOccurred())
		Expect(state.PID).To(Equal(4242))

		By("adding a monitor from another process")
		_, err = monitors.Add("Chrome", "chrome.exe")
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() int { return len(engine.ListMonitors()) }, eventually, poll).Should(Equal(1))

		table.Spawn(200, 1, "chrome.exe")
		Eventually(func() bool { return table.IsSuspended(200) }, eventually, poll).Should(BeTrue())
		Expect(table.IsSuspended(100)).To(BeFalse())

		By("shutting down")
		cancel()
		Eventually(done, eventually).Should(Receive(MatchError(context.Canceled)))
		Expect(engine.Running()).To(BeFalse())

		state, err = store.Get()
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(BeNil())
	})

	It("serves unlock requests and picks up acknowledgements without a console", func() {
		store, err := infra.OpenStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		verifier := infra.NewSecretVerifier(store)
		Expect(verifier.SetCredential("alice", "open sesame")).To(Succeed())
		Expect(store.SaveMonitor(domain.MonitoredApp{DisplayName: "Notepad", ExecutableName: "notepad.exe"})).To(Succeed())

		table := fixtures.NewFakeProcessTable()
		table.Spawn(1, 0, "init")

		config := usecase.DefaultEngineConfig()
		config.TickInterval = 5 * time.Millisecond
		engine := usecase.NewEngine(config, table, table, verifier, zap.NewNop(),
			usecase.WithLaunchNotifier(store))
		unlockConfig := usecase.DefaultUnlockConfig()
		unlockConfig.PollInterval = 5 * time.Millisecond
		unlocks := usecase.NewUnlockService(unlockConfig, store, zap.NewNop())
		watcher := daemon.NewWatcher(
			daemon.WatcherConfig{
				MonitorSyncInterval: 10 * time.Millisecond,
				HeartbeatInterval:   time.Hour,
				UnlockPollInterval:  5 * time.Millisecond,
			},
			engine, usecase.NewMonitorService(store, table, zap.NewNop()), store,
			domain.DaemonState{PID: 4243}, zap.NewNop(),
			daemon.WithUnlockRequests(unlocks),
			daemon.WithNotificationSync(usecase.NewNotificationService(store, zap.NewNop())),
		)

		ctx, cancel := context.WithCancel(context.Background())
		DeferCleanup(cancel)
		done := make(chan error, 1)
		go func() { done <- watcher.Run(ctx) }()
		Eventually(func() int { return len(engine.ListMonitors()) }, eventually, poll).Should(Equal(1))

		table.Spawn(200, 1, "notepad.exe")
		Eventually(func() bool { return table.IsSuspended(200) }, eventually, poll).Should(BeTrue())

		By("acknowledging the notification from another shell")
		Eventually(func() ([]domain.LaunchNotification, error) { return store.PendingNotifications() },
			eventually, poll).Should(HaveLen(1))
		_, err = store.AcknowledgeNotifications("notepad")
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() bool { return engine.Status().PendingNotification }, eventually, poll).Should(BeFalse())

		table.Spawn(201, 1, "notepad.exe")
		Eventually(func() ([]domain.LaunchNotification, error) { return store.PendingNotifications() },
			eventually, poll).Should(HaveLen(1), "the next launch is notified again")

		By("unlocking through the store")
		id, err := unlocks.Request("Notepad", domain.Credential{Subject: "alice", Secret: "open sesame"})
		Expect(err).NotTo(HaveOccurred())
		awaitCtx, awaitCancel := context.WithTimeout(ctx, eventually)
		defer awaitCancel()
		outcome, err := unlocks.Await(awaitCtx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Kind).To(Equal(domain.OutcomeResumed))
		Expect(outcome.PID).To(Equal(200))
		Expect(table.IsSuspended(200)).To(BeFalse())
		Expect(table.IsSuspended(201)).To(BeTrue())

		cancel()
		Eventually(done, eventually).Should(Receive(MatchError(context.Canceled)))
	})
})
