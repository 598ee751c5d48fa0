package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	authdto "replywatch-backend/internal/auth/dto"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/internal/notification"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/health"
	"replywatch-backend/internal/reply/usecase"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Config holds the tier timings.
type Config struct {
	PollInterval           time.Duration
	PushRestoreInterval    time.Duration
	WatchRenewAfter        time.Duration
	DeltaSweepInterval     time.Duration
	SweepConcurrency       int
	HealthCheckInterval    time.Duration
	StaleSyncThreshold     time.Duration
	CredentialRefreshEvery time.Duration
	NightlySchedule        string
	HourlySchedule         string
	Location               *time.Location
	AuditRetention         time.Duration
}

// Users lists the mailbox owners the tiers work on.
type Users interface {
	ListActiveUsers() ([]*authdomain.User, error)
}

// Watcher registers provider push notifications.
type Watcher interface {
	SupportsPush(kind mailboxdomain.ProviderType) bool
	Watch(ctx context.Context, userID string) error
}

// CredentialRefresher renews tokens that are about to expire.
type CredentialRefresher interface {
	RefreshExpiring(ctx context.Context) (authdto.RefreshReport, error)
}

// HealthChecker checks a mailbox, with caching.
type HealthChecker interface {
	CheckHealth(ctx context.Context, userID string, provider mailboxdomain.ProviderType) health.Status
	Invalidate(userID string, provider mailboxdomain.ProviderType)
}

// Alerter sends rate-limited user alerts.
type Alerter interface {
	Raise(ctx context.Context, userID string, alert notification.AlertType, message string) (bool, error)
}

// Sweeper drops expired cache entries.
type Sweeper interface {
	Sweep() int
}

// Deps are the services the tiers drive. Watcher, Credentials and Alerts may be nil.
type Deps struct {
	Users       Users
	Sync        usecase.SyncUsecase
	Reconcile   usecase.ReconciliationUsecase
	Detection   usecase.DetectionUsecase
	Modes       *ModeTable
	Watcher     Watcher
	Credentials CredentialRefresher
	Health      HealthChecker
	Alerts      Alerter
	// Caches are swept on every health check.
	Caches      []Sweeper
}

// Scheduler runs the three tiers plus the health and credential loops. It decides when work
// happens; the usecases decide what it does.
type Scheduler struct {
	Deps
	cfg  Config
	cron *cron.Cron
	now  func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func New(deps Deps, cfg Config) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.WatchRenewAfter <= 0 {
		cfg.WatchRenewAfter = 24 * time.Hour
	}
	s := &Scheduler{
		Deps:     deps,
		cfg:      cfg,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	cronLog := cron.PrintfLogger(logrus.StandardLogger())
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if cfg.NightlySchedule != "" {
		if _, err := s.cron.AddFunc(cfg.NightlySchedule, func() { s.RunNightly(context.Background()) }); err != nil {
			return nil, fmt.Errorf("nightly schedule %q: %w", cfg.NightlySchedule, err)
		}
	}
	if cfg.HourlySchedule != "" {
		if _, err := s.cron.AddFunc(cfg.HourlySchedule, func() { s.RunHourly(context.Background()) }); err != nil {
			return nil, fmt.Errorf("hourly schedule %q: %w", cfg.HourlySchedule, err)
		}
	}
	return s, nil
}

// Start launches every loop. Each ticker loop runs once immediately.
func (s *Scheduler) Start() {
	logrus.WithFields(logrus.Fields{
		"poll":     s.cfg.PollInterval,
		"sweep":    s.cfg.DeltaSweepInterval,
		"health":   s.cfg.HealthCheckInterval,
		"nightly":  s.cfg.NightlySchedule,
		"hourly":   s.cfg.HourlySchedule,
		"timezone": s.cfg.Location.String(),
	}).Info("[Scheduler] Starting")

	s.loop("push-restore", s.cfg.PushRestoreInterval, s.RestorePush)
	s.loop("poll", s.cfg.PollInterval, s.PollOnce)
	s.loop("delta-sweep", s.cfg.DeltaSweepInterval, s.SweepOnce)
	s.loop("health", s.cfg.HealthCheckInterval, s.CheckHealthOnce)
	if s.Credentials != nil {
		s.loop("credential-refresh", s.cfg.CredentialRefreshEvery, s.RefreshCredentials)
	}
	s.cron.Start()
}

// Stop ends every loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
		<-s.cron.Stop().Done()
		s.wg.Wait()
		logrus.Info("[Scheduler] Scheduler stopped")
	})
}

func (s *Scheduler) loop(name string, interval time.Duration, run func(ctx context.Context)) {
	if interval <= 0 {
		logrus.WithField("tier", name).Info("[Scheduler] Loop disabled")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Run immediately on start
		s.safeRun(name, run)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.safeRun(name, run)
			case <-s.stopChan:
				return
			}
		}
	}()
}

func (s *Scheduler) safeRun(name string, run func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("tier", name).Errorf("[Scheduler] Tick panicked: %v", r)
		}
	}()
	run(context.Background())
}

// RestorePush (re)registers push for users on push-capable providers whose registration is
// missing, old, or who were moved to polling. Users on poll-only providers are parked on polling.
func (s *Scheduler) RestorePush(ctx context.Context) {
	users, err := s.Users.ListActiveUsers()
	if err != nil {
		logrus.WithError(err).Error("[Scheduler] Push restore: list users")
		return
	}
	for _, u := range users {
		if u.RequiresReauth {
			continue
		}
		if s.Watcher == nil || !s.Watcher.SupportsPush(u.Provider) {
			s.Modes.ForcePoll(u.ID)
			continue
		}
		st := s.Modes.Get(u.ID)
		if st.Mode == ModePush && !st.WatchedAt.IsZero() && s.now().Sub(st.WatchedAt) < s.cfg.WatchRenewAfter {
			continue
		}
		if err := s.Watcher.Watch(ctx, u.ID); err != nil {
			logrus.WithField("userID", u.ID).WithError(err).Warn("[Scheduler] Push registration failed")
			s.Modes.RecordPushFailure(u.ID, err)
			continue
		}
		s.Modes.RecordWatch(u.ID)
	}
}

// PollOnce syncs every user currently on polling.
func (s *Scheduler) PollOnce(ctx context.Context) {
	users, err := s.Users.ListActiveUsers()
	if err != nil {
		logrus.WithError(err).Error("[Scheduler] Poll: list users")
		return
	}
	for _, u := range users {
		if u.RequiresReauth || s.Modes.Get(u.ID).Mode != ModePoll {
			continue
		}
		if _, err := s.Sync.SyncUser(ctx, u.ID); err != nil {
			logrus.WithFields(logrus.Fields{"userID": u.ID, "tier": "poll"}).WithError(err).Warn("[Scheduler] Poll sync failed")
		}
	}
}

func (s *Scheduler) SweepOnce(ctx context.Context) {
	start := s.now()
	report, err := s.Sync.SweepAll(ctx, s.cfg.SweepConcurrency)
	if err != nil {
		logrus.WithField("tier", "sweep").WithError(err).Error("[Scheduler] Delta sweep failed")
		return
	}
	logrus.WithFields(logrus.Fields{
		"tier":      "sweep",
		"users":     report.Users,
		"succeeded": report.Succeeded,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"replies":   report.Replies,
		"took":      s.now().Sub(start).Round(time.Millisecond),
	}).Info("[Scheduler] Delta sweep finished")
}

// CheckHealthOnce raises alerts for invalid credentials, stale sync and failing push.
func (s *Scheduler) CheckHealthOnce(ctx context.Context) {
	s.sweepCaches()

	users, err := s.Users.ListActiveUsers()
	if err != nil {
		logrus.WithError(err).Error("[Scheduler] Health check: list users")
		return
	}
	checkpoints, err := s.Sync.Checkpoints()
	if err != nil {
		logrus.WithError(err).Error("[Scheduler] Health check: list checkpoints")
		return
	}
	byUser := make(map[string]*replydomain.SyncCheckpoint, len(checkpoints))
	for _, cp := range checkpoints {
		byUser[cp.UserID] = cp
	}

	for _, u := range users {
		credentialsBad := u.RequiresReauth
		if !credentialsBad && s.Health != nil {
			credentialsBad = s.Health.CheckHealth(ctx, u.ID, u.Provider).RequiresReauth
		}
		if credentialsBad {
			s.alert(ctx, u.ID, notification.AlertCredentialsInvalid,
				fmt.Sprintf("We can no longer read %s. Sign in again to keep tracking replies.", u.Email))
		}

		if cp := byUser[u.ID]; cp != nil && s.cfg.StaleSyncThreshold > 0 {
			last := cp.CreatedAt
			if cp.LastSyncedAt != nil {
				last = *cp.LastSyncedAt
			}
			if age := s.now().Sub(last); age > s.cfg.StaleSyncThreshold {
				s.alert(ctx, u.ID, notification.AlertSyncStale,
					fmt.Sprintf("Replies have not been checked for %s.", age.Round(time.Minute)))
			}
		}

		if st := s.Modes.Get(u.ID); st.ConsecutiveFailures >= s.Modes.Threshold() {
			s.alert(ctx, u.ID, notification.AlertPushFailing,
				fmt.Sprintf("Live updates failed %d times in a row; checking every few minutes instead.", st.ConsecutiveFailures))
		}
	}
}

func (s *Scheduler) sweepCaches() {
	removed := 0
	for _, c := range s.Caches {
		removed += c.Sweep()
	}
	if removed > 0 {
		logrus.WithField("removed", removed).Debug("[Scheduler] Swept expired cache entries")
	}
}

func (s *Scheduler) alert(ctx context.Context, userID string, alert notification.AlertType, msg string) {
	if s.Alerts == nil {
		return
	}
	if _, err := s.Alerts.Raise(ctx, userID, alert, msg); err != nil {
		logrus.WithFields(logrus.Fields{"userID": userID, "alert": alert}).WithError(err).Warn("[Scheduler] Alert delivery failed")
	}
}

// RefreshCredentials renews expiring tokens and drops cached health so refreshed users are
// checked again.
func (s *Scheduler) RefreshCredentials(ctx context.Context) {
	report, err := s.Credentials.RefreshExpiring(ctx)
	if err != nil {
		logrus.WithError(err).Error("[Scheduler] Credential refresh failed")
		return
	}
	if report.Refreshed == 0 || s.Health == nil {
		return
	}
	users, err := s.Users.ListActiveUsers()
	if err != nil {
		return
	}
	for _, u := range users {
		s.Health.Invalidate(u.ID, u.Provider)
	}
}

func (s *Scheduler) RunNightly(ctx context.Context) {
	s.reconcile(ctx, replydomain.ModeNightly)
	if s.cfg.AuditRetention <= 0 || s.Detection == nil {
		return
	}
	n, err := s.Detection.PruneAudit(s.now().Add(-s.cfg.AuditRetention))
	if err != nil {
		logrus.WithError(err).Error("[Scheduler] Audit pruning failed")
		return
	}
	if n > 0 {
		logrus.Infof("[Scheduler] Pruned %d audit row(s)", n)
	}
}

func (s *Scheduler) RunHourly(ctx context.Context) {
	s.reconcile(ctx, replydomain.ModeHourly)
}

func (s *Scheduler) reconcile(ctx context.Context, mode replydomain.ReconciliationMode) {
	run, err := s.Reconcile.Run(ctx, mode)
	switch {
	case errors.Is(err, usecase.ErrRunInProgress):
		logrus.WithField("tier", mode).Info("[Scheduler] Reconciliation already running, skipping")
	case err != nil:
		logrus.WithField("tier", mode).WithError(err).Error("[Scheduler] Reconciliation failed")
	default:
		logrus.WithFields(logrus.Fields{
			"tier":      mode,
			"scanned":   run.Scanned,
			"anomalies": run.Anomalies,
		}).Info("[Scheduler] Reconciliation finished")
	}
}
