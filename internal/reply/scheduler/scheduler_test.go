package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	authdto "replywatch-backend/internal/auth/dto"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/internal/notification"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/health"
	"replywatch-backend/internal/reply/usecase"
	"replywatch-backend/pkg/kvcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type staticUsers []*authdomain.User

func (u staticUsers) ListActiveUsers() ([]*authdomain.User, error) { return u, nil }

type fakeSync struct {
	usecase.SyncUsecase
	mu          sync.Mutex
	synced      []string
	sweeps      int
	checkpoints []*replydomain.SyncCheckpoint
	swept       chan struct{}
}

func (f *fakeSync) SyncUser(ctx context.Context, userID string) (*usecase.SyncReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, userID)
	return &usecase.SyncReport{UserID: userID}, nil
}

func (f *fakeSync) SweepAll(ctx context.Context, concurrency int) (usecase.SweepReport, error) {
	f.mu.Lock()
	f.sweeps++
	first := f.sweeps == 1
	f.mu.Unlock()
	if first && f.swept != nil {
		close(f.swept)
	}
	return usecase.SweepReport{}, nil
}

func (f *fakeSync) Checkpoints() ([]*replydomain.SyncCheckpoint, error) {
	return f.checkpoints, nil
}

type fakeReconcile struct {
	usecase.ReconciliationUsecase
	modes []replydomain.ReconciliationMode
}

func (f *fakeReconcile) Run(ctx context.Context, mode replydomain.ReconciliationMode) (*replydomain.ReconciliationRun, error) {
	f.modes = append(f.modes, mode)
	return &replydomain.ReconciliationRun{Mode: mode}, nil
}

type fakeDetection struct {
	usecase.DetectionUsecase
	prunedBefore time.Time
}

func (f *fakeDetection) PruneAudit(before time.Time) (int64, error) {
	f.prunedBefore = before
	return 3, nil
}

type fakeWatcher struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func (w *fakeWatcher) SupportsPush(kind mailboxdomain.ProviderType) bool {
	return kind != mailboxdomain.ProviderIMAP
}

func (w *fakeWatcher) Watch(ctx context.Context, userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls[userID]++
	return w.fail[userID]
}

type fakeHealth map[string]health.Status

func (f fakeHealth) CheckHealth(ctx context.Context, userID string, provider mailboxdomain.ProviderType) health.Status {
	if st, ok := f[userID]; ok {
		return st
	}
	return health.Status{Healthy: true}
}

func (f fakeHealth) Invalidate(userID string, provider mailboxdomain.ProviderType) {}

type raised struct {
	userID string
	alert  notification.AlertType
}

type fakeAlerts struct{ got []raised }

func (f *fakeAlerts) Raise(ctx context.Context, userID string, alert notification.AlertType, message string) (bool, error) {
	f.got = append(f.got, raised{userID, alert})
	return true, nil
}

type countingSweeper struct{ calls int }

func (c *countingSweeper) Sweep() int {
	c.calls++
	return 0
}

type fakeCredentials struct{ calls int }

func (f *fakeCredentials) RefreshExpiring(ctx context.Context) (authdto.RefreshReport, error) {
	f.calls++
	return authdto.RefreshReport{Checked: 1, Refreshed: 1}, nil
}

func newModes() *ModeTable {
	return NewModeTable(kvcache.NewMemory[ModeState](), 3)
}

func TestModeTable_SwitchesAndRestores(t *testing.T) {
	modes := newModes()
	assert.Equal(t, ModePush, modes.Get("u1").Mode)

	modes.RecordPushFailure("u1", errors.New("boom"))
	modes.RecordPushFailure("u1", errors.New("boom"))
	assert.Equal(t, ModePush, modes.Get("u1").Mode)
	modes.RecordPushFailure("u1", errors.New("boom"))
	st := modes.Get("u1")
	assert.Equal(t, ModePoll, st.Mode)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, "boom", st.LastError)

	modes.RecordWatch("u1")
	st = modes.Get("u1")
	assert.Equal(t, ModePush, st.Mode)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.False(t, st.WatchedAt.IsZero())
	assert.Len(t, modes.Snapshot(), 1)
}

func TestRestorePush(t *testing.T) {
	users := staticUsers{
		{ID: "g1", Provider: mailboxdomain.ProviderGmail, Active: true},
		{ID: "i1", Provider: mailboxdomain.ProviderIMAP, Active: true},
		{ID: "g2", Provider: mailboxdomain.ProviderGmail, Active: true},
		{ID: "held", Provider: mailboxdomain.ProviderGmail, Active: true, RequiresReauth: true},
	}
	watcher := &fakeWatcher{fail: map[string]error{"g2": errors.New("watch quota")}, calls: map[string]int{}}
	modes := newModes()
	s, err := New(Deps{Users: users, Modes: modes, Watcher: watcher, Sync: &fakeSync{}}, Config{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.RestorePush(context.Background())
	}

	assert.Equal(t, 1, watcher.calls["g1"], "a fresh registration is not renewed")
	assert.Equal(t, 3, watcher.calls["g2"])
	assert.Zero(t, watcher.calls["i1"])
	assert.Zero(t, watcher.calls["held"])
	assert.Equal(t, ModePush, modes.Get("g1").Mode)
	assert.Equal(t, ModePoll, modes.Get("g2").Mode)
	assert.Equal(t, ModePoll, modes.Get("i1").Mode)

	poller := &fakeSync{}
	s.Sync = poller
	s.PollOnce(context.Background())
	assert.ElementsMatch(t, []string{"g2", "i1"}, poller.synced)

	// A day later the registration is renewed and g2 recovers.
	s.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	delete(watcher.fail, "g2")
	s.RestorePush(context.Background())
	assert.Equal(t, 2, watcher.calls["g1"])
	assert.Equal(t, ModePush, modes.Get("g2").Mode)
}

func TestCheckHealthOnce_RaisesAlerts(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-10 * time.Minute)
	stale := now.Add(-90 * time.Minute)
	users := staticUsers{
		{ID: "ok", Email: "ok@corp.com", Active: true},
		{ID: "held", Email: "held@corp.com", Active: true, RequiresReauth: true},
		{ID: "revoked", Email: "revoked@corp.com", Active: true},
		{ID: "stale", Email: "stale@corp.com", Active: true},
		{ID: "pushy", Email: "pushy@corp.com", Active: true},
	}
	syncer := &fakeSync{checkpoints: []*replydomain.SyncCheckpoint{
		{UserID: "ok", LastSyncedAt: &fresh},
		{UserID: "stale", LastSyncedAt: &stale},
	}}
	modes := newModes()
	for i := 0; i < 3; i++ {
		modes.RecordPushFailure("pushy", errors.New("watch expired"))
	}
	alerts := &fakeAlerts{}
	sweeper := &countingSweeper{}
	s, err := New(Deps{
		Users:  users,
		Sync:   syncer,
		Modes:  modes,
		Health: fakeHealth{"revoked": {Healthy: false, RequiresReauth: true}},
		Alerts: alerts,
		Caches: []Sweeper{sweeper},
	}, Config{StaleSyncThreshold: time.Hour})
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	s.CheckHealthOnce(context.Background())
	assert.ElementsMatch(t, []raised{
		{"held", notification.AlertCredentialsInvalid},
		{"revoked", notification.AlertCredentialsInvalid},
		{"stale", notification.AlertSyncStale},
		{"pushy", notification.AlertPushFailing},
	}, alerts.got)
	assert.Equal(t, 1, sweeper.calls)
}

func TestReconciliationTiers(t *testing.T) {
	now := time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)
	rec := &fakeReconcile{}
	det := &fakeDetection{}
	s, err := New(Deps{Reconcile: rec, Detection: det, Modes: newModes()}, Config{
		NightlySchedule: "0 2 * * *",
		HourlySchedule:  "15 * * * *",
		AuditRetention:  90 * 24 * time.Hour,
	})
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	s.RunHourly(context.Background())
	s.RunNightly(context.Background())
	assert.Equal(t, []replydomain.ReconciliationMode{replydomain.ModeHourly, replydomain.ModeNightly}, rec.modes)
	assert.Equal(t, now.Add(-90*24*time.Hour), det.prunedBefore)

	_, err = New(Deps{Modes: newModes()}, Config{NightlySchedule: "every night"})
	assert.Error(t, err)
}

func TestScheduler_StartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	syncer := &fakeSync{swept: make(chan struct{})}
	creds := &fakeCredentials{}
	s, err := New(Deps{
		Users:       staticUsers{},
		Sync:        syncer,
		Reconcile:   &fakeReconcile{},
		Modes:       newModes(),
		Credentials: creds,
		Health:      fakeHealth{},
	}, Config{
		PollInterval:           time.Hour,
		PushRestoreInterval:    time.Hour,
		DeltaSweepInterval:     time.Hour,
		HealthCheckInterval:    time.Hour,
		CredentialRefreshEvery: time.Hour,
		NightlySchedule:        "0 2 * * *",
		Location:               time.UTC,
	})
	require.NoError(t, err)

	s.Start()
	select {
	case <-syncer.swept:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not run on start")
	}
	s.Stop()
	s.Stop()

	assert.Equal(t, 1, syncer.sweeps)
	assert.Equal(t, 1, creds.calls)
}
