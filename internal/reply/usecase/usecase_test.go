package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/internal/mailbox/mailboxtest"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/health"
	"replywatch-backend/internal/reply/layers"
	"replywatch-backend/internal/reply/repository"
	"replywatch-backend/pkg/database"
	"replywatch-backend/pkg/kvcache"
	"replywatch-backend/pkg/taskqueue"

	"github.com/stretchr/testify/require"
)

var errUnknownUser = errors.New("unknown user")

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*authdomain.User
}

func (f *fakeUsers) GetUser(userID string) (*authdomain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, errUnknownUser
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) ListActiveUsers() ([]*authdomain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*authdomain.User
	for _, u := range f.users {
		if u.Active {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeUsers) MarkReauthRequired(userID string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.RequiresReauth = true
	}
	return nil
}

type fakeSessions map[string]*mailboxtest.Fake

func (f fakeSessions) Open(ctx context.Context, userID string) (mailboxdomain.Session, error) {
	fake, ok := f[userID]
	if !ok {
		return nil, mailboxdomain.ErrCredential
	}
	return fake, nil
}

// inlineTasks runs tasks synchronously so listener effects are visible right away.
type inlineTasks struct {
	mu    sync.Mutex
	names []string
}

func (q *inlineTasks) Enqueue(task taskqueue.Task) error {
	q.mu.Lock()
	q.names = append(q.names, task.Name)
	q.mu.Unlock()
	return task.Run(context.Background())
}

type recordingListener struct {
	mu     sync.Mutex
	events []ReplyEvent
}

func (l *recordingListener) ReplyConfirmed(ctx context.Context, event ReplyEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

type testEnv struct {
	sentRepo       repository.SentMessageRepository
	contactRepo    repository.ContactRepository
	replyRepo      repository.ReplyRepository
	checkpointRepo repository.CheckpointRepository
	reviewRepo     repository.ReviewRepository
	auditRepo      repository.AuditRepository
	anomalyRepo    repository.AnomalyRepository

	users    *fakeUsers
	mailbox  *mailboxtest.Fake
	watchdog *health.Watchdog
	listener *recordingListener

	aliases   AliasUsecase
	reviews   ReviewUsecase
	detection DetectionUsecase
	sync      SyncUsecase
	reconcile ReconciliationUsecase

	contact *replydomain.Contact
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, repository.AutoMigrate(db))

	e := &testEnv{
		sentRepo:       repository.NewSentMessageRepository(db),
		contactRepo:    repository.NewContactRepository(db),
		replyRepo:      repository.NewReplyRepository(db),
		checkpointRepo: repository.NewCheckpointRepository(db),
		reviewRepo:     repository.NewReviewRepository(db),
		auditRepo:      repository.NewAuditRepository(db),
		anomalyRepo:    repository.NewAnomalyRepository(db),
		users: &fakeUsers{users: map[string]*authdomain.User{
			"u1": {ID: "u1", Email: "me@corp.com", Provider: mailboxdomain.ProviderGmail, Active: true},
		}},
		mailbox:  mailboxtest.NewFake(mailboxdomain.ProviderGmail, "me@corp.com"),
		listener: &recordingListener{},
	}

	sessions := fakeSessions{"u1": e.mailbox}
	e.watchdog = health.NewWatchdog(sessions, kvcache.NewMemory[health.Status](), time.Minute)
	tasks := &inlineTasks{}

	e.aliases = NewAliasUsecase(repository.NewAliasRepository(db), 365*24*time.Hour)
	e.reviews = NewReviewUsecase(e.reviewRepo, e.replyRepo, e.sentRepo, tasks, e.listener)
	e.detection = NewDetectionUsecase(DetectionDeps{
		Sessions:    sessions,
		Health:      e.watchdog,
		Runner:      layers.NewRunner(e.auditRepo, 5*time.Second, layers.Default(25)...),
		Users:       e.users,
		SentRepo:    e.sentRepo,
		ContactRepo: e.contactRepo,
		ReplyRepo:   e.replyRepo,
		AuditRepo:   e.auditRepo,
		ReviewRepo:  e.reviewRepo,
		Aliases:     e.aliases,
		Reviews:     e.reviews,
		Tasks:       tasks,
		Listener:    e.listener,
		QuorumFor:   func(string) int { return 3 },
	})
	e.sync = NewSyncUsecase(SyncDeps{
		Sessions:       sessions,
		Health:         e.watchdog,
		Users:          e.users,
		SentRepo:       e.sentRepo,
		ContactRepo:    e.contactRepo,
		ReplyRepo:      e.replyRepo,
		CheckpointRepo: e.checkpointRepo,
		ReviewRepo:     e.reviewRepo,
		Aliases:        e.aliases,
		Tasks:          tasks,
		Listener:       e.listener,
	})
	e.reconcile = NewReconciliationUsecase(e.sentRepo, e.anomalyRepo, e.detection, ReconciliationConfig{
		HourlyLookback:     24 * time.Hour,
		HourlyRecheckAfter: time.Hour,
	})

	e.contact = &replydomain.Contact{UserID: "u1", Email: "c@acme.com", Name: "Carla Diaz", Company: "Acme"}
	require.NoError(t, e.contactRepo.Create(e.contact))
	return e
}

var sentAt = time.Now().UTC().Add(-6 * time.Hour).Truncate(time.Second)

func (e *testEnv) send(t *testing.T, mutate func(*replydomain.SentMessage)) *replydomain.SentMessage {
	t.Helper()
	msg := &replydomain.SentMessage{
		UserID:            "u1",
		ContactID:         e.contact.ID,
		ProviderMessageID: "sent-1",
		ThreadID:          "th1",
		MessageIDHeader:   "orig-1@corp.com",
		Subject:           "Pricing proposal",
		SentAt:            sentAt,
	}
	if mutate != nil {
		mutate(msg)
	}
	require.NoError(t, e.sentRepo.Create(msg))
	return msg
}

func (e *testEnv) sentMessage(t *testing.T, id string) *replydomain.SentMessage {
	t.Helper()
	msg, err := e.sentRepo.FindByID(id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}
