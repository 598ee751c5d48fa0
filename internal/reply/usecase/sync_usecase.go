package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/health"
	"replywatch-backend/internal/reply/repository"
	"replywatch-backend/pkg/matching"

	"github.com/bradenaw/juniper/xslices"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SyncDeps wires the incremental sync engine.
type SyncDeps struct {
	Sessions       mailboxdomain.SessionSource
	Health         HealthChecker
	Users          UserSource
	SentRepo       repository.SentMessageRepository
	ContactRepo    repository.ContactRepository
	ReplyRepo      repository.ReplyRepository
	CheckpointRepo repository.CheckpointRepository
	ReviewRepo     repository.ReviewRepository
	Aliases        AliasUsecase
	Tasks          TaskEnqueuer
	Listener       ReplyListener
	Strategies     []MatchStrategy
}

type syncUsecase struct {
	SyncDeps
	confirm *confirmer
	now     func() time.Time

	// userLocks serializes syncs of the same user; different users run independently.
	userLocks sync.Map
}

func NewSyncUsecase(deps SyncDeps) SyncUsecase {
	if deps.Strategies == nil {
		deps.Strategies = DefaultStrategies
	}
	return &syncUsecase{
		SyncDeps: deps,
		confirm:  &confirmer{reviewRepo: deps.ReviewRepo, tasks: deps.Tasks, listener: deps.Listener},
		now:      time.Now,
	}
}

func (u *syncUsecase) lock(userID string) func() {
	v, _ := u.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// SyncUser advances the user's checkpoint through the provider change feed. The first run only
// records the provider's current position. The cursor is saved only after every fetched message
// has been recorded, so a failed run is replayed in full next time.
func (u *syncUsecase) SyncUser(ctx context.Context, userID string) (*SyncReport, error) {
	defer u.lock(userID)()

	report := &SyncReport{UserID: userID}
	user, err := u.Users.GetUser(userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		report.Skipped = "inactive"
		return report, nil
	}
	if user.RequiresReauth {
		report.Skipped = "requires_reauth"
		return report, nil
	}

	log := logrus.WithFields(logrus.Fields{"userID": userID, "provider": user.Provider})

	cp, err := u.CheckpointRepo.Get(userID, string(user.Provider))
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &replydomain.SyncCheckpoint{ID: uuid.New().String(), UserID: userID, Provider: string(user.Provider)}
	}

	pf := u.Health.PreFlightHealthCheck(ctx, userID, user.Provider)
	if !pf.OK() {
		cause := fmt.Errorf("pre-flight %s: %s", pf.Verdict, pf.ErrorMessage)
		if pf.Verdict == health.VerdictRequiresReauth {
			cause = fmt.Errorf("%w: %s", mailboxdomain.ErrCredential, pf.ErrorMessage)
		}
		return nil, u.fail(user, cp, cause)
	}

	sess, err := u.Sessions.Open(ctx, userID)
	if err != nil {
		return nil, u.fail(user, cp, err)
	}

	if cp.Cursor == "" {
		cursor, err := sess.CurrentCursor(ctx)
		if err != nil {
			return nil, u.fail(user, cp, err)
		}
		report.Initialized = true
		report.Cursor = cursor
		log.Info("[Sync] Checkpoint initialized from current provider position")
		return report, u.succeed(cp, cursor)
	}

	msgs, next, err := sess.Changes(ctx, cp.Cursor)
	if err != nil {
		if errors.Is(err, mailboxdomain.ErrCursorInvalid) {
			log.Warn("[Sync] Cursor invalid, clearing checkpoint for reinitialization")
			cp.Cursor = ""
		}
		return nil, u.fail(user, cp, err)
	}
	report.Fetched = len(msgs)

	for _, msg := range msgs {
		if err := u.processMessage(user, msg, report); err != nil {
			// Store failure: keep the old cursor so the batch is replayed.
			return nil, u.fail(user, cp, fmt.Errorf("process message %s: %w", msg.ID, err))
		}
	}

	report.Cursor = next
	if err := u.succeed(cp, next); err != nil {
		return nil, err
	}
	if report.Fetched > 0 {
		log.WithFields(logrus.Fields{
			"fetched":    report.Fetched,
			"processed":  report.Processed,
			"duplicates": report.Duplicates,
			"replies":    report.Replies,
		}).Info("[Sync] Delta processed")
	}
	return report, nil
}

func (u *syncUsecase) succeed(cp *replydomain.SyncCheckpoint, cursor string) error {
	now := u.now()
	cp.Cursor = cursor
	cp.Status = replydomain.SyncStatusActive
	cp.ConsecutiveErrors = 0
	cp.LastError = ""
	cp.LastSyncedAt = &now
	return u.CheckpointRepo.Save(cp)
}

// fail moves the checkpoint to error. Credential failures also suspend the user until re-auth.
func (u *syncUsecase) fail(user *authdomain.User, cp *replydomain.SyncCheckpoint, cause error) error {
	cp.Status = replydomain.SyncStatusError
	cp.ConsecutiveErrors++
	cp.LastError = cause.Error()
	if err := u.CheckpointRepo.Save(cp); err != nil {
		logrus.WithField("userID", user.ID).WithError(err).Error("[Sync] Failed to record checkpoint error")
	}

	if mailboxdomain.IsCredential(cause) {
		if err := u.Users.MarkReauthRequired(user.ID, cause); err != nil {
			logrus.WithField("userID", user.ID).WithError(err).Error("[Sync] Failed to set re-authentication hold")
		}
	}
	return cause
}

func (u *syncUsecase) processMessage(user *authdomain.User, msg *mailboxdomain.Message, report *SyncReport) error {
	done, err := u.ReplyRepo.IsProcessed(user.ID, msg.ID)
	if err != nil {
		return err
	}
	if done {
		report.Duplicates++
		return nil
	}

	cls := msg.Classify()
	pm := &replydomain.ProcessedMessage{
		UserID:            user.ID,
		ProviderMessageID: msg.ID,
		ThreadID:          msg.ThreadID,
		MessageIDHeader:   msg.MessageID,
		InReplyTo:         msg.InReplyTo,
		References:        msg.References,
		FromAddress:       msg.From,
		IsReply:           cls.IsReply,
		IsAutoReply:       cls.IsAutoReply,
		IsBounce:          cls.IsBounce,
		MatchOutcome:      replydomain.MatchNone,
	}

	var reply *replydomain.Reply
	switch {
	case matching.LooselyEqual(msg.From, user.Email):
		pm.MatchOutcome = replydomain.MatchOwn
	case cls.IsBounce:
		pm.MatchOutcome = replydomain.MatchBounce
	case cls.IsAutoReply:
		pm.MatchOutcome = replydomain.MatchAutoReply
	default:
		sent, strategy, err := u.match(user, msg, cls)
		if err != nil {
			return err
		}
		if sent == nil {
			if !cls.IsReply {
				pm.MatchOutcome = replydomain.MatchNotReply
			}
			break
		}
		pm.MatchOutcome = replydomain.MatchMatched
		pm.SentMessageID = sent.ID
		reply = &replydomain.Reply{
			SentMessageID:     sent.ID,
			UserID:            user.ID,
			ContactID:         sent.ContactID,
			ProviderMessageID: msg.ID,
			ThreadID:          msg.ThreadID,
			FromAddress:       msg.From,
			Subject:           msg.Subject,
			Body:              msg.Body,
			ReceivedAt:        msg.ReceivedAt,
			DetectedBy:        "sync:" + strategy,
			Metadata:          replyMetadata(msg, ""),
		}
		if strategy == "header" || strategy == "thread" {
			u.learnAlias(sent.ContactID, msg.From)
		}
	}

	outcome, err := u.ReplyRepo.RecordProcessed(pm, reply)
	if err != nil {
		return err
	}
	if outcome.Duplicate {
		report.Duplicates++
		return nil
	}
	report.Processed++
	if outcome.ReplyCreated {
		report.Replies++
		u.confirm.replyConfirmed(reply)
	}
	return nil
}

func (u *syncUsecase) match(user *authdomain.User, msg *mailboxdomain.Message, cls matching.Classification) (*replydomain.SentMessage, string, error) {
	ids := xslices.Map(msg.CorrelationIDs(), matching.NormalizeMessageID)
	correlated, err := u.SentRepo.FindByMessageIDHeaders(user.ID, ids)
	if err != nil {
		return nil, "", err
	}
	outstanding, err := u.SentRepo.ListOutstanding(user.ID, msg.ReceivedAt)
	if err != nil {
		return nil, "", err
	}

	contactIDs := xslices.Map(outstanding, func(s *replydomain.SentMessage) string { return s.ContactID })
	contacts, err := u.ContactRepo.ListByIDs(contactIDs)
	if err != nil {
		return nil, "", err
	}
	byID := make(map[string]*replydomain.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
	}

	aliasOf := make(map[string]bool)
	aliasContacts, err := u.Aliases.ContactsFor(msg.From)
	if err != nil {
		return nil, "", err
	}
	for _, id := range aliasContacts {
		aliasOf[id] = true
	}

	sent, strategy := Match(MatchInput{
		Message:     msg,
		Class:       cls,
		Correlated:  correlated,
		Outstanding: outstanding,
		Contacts:    byID,
		AliasOf:     aliasOf,
	}, u.Strategies)
	return sent, strategy, nil
}

// learnAlias records a sender that answered through headers or the thread but is not the
// contact's primary address. Failures only cost a future match, so they are logged.
func (u *syncUsecase) learnAlias(contactID, from string) {
	contacts, err := u.ContactRepo.ListByIDs([]string{contactID})
	if err != nil || len(contacts) == 0 {
		return
	}
	if matching.NormalizeAddress(contacts[0].Email) == matching.NormalizeAddress(from) {
		return
	}
	if err := u.Aliases.Learn(contactID, from); err != nil {
		logrus.WithField("contactID", contactID).WithError(err).Warn("[Sync] Failed to learn alias")
	}
}

func (u *syncUsecase) SweepAll(ctx context.Context, concurrency int) (SweepReport, error) {
	var report SweepReport
	users, err := u.Users.ListActiveUsers()
	if err != nil {
		return report, fmt.Errorf("list active users: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, user := range users {
		g.Go(func() error {
			res, err := u.SyncUser(gctx, user.ID)
			mu.Lock()
			defer mu.Unlock()
			report.Users++
			switch {
			case err != nil:
				report.Failed++
				logrus.WithField("userID", user.ID).WithError(err).Warn("[Sync] User sync failed")
			case res.Skipped != "":
				report.Skipped++
			default:
				report.Succeeded++
				report.Replies += res.Replies
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

func (u *syncUsecase) Checkpoints() ([]*replydomain.SyncCheckpoint, error) {
	return u.CheckpointRepo.List()
}
