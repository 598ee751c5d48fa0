package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/health"
	"replywatch-backend/internal/reply/layers"
	"replywatch-backend/internal/reply/quorum"
	"replywatch-backend/internal/reply/repository"
	"replywatch-backend/pkg/matching"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DetectionDeps wires the orchestrator.
type DetectionDeps struct {
	Sessions    mailboxdomain.SessionSource
	Health      HealthChecker
	Runner      *layers.Runner
	Users       UserSource
	SentRepo    repository.SentMessageRepository
	ContactRepo repository.ContactRepository
	ReplyRepo   repository.ReplyRepository
	AuditRepo   repository.AuditRepository
	ReviewRepo  repository.ReviewRepository
	Aliases     AliasUsecase
	Reviews     ReviewUsecase
	Tasks       TaskEnqueuer
	Listener    ReplyListener
	// QuorumFor returns the healthy-layer minimum for a provider.
	QuorumFor func(provider string) int
}

type detectionUsecase struct {
	DetectionDeps
	confirm *confirmer
	now     func() time.Time
}

func NewDetectionUsecase(deps DetectionDeps) DetectionUsecase {
	if deps.QuorumFor == nil {
		deps.QuorumFor = func(string) int { return quorum.DefaultMinHealthy }
	}
	return &detectionUsecase{
		DetectionDeps: deps,
		confirm:       &confirmer{reviewRepo: deps.ReviewRepo, tasks: deps.Tasks, listener: deps.Listener},
		now:           time.Now,
	}
}

func (u *detectionUsecase) DetectForSentMessage(ctx context.Context, sentMessageID string) (*replydomain.ComprehensiveDetectionResult, error) {
	sent, err := u.SentRepo.FindByID(sentMessageID)
	if err != nil {
		return nil, err
	}
	if sent == nil {
		return nil, ErrSentMessageNotFound
	}
	contact, err := u.ContactRepo.FindByID(sent.ContactID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return nil, ErrContactNotFound
	}
	user, err := u.Users.GetUser(sent.UserID)
	if err != nil {
		return nil, err
	}
	aliases, err := u.Aliases.ActiveFor(contact.ID)
	if err != nil {
		return nil, err
	}

	opts := replydomain.DetectionOptions{
		UserID:          user.ID,
		Provider:        user.Provider,
		SentMessageID:   sent.ID,
		ContactID:       contact.ID,
		ContactEmail:    contact.Email,
		ContactName:     contact.Name,
		ContactCompany:  contact.Company,
		Subject:         sent.Subject,
		SentAt:          sent.SentAt,
		ThreadID:        sent.ThreadID,
		MessageIDHeader: sent.MessageIDHeader,
		OwnAddress:      user.Email,
		Aliases:         aliases,
	}

	res, err := u.DetectReplyWithAllLayers(ctx, opts)
	if touchErr := u.SentRepo.TouchLastReplyCheck(sent.ID, u.now()); touchErr != nil {
		logrus.WithField("sentMessageID", sent.ID).WithError(touchErr).Warn("[Detection] Failed to stamp last reply check")
	}
	return res, err
}

// DetectReplyWithAllLayers runs the pre-flight check, fans out to every layer, applies the quorum
// rule and persists the outcome. Only store failures are returned as errors; provider trouble
// becomes pending review.
func (u *detectionUsecase) DetectReplyWithAllLayers(ctx context.Context, opts replydomain.DetectionOptions) (*replydomain.ComprehensiveDetectionResult, error) {
	start := u.now()
	res := &replydomain.ComprehensiveDetectionResult{
		AttemptID:     uuid.New().String(),
		SentMessageID: opts.SentMessageID,
	}
	log := logrus.WithFields(logrus.Fields{
		"sentMessageID": opts.SentMessageID,
		"userID":        opts.UserID,
		"provider":      opts.Provider,
	})

	pf := u.Health.PreFlightHealthCheck(ctx, opts.UserID, opts.Provider)
	if !pf.OK() {
		return u.abort(res, opts, start, pf.Verdict == health.VerdictRequiresReauth, string(pf.Verdict)+": "+pf.ErrorMessage), nil
	}
	sess, err := u.Sessions.Open(ctx, opts.UserID)
	if err != nil {
		return u.abort(res, opts, start, mailboxdomain.IsCredential(err), err.Error()), nil
	}

	res.Layers = u.Runner.RunAll(ctx, sess, opts, res.AttemptID)
	res.Quorum = quorum.Evaluate(res.Layers, u.QuorumFor(string(opts.Provider)))
	res.Found = res.Quorum.Found
	res.QuorumMet = res.Quorum.QuorumMet
	res.PendingReview = res.Quorum.PendingReview

	confirmed, candidates := mergeReplies(res.Layers)
	var storeErr error
	switch {
	case res.Found:
		res.Replies = confirmed
		storeErr = u.persistReplies(opts, res)
	case res.PendingReview:
		res.Replies = candidates
		storeErr = u.escalate(opts, res)
	}
	if storeErr != nil {
		res.Error = storeErr.Error()
		log.WithError(storeErr).Error("[Detection] Failed to persist outcome")
	}

	res.DurationMs = u.now().Sub(start).Milliseconds()
	u.audit(opts, res, replydomain.AuditOrchestrator)

	log.WithFields(logrus.Fields{
		"found":   res.Found,
		"pending": res.PendingReview,
		"healthy": len(res.Quorum.HealthyLayers),
	}).Info("[Detection] Attempt finished")
	return res, storeErr
}

// abort records a pre-flight failure. No layer runs and the message goes to pending review
// without a review item: the provider, not the evidence, is the problem.
func (u *detectionUsecase) abort(res *replydomain.ComprehensiveDetectionResult, opts replydomain.DetectionOptions, start time.Time, reauth bool, reason string) *replydomain.ComprehensiveDetectionResult {
	res.PendingReview = true
	res.RequiresReauth = reauth
	res.Error = reason
	res.DurationMs = u.now().Sub(start).Milliseconds()
	u.audit(opts, res, replydomain.AuditPreflight)

	logrus.WithFields(logrus.Fields{
		"sentMessageID": opts.SentMessageID,
		"userID":        opts.UserID,
		"reauth":        reauth,
	}).Warn("[Detection] Pre-flight failed: " + reason)
	return res
}

// mergeReplies dedups by provider message id in layer order. Confirmed replies come from healthy
// layers only; candidates include partial matches from unhealthy ones.
func mergeReplies(results []replydomain.LayerResult) (confirmed, candidates []replydomain.FoundReply) {
	seenConfirmed := make(map[string]bool)
	seenCandidate := make(map[string]bool)
	for _, r := range results {
		for _, m := range r.Replies {
			if !seenCandidate[m.ID] {
				seenCandidate[m.ID] = true
				candidates = append(candidates, replydomain.FoundReply{Message: m, Layer: r.Layer})
			}
			if r.Healthy && !seenConfirmed[m.ID] {
				seenConfirmed[m.ID] = true
				confirmed = append(confirmed, replydomain.FoundReply{Message: m, Layer: r.Layer})
			}
		}
	}
	return confirmed, candidates
}

func (u *detectionUsecase) persistReplies(opts replydomain.DetectionOptions, res *replydomain.ComprehensiveDetectionResult) error {
	primary := matching.NormalizeAddress(opts.ContactEmail)
	learned := make(map[string]bool)
	for _, fr := range res.Replies {
		m := fr.Message
		reply := &replydomain.Reply{
			SentMessageID:     opts.SentMessageID,
			UserID:            opts.UserID,
			ContactID:         opts.ContactID,
			ProviderMessageID: m.ID,
			ThreadID:          m.ThreadID,
			FromAddress:       m.From,
			Subject:           m.Subject,
			Body:              m.Body,
			ReceivedAt:        m.ReceivedAt,
			DetectedBy:        fr.Layer,
			Metadata:          replyMetadata(m, res.AttemptID),
		}
		created, err := u.ReplyRepo.SaveReply(reply)
		if err != nil {
			return err
		}
		if created {
			u.confirm.replyConfirmed(reply)
		}

		if from := matching.NormalizeAddress(m.From); from != "" && from != primary && !learned[from] {
			learned[from] = true
			if err := u.Aliases.Learn(opts.ContactID, from); err != nil {
				return err
			}
			res.AliasesLearned = append(res.AliasesLearned, from)
		}
	}
	return nil
}

func (u *detectionUsecase) escalate(opts replydomain.DetectionOptions, res *replydomain.ComprehensiveDetectionResult) error {
	item := &replydomain.ManualReviewItem{
		SentMessageID: opts.SentMessageID,
		ContactID:     opts.ContactID,
		UserID:        opts.UserID,
		Reason:        replydomain.ReviewReasonQuorumFailure,
		HealthyLayers: res.Quorum.HealthyLayers,
		FoundLayers:   res.Quorum.FoundLayers,
		FailedLayers:  res.Quorum.FailedLayers,
	}
	if len(res.Replies) > 0 {
		fr := res.Replies[0]
		item.Candidate = &replydomain.CandidateReply{
			ProviderMessageID: fr.Message.ID,
			ThreadID:          fr.Message.ThreadID,
			FromAddress:       fr.Message.From,
			Subject:           fr.Message.Subject,
			Body:              fr.Message.Body,
			ReceivedAt:        fr.Message.ReceivedAt,
			Layer:             fr.Layer,
		}
	}
	if err := u.Reviews.AddToReviewQueue(item); err != nil {
		return err
	}
	res.ReviewItemID = item.ID
	res.ReviewAttempts = item.Attempts
	return nil
}

func replyMetadata(m *mailboxdomain.Message, attemptID string) replydomain.Metadata {
	md := replydomain.Metadata{"from": m.From}
	if attemptID != "" {
		md["attempt_id"] = attemptID
	}
	if m.FromName != "" {
		md["from_name"] = m.FromName
	}
	if len(m.InReplyTo) > 0 {
		md["in_reply_to"] = strings.Join(m.InReplyTo, " ")
	}
	if len(m.References) > 0 {
		md["references"] = strings.Join(m.References, " ")
	}
	return md
}

// audit writes the consolidated row for one attempt. A failing audit store is logged, never fatal.
func (u *detectionUsecase) audit(opts replydomain.DetectionOptions, res *replydomain.ComprehensiveDetectionResult, kind string) {
	row := &replydomain.DetectionAttempt{
		ID:            uuid.New().String(),
		AttemptID:     res.AttemptID,
		SentMessageID: opts.SentMessageID,
		UserID:        opts.UserID,
		Kind:          kind,
		Found:         res.Found,
		Healthy:       kind != replydomain.AuditPreflight,
		PendingReview: res.PendingReview,
		ResultCount:   len(res.Replies),
		DurationMs:    res.DurationMs,
		Error:         res.Error,
		Details: replydomain.Metadata{
			"provider":        string(opts.Provider),
			"quorum_met":      strconv.FormatBool(res.QuorumMet),
			"healthy_layers":  strings.Join(res.Quorum.HealthyLayers, ","),
			"found_layers":    strings.Join(res.Quorum.FoundLayers, ","),
			"failed_layers":   strings.Join(res.Quorum.FailedLayers, ","),
			"requires_reauth": strconv.FormatBool(res.RequiresReauth),
			"review_item_id":  res.ReviewItemID,
			"review_attempts": strconv.Itoa(res.ReviewAttempts),
		},
		CreatedAt: u.now(),
	}
	if err := u.AuditRepo.Append(row); err != nil {
		logrus.WithField("sentMessageID", opts.SentMessageID).WithError(err).Error("[Detection] Failed to write audit row")
	}
}

func (u *detectionUsecase) ListAttempts(sentMessageID string, limit int) ([]*replydomain.DetectionAttempt, error) {
	return u.AuditRepo.ListBySentMessage(sentMessageID, limit)
}

func (u *detectionUsecase) PruneAudit(before time.Time) (int64, error) {
	n, err := u.AuditRepo.PruneBefore(before)
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	return n, nil
}
