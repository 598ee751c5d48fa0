package usecase

import (
	"context"
	"errors"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/health"
	"replywatch-backend/pkg/taskqueue"
)

var (
	ErrSentMessageNotFound = errors.New("sent message not found")
	ErrContactNotFound     = errors.New("contact not found")
	ErrRunInProgress       = errors.New("reconciliation run already in progress")
	ErrUnknownMode         = errors.New("unknown reconciliation mode")
)

// DetectionUsecase is the on-demand, all-layer reply check.
type DetectionUsecase interface {
	DetectReplyWithAllLayers(ctx context.Context, opts replydomain.DetectionOptions) (*replydomain.ComprehensiveDetectionResult, error)
	// DetectForSentMessage loads the sent message, its contact and aliases, runs detection and
	// stamps the message's last reply check.
	DetectForSentMessage(ctx context.Context, sentMessageID string) (*replydomain.ComprehensiveDetectionResult, error)
	ListAttempts(sentMessageID string, limit int) ([]*replydomain.DetectionAttempt, error)
	PruneAudit(before time.Time) (int64, error)
}

// SyncReport summarizes one incremental sync of a user's mailbox.
type SyncReport struct {
	UserID      string `json:"user_id"`
	Skipped     string `json:"skipped,omitempty"`
	Initialized bool   `json:"initialized"`
	Fetched     int    `json:"fetched"`
	Processed   int    `json:"processed"`
	Duplicates  int    `json:"duplicates"`
	Replies     int    `json:"replies"`
	Cursor      string `json:"cursor"`
}

// SweepReport summarizes a delta sweep across users.
type SweepReport struct {
	Users     int `json:"users"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Replies   int `json:"replies"`
}

// SyncUsecase drives the incremental change-log sync.
type SyncUsecase interface {
	SyncUser(ctx context.Context, userID string) (*SyncReport, error)
	// SweepAll syncs every active user with at most concurrency users in flight. It fails only
	// when the user list cannot be read.
	SweepAll(ctx context.Context, concurrency int) (SweepReport, error)
	Checkpoints() ([]*replydomain.SyncCheckpoint, error)
}

// ReviewUsecase is the manual review queue.
type ReviewUsecase interface {
	AddToReviewQueue(item *replydomain.ManualReviewItem) error
	List(status replydomain.ReviewStatus, limit int) ([]*replydomain.ManualReviewItem, error)
	Accept(ctx context.Context, id, reviewer, notes string) (*replydomain.ManualReviewItem, error)
	Reject(id, reviewer, notes string) (*replydomain.ManualReviewItem, error)
	AutoResolve(sentMessageID string) (int64, error)
}

// AliasUsecase learns and expires alternate contact addresses.
type AliasUsecase interface {
	Learn(contactID, address string) error
	Invalidate(contactID, address string) error
	// ActiveFor returns addresses seen within the alias TTL and not revoked.
	ActiveFor(contactID string) ([]string, error)
	ContactsFor(address string) ([]string, error)
}

// ReconciliationUsecase re-checks unreplied sent messages.
type ReconciliationUsecase interface {
	Run(ctx context.Context, mode replydomain.ReconciliationMode) (*replydomain.ReconciliationRun, error)
	ListRuns(limit int) ([]*replydomain.ReconciliationRun, error)
	ListAnomalies(anomalyType replydomain.AnomalyType, limit int) ([]*replydomain.AnomalyEntry, error)
}

// ReplyEvent is emitted once per newly confirmed reply.
type ReplyEvent struct {
	SentMessageID string    `json:"sent_message_id"`
	ReplyID       string    `json:"reply_id"`
	UserID        string    `json:"user_id"`
	ContactID     string    `json:"contact_id"`
	DetectedBy    string    `json:"detected_by"`
	ReceivedAt    time.Time `json:"received_at"`
}

// ReplyListener lets the follow-up engine stop a sequence as soon as a reply is confirmed.
type ReplyListener interface {
	ReplyConfirmed(ctx context.Context, event ReplyEvent) error
}

// UserSource is the slice of the credential usecase the engine needs.
type UserSource interface {
	GetUser(userID string) (*authdomain.User, error)
	ListActiveUsers() ([]*authdomain.User, error)
	MarkReauthRequired(userID string, cause error) error
}

// HealthChecker gates provider work.
type HealthChecker interface {
	PreFlightHealthCheck(ctx context.Context, userID string, provider mailboxdomain.ProviderType) health.PreFlight
}

// TaskEnqueuer runs side effects in the background with observable failures.
type TaskEnqueuer interface {
	Enqueue(task taskqueue.Task) error
}
