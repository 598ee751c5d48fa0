package repository

import (
	"time"

	replydomain "replywatch-backend/internal/reply/domain"
)

// UnrepliedFilter narrows the reconciliation scan. Zero values disable a bound.
type UnrepliedFilter struct {
	SentAfter     time.Time
	CheckedBefore time.Time // never-checked rows always qualify
	Limit         int
}

// SentMessageRepository reads outbound messages and flips their reply flag
type SentMessageRepository interface {
	Create(msg *replydomain.SentMessage) error
	FindByID(id string) (*replydomain.SentMessage, error)
	ListUnreplied(filter UnrepliedFilter) ([]*replydomain.SentMessage, error)
	// FindByMessageIDHeaders returns sent messages whose RFC Message-ID is one of ids
	FindByMessageIDHeaders(userID string, ids []string) ([]*replydomain.SentMessage, error)
	// ListOutstanding returns a user's unreplied messages sent at or before the given time, newest first
	ListOutstanding(userID string, before time.Time) ([]*replydomain.SentMessage, error)
	TouchLastReplyCheck(id string, at time.Time) error
	// MarkReplyReceived sets the reply flag; it is never cleared
	MarkReplyReceived(id string) error
}

// ContactRepository is the read side of contacts
type ContactRepository interface {
	Create(contact *replydomain.Contact) error
	FindByID(id string) (*replydomain.Contact, error)
	ListByIDs(ids []string) ([]*replydomain.Contact, error)
	ListByDomain(userID, domain string) ([]*replydomain.Contact, error)
}

// RecordOutcome reports what RecordProcessed actually wrote
type RecordOutcome struct {
	Duplicate    bool // message was already processed, nothing written
	ReplyCreated bool
}

// ReplyRepository persists replies and the sync dedup ledger
type ReplyRepository interface {
	// RecordProcessed writes the ProcessedMessage and, if reply is non-nil, the Reply and the
	// sent message's reply flag, all in one transaction. A duplicate ProcessedMessage writes nothing.
	RecordProcessed(pm *replydomain.ProcessedMessage, reply *replydomain.Reply) (RecordOutcome, error)
	// SaveReply inserts the reply unless its provider message id exists, and sets the reply flag
	SaveReply(reply *replydomain.Reply) (bool, error)
	IsProcessed(userID, providerMessageID string) (bool, error)
	ListBySentMessage(sentMessageID string) ([]*replydomain.Reply, error)
}

// CheckpointRepository stores one sync cursor per (user, provider)
type CheckpointRepository interface {
	Get(userID, provider string) (*replydomain.SyncCheckpoint, error)
	Save(cp *replydomain.SyncCheckpoint) error
	List() ([]*replydomain.SyncCheckpoint, error)
}

// AliasRepository learns alternate contact addresses
type AliasRepository interface {
	// Upsert inserts or advances last_seen_at; a revoked alias stays revoked
	Upsert(alias *replydomain.Alias) error
	ListForContact(contactID string, seenSince time.Time) ([]*replydomain.Alias, error)
	// ContactIDsForAddress returns contacts that have the address as an active alias
	ContactIDsForAddress(address string, seenSince time.Time) ([]string, error)
	// Revoke reports false when the contact has no such alias
	Revoke(contactID, address string) (bool, error)
}

// ReviewRepository stores manual review items
type ReviewRepository interface {
	Create(item *replydomain.ManualReviewItem) error
	FindByID(id string) (*replydomain.ManualReviewItem, error)
	// FindPendingForSentMessage returns the open item of a sent message, or nil
	FindPendingForSentMessage(sentMessageID string) (*replydomain.ManualReviewItem, error)
	// Refresh overwrites the evidence of a pending item and sets its attempt count
	Refresh(item *replydomain.ManualReviewItem) (bool, error)
	List(status replydomain.ReviewStatus, limit int) ([]*replydomain.ManualReviewItem, error)
	// Resolve moves a pending item to a terminal status. Returns false if the item was not pending.
	Resolve(id string, status replydomain.ReviewStatus, reviewer, notes string, at time.Time) (bool, error)
	// ResolvePendingForSentMessage auto-resolves every pending item of a sent message
	ResolvePendingForSentMessage(sentMessageID string, at time.Time) (int64, error)
}

// AuditRepository is the append-only detection attempt log
type AuditRepository interface {
	Append(entries ...*replydomain.DetectionAttempt) error
	ListBySentMessage(sentMessageID string, limit int) ([]*replydomain.DetectionAttempt, error)
	PruneBefore(t time.Time) (int64, error)
}

// AnomalyRepository is the append-only reconciliation ledger plus run history
type AnomalyRepository interface {
	Append(entry *replydomain.AnomalyEntry) error
	List(anomalyType replydomain.AnomalyType, limit int) ([]*replydomain.AnomalyEntry, error)
	CreateRun(run *replydomain.ReconciliationRun) error
	UpdateRun(run *replydomain.ReconciliationRun) error
	ListRuns(limit int) ([]*replydomain.ReconciliationRun, error)
}
