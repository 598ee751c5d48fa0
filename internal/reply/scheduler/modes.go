package scheduler

import (
	"time"

	"replywatch-backend/pkg/kvcache"

	"github.com/sirupsen/logrus"
)

// Mode is how a user's real-time tier learns about new mail.
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// ModeState is one user's entry in the push/poll table.
type ModeState struct {
	Mode                Mode      `json:"mode"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	WatchedAt           time.Time `json:"watched_at"`
	Since               time.Time `json:"since"`
}

// ModeTable tracks push health per user. After threshold consecutive push failures the user is
// moved to polling until a push registration succeeds again.
type ModeTable struct {
	store     kvcache.Store[ModeState]
	threshold int
	now       func() time.Time
}

func NewModeTable(store kvcache.Store[ModeState], threshold int) *ModeTable {
	if threshold <= 0 {
		threshold = 3
	}
	return &ModeTable{store: store, threshold: threshold, now: time.Now}
}

// Get returns the user's state. Users never seen are in push mode with no registration yet.
func (t *ModeTable) Get(userID string) ModeState {
	if st, ok := t.store.Get(userID); ok {
		return st
	}
	return ModeState{Mode: ModePush}
}

// Threshold is the failure count that switches a user to polling.
func (t *ModeTable) Threshold() int { return t.threshold }

// RecordWatch marks a successful push registration.
func (t *ModeTable) RecordWatch(userID string) {
	st := t.Get(userID)
	st.WatchedAt = t.now()
	t.store.Set(userID, t.healthy(userID, st), 0)
}

func (t *ModeTable) RecordPushSuccess(userID string) {
	t.store.Set(userID, t.healthy(userID, t.Get(userID)), 0)
}

func (t *ModeTable) RecordPushFailure(userID string, err error) {
	st := t.Get(userID)
	st.ConsecutiveFailures++
	if err != nil {
		st.LastError = err.Error()
	}
	if st.Mode == ModePush && st.ConsecutiveFailures >= t.threshold {
		st.Mode = ModePoll
		st.Since = t.now()
		logrus.WithFields(logrus.Fields{
			"userID":   userID,
			"failures": st.ConsecutiveFailures,
		}).Warn("[Scheduler] Push failing, switching user to polling")
	}
	t.store.Set(userID, st, 0)
}

// ForcePoll puts a user on polling regardless of failures, e.g. for providers without push.
func (t *ModeTable) ForcePoll(userID string) {
	st := t.Get(userID)
	if st.Mode == ModePoll {
		return
	}
	st.Mode = ModePoll
	st.Since = t.now()
	t.store.Set(userID, st, 0)
}

func (t *ModeTable) healthy(userID string, st ModeState) ModeState {
	if st.Mode == ModePoll {
		logrus.WithField("userID", userID).Info("[Scheduler] Push restored")
		st.Since = t.now()
	}
	st.Mode = ModePush
	st.ConsecutiveFailures = 0
	st.LastError = ""
	return st
}

// Snapshot lists every tracked user's state.
func (t *ModeTable) Snapshot() map[string]ModeState {
	out := make(map[string]ModeState)
	t.store.Range(func(userID string, st ModeState) bool {
		out[userID] = st
		return true
	})
	return out
}
