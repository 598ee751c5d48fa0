package health

import (
	"context"
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/pkg/kvcache"

	"github.com/sirupsen/logrus"
)

// Status is the cached outcome of a provider ping.
type Status struct {
	Healthy        bool      `json:"healthy"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	RequiresReauth bool      `json:"requires_reauth"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Verdict classifies a failed pre-flight check.
type Verdict string

const (
	VerdictOK             Verdict = "ok"
	VerdictRequiresReauth Verdict = "requires_reauth"
	VerdictRetryLater     Verdict = "retry_later"
)

// PreFlight is the answer callers act on before doing provider work.
type PreFlight struct {
	Status
	Verdict Verdict `json:"verdict"`
}

// OK reports whether provider work may proceed.
func (p PreFlight) OK() bool { return p.Verdict == VerdictOK }

// Watchdog pings per (user, provider) connectivity and caches the outcome for a short TTL.
type Watchdog struct {
	sessions mailboxdomain.SessionSource
	cache    kvcache.Store[Status]
	ttl      time.Duration
	now      func() time.Time
}

func NewWatchdog(sessions mailboxdomain.SessionSource, cache kvcache.Store[Status], ttl time.Duration) *Watchdog {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Watchdog{
		sessions: sessions,
		cache:    cache,
		ttl:      ttl,
		now:      time.Now,
	}
}

func cacheKey(userID string, provider mailboxdomain.ProviderType) string {
	return userID + ":" + string(provider)
}

// CheckHealth returns the cached status or pings the provider. Failures are cached too, so a
// dead mailbox is not hammered by every caller within the TTL.
func (w *Watchdog) CheckHealth(ctx context.Context, userID string, provider mailboxdomain.ProviderType) Status {
	key := cacheKey(userID, provider)
	if st, ok := w.cache.Get(key); ok {
		return st
	}

	start := w.now()
	st := Status{Healthy: true}
	err := w.ping(ctx, userID)
	st.ResponseTimeMs = w.now().Sub(start).Milliseconds()
	st.CheckedAt = w.now()
	if err != nil {
		st.Healthy = false
		st.ErrorMessage = err.Error()
		st.RequiresReauth = mailboxdomain.IsCredential(err)
		logrus.WithFields(logrus.Fields{
			"userID":   userID,
			"provider": provider,
		}).WithError(err).Warn("[Health] Ping failed")
	}

	w.cache.Set(key, st, w.ttl)
	return st
}

func (w *Watchdog) ping(ctx context.Context, userID string) error {
	sess, err := w.sessions.Open(ctx, userID)
	if err != nil {
		return err
	}
	return sess.Ping(ctx)
}

// PreFlightHealthCheck classifies a failed check as needing re-authentication or a later retry.
func (w *Watchdog) PreFlightHealthCheck(ctx context.Context, userID string, provider mailboxdomain.ProviderType) PreFlight {
	st := w.CheckHealth(ctx, userID, provider)
	switch {
	case st.Healthy:
		return PreFlight{Status: st, Verdict: VerdictOK}
	case st.RequiresReauth:
		return PreFlight{Status: st, Verdict: VerdictRequiresReauth}
	default:
		return PreFlight{Status: st, Verdict: VerdictRetryLater}
	}
}

// Invalidate drops the cached status, e.g. after a credential refresh.
func (w *Watchdog) Invalidate(userID string, provider mailboxdomain.ProviderType) {
	w.cache.Delete(cacheKey(userID, provider))
}
