package notification

import (
	"context"
	"fmt"
	"time"

	authrepo "replywatch-backend/internal/auth/repository"
	"replywatch-backend/pkg/fcm"
	"replywatch-backend/pkg/kvcache"

	"github.com/sirupsen/logrus"
)

type AlertType string

const (
	AlertSyncStale          AlertType = "sync_stale"
	AlertCredentialsInvalid AlertType = "credentials_invalid"
	AlertPushFailing        AlertType = "push_failing"
)

var alertTitles = map[AlertType]string{
	AlertSyncStale:          "Reply tracking is behind",
	AlertCredentialsInvalid: "Reconnect your mailbox",
	AlertPushFailing:        "Live reply updates paused",
}

// Notifier delivers a message to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, data fcm.NotificationData) error
}

// AlertService sends user alerts at most once per cooldown for each (user, alert type).
type AlertService struct {
	notifier  Notifier
	cooldowns kvcache.Store[time.Time]
	cooldown  time.Duration
	now       func() time.Time
}

func NewAlertService(notifier Notifier, cooldowns kvcache.Store[time.Time], cooldown time.Duration) *AlertService {
	if cooldown <= 0 {
		cooldown = 6 * time.Hour
	}
	return &AlertService{notifier: notifier, cooldowns: cooldowns, cooldown: cooldown, now: time.Now}
}

// Raise reports whether the alert was delivered. A suppressed alert returns false, nil. The
// cooldown starts only after a successful delivery so a failed send is retried on the next check.
func (s *AlertService) Raise(ctx context.Context, userID string, alert AlertType, message string) (bool, error) {
	key := userID + ":" + string(alert)
	if last, ok := s.cooldowns.Get(key); ok {
		logrus.WithFields(logrus.Fields{
			"userID": userID,
			"alert":  alert,
		}).Debugf("[Alert] Suppressed, last sent %s ago", s.now().Sub(last).Round(time.Second))
		return false, nil
	}

	title, ok := alertTitles[alert]
	if !ok {
		return false, fmt.Errorf("unknown alert type %q", alert)
	}
	err := s.notifier.Notify(ctx, userID, fcm.NotificationData{
		Title: title,
		Body:  message,
		Data:  map[string]string{"type": string(alert), "user_id": userID},
	})
	if err != nil {
		return false, fmt.Errorf("deliver %s alert: %w", alert, err)
	}

	s.cooldowns.Set(key, s.now(), s.cooldown)
	logrus.WithFields(logrus.Fields{"userID": userID, "alert": alert}).Info("[Alert] Sent")
	return true, nil
}

// Clear lifts the cooldown, e.g. once the condition has recovered.
func (s *AlertService) Clear(userID string, alert AlertType) {
	s.cooldowns.Delete(userID + ":" + string(alert))
}

// Sender is the FCM multicast call.
type Sender interface {
	SendToDevices(ctx context.Context, tokens []string, notification fcm.NotificationData) ([]string, error)
}

// PushNotifier sends through FCM to every registered device and forgets tokens FCM rejects.
// Users without devices get a log line instead.
type PushNotifier struct {
	sender Sender
	tokens authrepo.FCMTokenRepository
}

func NewPushNotifier(sender Sender, tokens authrepo.FCMTokenRepository) *PushNotifier {
	return &PushNotifier{sender: sender, tokens: tokens}
}

func (n *PushNotifier) Notify(ctx context.Context, userID string, data fcm.NotificationData) error {
	rows, err := n.tokens.GetTokensByUserID(userID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(rows) == 0 {
		return LogNotifier{}.Notify(ctx, userID, data)
	}

	tokens := make([]string, 0, len(rows))
	for _, t := range rows {
		tokens = append(tokens, t.Token)
	}
	stale, err := n.sender.SendToDevices(ctx, tokens, data)
	if len(stale) > 0 {
		logrus.WithField("userID", userID).Infof("[FCM] Cleaning up %d stale token(s)", len(stale))
		if delErr := n.tokens.DeleteTokens(stale); delErr != nil {
			logrus.WithField("userID", userID).WithError(delErr).Warn("[FCM] Failed to delete stale tokens")
		}
	}
	if err != nil {
		return err
	}
	if len(stale) == len(tokens) {
		return LogNotifier{}.Notify(ctx, userID, data)
	}
	return nil
}

// LogNotifier writes alerts to the log. Used when FCM is not configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, userID string, data fcm.NotificationData) error {
	logrus.WithFields(logrus.Fields{
		"userID": userID,
		"type":   data.Data["type"],
	}).Warnf("[Alert] %s: %s", data.Title, data.Body)
	return nil
}
