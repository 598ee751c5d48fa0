package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	"replywatch-backend/pkg/taskqueue"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GmailNotification is the payload Gmail publishes on the watch topic.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// UserFinder resolves the mailbox owner named in a notification.
type UserFinder interface {
	FindByEmail(email string) (*authdomain.User, error)
}

// PushTracker is told how push-triggered work went for each user.
type PushTracker interface {
	RecordPushSuccess(userID string)
	RecordPushFailure(userID string, err error)
}

// SyncFunc runs the incremental sync for one user.
type SyncFunc func(ctx context.Context, userID string) error

// Enqueuer schedules background work.
type Enqueuer interface {
	Enqueue(task taskqueue.Task) error
}

// Service consumes Gmail push notifications and turns each into a per-user sync task.
type Service struct {
	pubsubClient *pubsub.Client
	users        UserFinder
	tasks        Enqueuer
	syncUser     SyncFunc
	tracker      PushTracker
	topicName    string
	subName      string
	syncTimeout  time.Duration

	// lastHistoryID drops notifications older than one already handled for the user.
	mu            sync.Mutex
	lastHistoryID map[string]uint64
}

// NewPubSubClient connects to Pub/Sub, with an explicit credentials file when given.
func NewPubSubClient(ctx context.Context, projectID, credentialsFile string) (*pubsub.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return client, nil
}

func NewService(client *pubsub.Client, topicName string, users UserFinder, tasks Enqueuer, syncUser SyncFunc, tracker PushTracker) *Service {
	s := newHandler(users, tasks, syncUser, tracker)
	s.pubsubClient = client
	s.topicName = topicName
	s.subName = topicName + "-sub" // Convention: topic-sub
	return s
}

func newHandler(users UserFinder, tasks Enqueuer, syncUser SyncFunc, tracker PushTracker) *Service {
	return &Service{
		users:         users,
		tasks:         tasks,
		syncUser:      syncUser,
		tracker:       tracker,
		syncTimeout:   2 * time.Minute,
		lastHistoryID: make(map[string]uint64),
	}
}

// Start blocks receiving messages until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	logrus.Infof("[PubSub] Starting notification service with topic: %s, subscription: %s", s.topicName, s.subName)

	sub, err := s.ensureSubscription(ctx)
	if err != nil {
		return err
	}

	logrus.Infof("[PubSub] Listening for messages on subscription: %s", s.subName)
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		s.handleMessage(msg.Data)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

func (s *Service) ensureSubscription(ctx context.Context) (*pubsub.Subscription, error) {
	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", s.subName, err)
	}
	if exists {
		return sub, nil
	}

	topic := s.pubsubClient.Topic(s.topicName)
	topicExists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", s.topicName, err)
	}
	if !topicExists {
		return nil, fmt.Errorf("topic %s does not exist", s.topicName)
	}

	sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", s.subName, err)
	}
	logrus.Infof("[PubSub] Created subscription: %s", s.subName)
	return sub, nil
}

// Close releases the Pub/Sub client.
func (s *Service) Close() error {
	if s.pubsubClient == nil {
		return nil
	}
	return s.pubsubClient.Close()
}

// handleMessage always lets the caller ack: a malformed or unknown notification will not get
// better on redelivery, and missed pushes are covered by the sweep.
func (s *Service) handleMessage(data []byte) {
	var notification GmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		logrus.WithError(err).Warn("[PubSub] Failed to unmarshal notification")
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"email":     notification.EmailAddress,
		"historyId": notification.HistoryID,
	})

	user, err := s.users.FindByEmail(notification.EmailAddress)
	if err != nil {
		log.WithError(err).Error("[PubSub] Error finding user by email")
		return
	}
	if user == nil || !user.Active {
		log.Debug("[PubSub] No active user for notification")
		return
	}

	if !s.advance(user.ID, notification.HistoryID) {
		log.Debug("[PubSub] Skipping duplicate notification")
		return
	}

	userID := user.ID
	err = s.tasks.Enqueue(taskqueue.Task{
		Name:    "push-sync",
		Key:     "sync:" + userID,
		Timeout: s.syncTimeout,
		Run: func(ctx context.Context) error {
			if err := s.syncUser(ctx, userID); err != nil {
				s.tracker.RecordPushFailure(userID, err)
				return err
			}
			s.tracker.RecordPushSuccess(userID)
			return nil
		},
	})
	if err != nil {
		log.WithError(err).Warn("[PubSub] Failed to enqueue sync")
		s.tracker.RecordPushFailure(userID, err)
	}
}

func (s *Service) advance(userID string, historyID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastHistoryID[userID]; ok && historyID <= last {
		return false
	}
	s.lastHistoryID[userID] = historyID
	return true
}
