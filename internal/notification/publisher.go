package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	replyusecase "replywatch-backend/internal/reply/usecase"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

// ReplyPublisher publishes confirmed replies to a Pub/Sub topic so the follow-up engine can stop
// a sequence without polling the reply flag.
type ReplyPublisher struct {
	topic *pubsub.Topic
}

func NewReplyPublisher(client *pubsub.Client, topicName string) *ReplyPublisher {
	return &ReplyPublisher{topic: client.Topic(topicName)}
}

func encodeReplyEvent(event replyusecase.ReplyEvent) (*pubsub.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event":           "reply_confirmed",
			"user_id":         event.UserID,
			"sent_message_id": event.SentMessageID,
			"received_unix":   strconv.FormatInt(event.ReceivedAt.Unix(), 10),
		},
	}, nil
}

// ReplyConfirmed blocks until the server acknowledges the event.
func (p *ReplyPublisher) ReplyConfirmed(ctx context.Context, event replyusecase.ReplyEvent) error {
	msg, err := encodeReplyEvent(event)
	if err != nil {
		return err
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish reply event: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"sentMessageID": event.SentMessageID,
		"serverID":      id,
	}).Debug("[PubSub] Reply event published")
	return nil
}

// Stop flushes pending publishes.
func (p *ReplyPublisher) Stop() {
	p.topic.Stop()
}
