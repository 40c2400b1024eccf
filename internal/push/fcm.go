package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/marketchat/server/internal/model"
	"google.golang.org/api/option"
)

type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender sends notifications through Firebase Cloud Messaging.
type FCMSender struct {
	client fcmClient
}

// NewFCMSender initialises a firebase app from a service account JSON document.
func NewFCMSender(ctx context.Context, credentialsJSON string) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsJSON([]byte(credentialsJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase messaging: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, n Notification) error {
	if _, err := s.client.Send(ctx, fcmMessage(n)); err != nil {
		return fmt.Errorf("%w: fcm: %v", model.ErrTransportFailure, err)
	}
	return nil
}

func fcmMessage(n Notification) *messaging.Message {
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	return &messaging.Message{
		Token: n.Token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data:    data,
		Android: &messaging.AndroidConfig{Priority: "high"},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
		},
	}
}
