package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/util"
)

// MessageProducer is the slice of the Kafka client the notifier needs.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// EmailMessage is the payload handed to the mailer service.
type EmailMessage struct {
	To        string            `json:"to"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables"`
	Priority  string            `json:"priority"`
	SentAt    time.Time         `json:"sent_at"`
}

// NotificationMessage fans out to in-app and push channels.
type NotificationMessage struct {
	AccountID string            `json:"account_id"`
	Kind      string            `json:"kind"`
	Variables map[string]string `json:"variables"`
	SentAt    time.Time         `json:"sent_at"`
}

// SecurityAlertMessage feeds the security review queue.
type SecurityAlertMessage struct {
	AccountID string    `json:"account_id"`
	Alert     string    `json:"alert"`
	IP        string    `json:"ip"`
	Device    string    `json:"device"`
	Detail    string    `json:"detail"`
	SentAt    time.Time `json:"sent_at"`
}

// Notifier publishes outbound messages for the collaborating services.
// Email delivery, rendering and retry live on the consumer side; this
// service only guarantees the publish.
type Notifier struct {
	producer MessageProducer
	cfg      *config.KafkaConfig
}

func NewNotifier(producer *client.KafkaProducer, cfg *config.KafkaConfig) *Notifier {
	return &Notifier{
		producer: producer,
		cfg:      cfg,
	}
}

// NewNotifierWithProducer wires an alternative producer, used by tests.
func NewNotifierWithProducer(producer MessageProducer, cfg *config.KafkaConfig) *Notifier {
	return &Notifier{
		producer: producer,
		cfg:      cfg,
	}
}

// SendEmail publishes an email job. The recipient address rides only in
// the message payload, never in the Kafka key, so partitioning does not
// leak PII into broker tooling.
func (n *Notifier) SendEmail(ctx context.Context, accountID, to, template string, variables map[string]string, priority string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := EmailMessage{
		To:        to,
		Template:  template,
		Variables: variables,
		Priority:  priority,
		SentAt:    time.Now().UTC(),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal email message: %w", err)
	}

	headers := map[string]string{"template": template, "priority": priority}
	if err := n.producer.ProduceMessage(ctx, n.cfg.EmailTopic, []byte(accountID), value, headers); err != nil {
		util.Error("Failed to publish email message",
			zap.String("template", template),
			zap.String("to", util.MaskEmail(to)),
			zap.Error(err))
		return fmt.Errorf("failed to publish email message: %w", err)
	}

	util.Debug("Email message published",
		zap.String("template", template),
		zap.String("to", util.MaskEmail(to)))
	return nil
}

// SendNotification publishes an in-app notification job.
func (n *Notifier) SendNotification(ctx context.Context, accountID, kind string, variables map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := NotificationMessage{
		AccountID: accountID,
		Kind:      kind,
		Variables: variables,
		SentAt:    time.Now().UTC(),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := n.producer.ProduceMessage(ctx, n.cfg.NotificationTopic, []byte(accountID), value, nil); err != nil {
		util.Error("Failed to publish notification",
			zap.String("kind", kind),
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// RequestImageCleanup asks the media service to delete an uploaded
// image no account ended up referencing. Keyed by the image id because
// the failed registration has no account id.
func (n *Notifier) RequestImageCleanup(ctx context.Context, publicID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := NotificationMessage{
		Kind:      "delete_image",
		Variables: map[string]string{"publicId": publicID},
		SentAt:    time.Now().UTC(),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal image cleanup: %w", err)
	}

	if err := n.producer.ProduceMessage(ctx, n.cfg.NotificationTopic, []byte(publicID), value, nil); err != nil {
		util.Error("Failed to publish image cleanup",
			zap.String("public_id", publicID),
			zap.Error(err))
		return fmt.Errorf("failed to publish image cleanup: %w", err)
	}
	return nil
}

// SendSecurityAlert publishes a high-priority alert for the security
// review queue.
func (n *Notifier) SendSecurityAlert(ctx context.Context, alert SecurityAlertMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	alert.SentAt = time.Now().UTC()

	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal security alert: %w", err)
	}

	headers := map[string]string{"alert": alert.Alert}
	if err := n.producer.ProduceMessage(ctx, n.cfg.SecurityTopic, []byte(alert.AccountID), value, headers); err != nil {
		util.Error("Failed to publish security alert",
			zap.String("alert", alert.Alert),
			zap.String("account_id", alert.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to publish security alert: %w", err)
	}

	util.Info("Security alert published",
		zap.String("alert", alert.Alert),
		zap.String("account_id", alert.AccountID))
	return nil
}
