// Package notify reports lifecycle events over email and webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/biz"
)

// Notifier implements biz.Notifier. Delivery failures are logged and
// swallowed; notifications never block the pipeline.
type Notifier struct {
	cfg    conf.NotificationConfig
	client *http.Client
	log    *logger.Logger
}

func New(cfg conf.NotificationConfig, log *logger.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// NotifyMoved reports a completed move.
func (n *Notifier) NotifyMoved(ctx context.Context, u *biz.Upload, destination string) {
	subject := fmt.Sprintf("Book moved: %s", u.OriginalFilename)
	body := fmt.Sprintf("The upload %s (%s) was moved to the library.\n\nDestination: %s\nHash: %s\n",
		u.OriginalFilename, u.UUID, destination, u.ContentHash)

	n.sendEmail(subject, body)
	n.sendWebhook(ctx, map[string]interface{}{
		"event":       "moved",
		"uuid":        u.UUID,
		"filename":    u.OriginalFilename,
		"destination": destination,
		"file_hash":   u.ContentHash,
	})
}

// NotifyInfected reports a malicious scan verdict.
func (n *Notifier) NotifyInfected(ctx context.Context, u *biz.Upload) {
	subject := fmt.Sprintf("Infected upload detected: %s", u.OriginalFilename)
	body := fmt.Sprintf("The upload %s (%s) was flagged as infected and will not be moved.\n\nHash: %s\nUploaded by: %s\n",
		u.OriginalFilename, u.UUID, u.ContentHash, u.UploadedBy)

	n.sendEmail(subject, body)
	n.sendWebhook(ctx, map[string]interface{}{
		"event":       "infected",
		"uuid":        u.UUID,
		"filename":    u.OriginalFilename,
		"file_hash":   u.ContentHash,
		"uploaded_by": u.UploadedBy,
	})
}

func (n *Notifier) sendEmail(subject, body string) {
	if !n.cfg.EmailEnabled || len(n.cfg.EmailRecipients) == 0 {
		return
	}

	msg := mail.NewMsg()
	if err := msg.From(n.cfg.EmailFrom); err != nil {
		n.log.Error("invalid notification sender address", zap.Error(err))
		return
	}
	if err := msg.To(n.cfg.EmailRecipients...); err != nil {
		n.log.Error("invalid notification recipient address", zap.Error(err))
		return
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{mail.WithPort(n.cfg.SMTPPort)}
	if n.cfg.SMTPUsername != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.SMTPUsername),
			mail.WithPassword(n.cfg.SMTPPassword))
	}

	client, err := mail.NewClient(n.cfg.SMTPHost, opts...)
	if err != nil {
		n.log.Error("failed to create mail client", zap.Error(err))
		return
	}

	if err := client.DialAndSend(msg); err != nil {
		n.log.Error("failed to send notification email",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	n.log.Info("notification email sent", zap.String("subject", subject))
}

func (n *Notifier) sendWebhook(ctx context.Context, payload map[string]interface{}) {
	if !n.cfg.WebhookEnabled || n.cfg.WebhookURL == "" {
		return
	}

	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(raw))
	if err != nil {
		n.log.Error("failed to build webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Error("failed to deliver webhook", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Warn("webhook endpoint rejected notification",
			zap.Int("status_code", resp.StatusCode))
		return
	}
	n.log.Info("webhook notification delivered",
		zap.String("event", fmt.Sprint(payload["event"])))
}
