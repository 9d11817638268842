package pushnotification

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/kazz187/specguild/internal/config"
	"github.com/kazz187/specguild/internal/pushsubscription"
)

type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

type sendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

type Sender struct {
	vapid *config.VAPIDEnv
	repo  pushsubscription.Repository
	send  sendFunc
}

func NewSender(vapid *config.VAPIDEnv, repo pushsubscription.Repository) *Sender {
	return &Sender{vapid: vapid, repo: repo, send: webpush.SendNotification}
}

// SendToAll delivers payload to every subscription. Subscriptions the push
// service reports as gone are removed.
func (s *Sender) SendToAll(ctx context.Context, payload *NotificationPayload) {
	if !s.vapid.PushEnabled() {
		return
	}
	subs, err := s.repo.List(ctx)
	if err != nil {
		slog.Error("push notification: failed to list subscriptions", "error", err)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("push notification: failed to marshal payload", "error", err)
		return
	}
	for _, sub := range subs {
		s.sendTo(ctx, sub, data)
	}
}

func (s *Sender) sendTo(ctx context.Context, sub *pushsubscription.Subscription, data []byte) {
	resp, err := s.send(data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  s.vapid.VAPIDPublicKey,
		VAPIDPrivateKey: s.vapid.VAPIDPrivateKey,
		Subscriber:      s.vapid.VAPIDContact,
		TTL:             86400,
	})
	if err != nil {
		slog.Error("push notification: failed to send", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		slog.Info("push notification: subscription expired, removing", "endpoint", sub.Endpoint)
		if err := s.repo.Delete(ctx, sub.Endpoint); err != nil {
			slog.Error("push notification: failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
	case resp.StatusCode >= 400:
		slog.Warn("push notification: unexpected status", "endpoint", sub.Endpoint, "status", resp.StatusCode)
	}
}
