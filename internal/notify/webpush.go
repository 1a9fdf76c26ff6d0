package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"kampus/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"
)

const (
	previewLength = 120
	parallelSends = 8
)

type SubscriptionStore interface {
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	PublicKey  string
	PrivateKey string
	// Subject is the VAPID contact, a mailto: or https: URL.
	Subject string
	// TTL is how long the push service keeps an undelivered notification, in seconds.
	TTL int
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient webpush.HTTPClient
}

func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// Payload is what the service worker receives.
type Payload struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	ChatID string `json:"chatId"`
}

// WebPush notifies users without a live connection through the Web Push
// subscriptions their browsers registered.
type WebPush struct {
	log   *slog.Logger
	store SubscriptionStore
	cfg   Config
}

func New(log *slog.Logger, store SubscriptionStore, cfg Config) *WebPush {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * 60 * 60
	}
	return &WebPush{log: log, store: store, cfg: cfg}
}

// NotifyOffline sends a preview of msg to every subscription of userID.
// Subscriptions the push service reports as gone are deleted.
func (w *WebPush) NotifyOffline(ctx context.Context, userID string, msg models.Message) error {
	subs, err := w.store.ListPushSubscriptions(userID)
	if err != nil {
		return fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(Payload{
		Title:  msg.SenderID,
		Body:   preview(msg),
		ChatID: msg.ChatID,
	})
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(parallelSends)
	for _, sub := range subs {
		g.Go(func() error {
			return w.send(ctx, sub, payload)
		})
	}
	return g.Wait()
}

func (w *WebPush) send(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      w.cfg.HTTPClient,
		Subscriber:      w.cfg.Subject,
		VAPIDPublicKey:  w.cfg.PublicKey,
		VAPIDPrivateKey: w.cfg.PrivateKey,
		TTL:             w.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("push to %s: %w", sub.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		w.log.Info("removing expired push subscription", "user_id", sub.UserID, "endpoint", sub.Endpoint)
		return w.store.DeletePushSubscription(sub.UserID, sub.Endpoint)
	case resp.StatusCode >= 400:
		return fmt.Errorf("push to %s: status %d", sub.Endpoint, resp.StatusCode)
	}
	return nil
}

func preview(msg models.Message) string {
	switch msg.Kind {
	case models.MessageKindVoice:
		return "Voice message"
	case models.MessageKindFile:
		if msg.FileName != "" {
			return "File: " + msg.FileName
		}
		return "File"
	}
	if utf8.RuneCountInString(msg.Body) <= previewLength {
		return msg.Body
	}
	return string([]rune(msg.Body)[:previewLength]) + "…"
}
