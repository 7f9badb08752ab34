package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/metrics"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// DefaultSignatureHeader carries the webhook HMAC when none is configured.
const DefaultSignatureHeader = "X-Sitemap-Signature"

// Config tunes delivery.
type Config struct {
	// Secret signs webhooks whose channel has no secret of its own.
	Secret          string
	SignatureHeader string
	Timeout         time.Duration
	// Topic receives email and slack dispatch intents when a publisher is set.
	Topic     string
	UserAgent string
}

// Intent is the message published for channels whose transport lives elsewhere.
type Intent struct {
	Channel monitor.ChannelType `json:"channel"`
	Target  string              `json:"target"`
	Event   Event               `json:"event"`
}

type target struct {
	kind   monitor.ChannelType
	addr   string
	secret string
	origin string
}

// Dispatcher delivers events to every channel configured for a site.
type Dispatcher struct {
	store     monitor.ChannelStore
	client    *http.Client
	publisher monitor.Publisher
	cfg       Config
	logger    *zap.Logger
}

// NewDispatcher wires a Dispatcher. publisher may be nil.
func NewDispatcher(store monitor.ChannelStore, publisher monitor.Publisher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("notify"),
	}
}

// Dispatch delivers ev to the site's channels. Failures are logged and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, siteID string, ev Event) {
	logger := d.logger.With(zap.String("site_id", siteID), zap.String("event", ev.Type), zap.String("scan_id", ev.ScanID))

	targets, err := d.targets(ctx, siteID)
	if err != nil {
		logger.Warn("load notification channels failed", zap.Error(err))
		metrics.ObserveNotification("all", "load_failed")
		return
	}
	if len(targets) == 0 {
		logger.Debug("no notification channels configured; dropping event")
		metrics.ObserveNotification("none", "dropped")
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("encode notification failed", zap.Error(err))
		return
	}

	for _, t := range targets {
		switch t.kind {
		case monitor.ChannelWebhook:
			if err := d.deliverWebhook(ctx, t, ev.Type, body); err != nil {
				logger.Warn("webhook delivery failed",
					zap.String("target", t.addr),
					zap.String("origin", t.origin),
					zap.Error(err),
				)
				metrics.ObserveNotification(string(t.kind), "failed")
				continue
			}
			metrics.ObserveNotification(string(t.kind), "delivered")
		case monitor.ChannelEmail, monitor.ChannelSlack:
			d.dispatchIntent(ctx, t, ev, logger)
		default:
			logger.Warn("unknown notification channel type", zap.String("type", string(t.kind)))
			metrics.ObserveNotification(string(t.kind), "unsupported")
		}
	}
}

// targets merges channel rows and legacy webhook rows into one list.
func (d *Dispatcher) targets(ctx context.Context, siteID string) ([]target, error) {
	channels, err := d.store.ListNotificationChannels(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("list notification channels: %w", err)
	}
	hooks, err := d.store.ListLegacyWebhooks(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("list legacy webhooks: %w", err)
	}
	out := make([]target, 0, len(channels)+len(hooks))
	for _, c := range channels {
		out = append(out, target{kind: c.Type, addr: c.Target, secret: c.Secret, origin: "channel"})
	}
	for _, h := range hooks {
		out = append(out, target{kind: monitor.ChannelWebhook, addr: h.URL, secret: h.Secret, origin: "legacy"})
	}
	return out, nil
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, t target, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.addr, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sitemap-Event", eventType)
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	secret := t.secret
	if secret == "" {
		secret = d.cfg.Secret
	}
	if secret != "" {
		req.Header.Set(d.cfg.SignatureHeader, Sign(secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Debug("failed to close webhook response body", zap.Error(cerr))
		}
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) dispatchIntent(ctx context.Context, t target, ev Event, logger *zap.Logger) {
	logger.Info("notification dispatch intent",
		zap.String("channel", string(t.kind)),
		zap.String("target", t.addr),
	)
	if d.publisher == nil || d.cfg.Topic == "" {
		metrics.ObserveNotification(string(t.kind), "logged")
		return
	}
	id, err := d.publisher.Publish(ctx, d.cfg.Topic, Intent{Channel: t.kind, Target: t.addr, Event: ev})
	if err != nil {
		logger.Warn("publish dispatch intent failed", zap.String("channel", string(t.kind)), zap.Error(err))
		metrics.ObserveNotification(string(t.kind), "failed")
		return
	}
	logger.Debug("dispatch intent published", zap.String("message_id", id))
	metrics.ObserveNotification(string(t.kind), "published")
}
