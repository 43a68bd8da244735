package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ferry/internal/config"
	"ferry/internal/logging"
	"ferry/internal/metrics"
)

const (
	userAgent    = "ferry/1"
	alertBacklog = 16
)

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

// Notifier delivers alerts to an ntfy topic.
type Notifier struct {
	metrics.Nop

	endpoint string
	vehicle  string
	client   *http.Client
	logger   *slog.Logger
	limiter  *rate.Limiter
	alerts   chan payload
}

// New returns a Notifier for cfg, or nil when no topic is configured.
func New(cfg *config.Config, logger *slog.Logger) *Notifier {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return nil
	}
	timeout := cfg.NotifyTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if interval := cfg.NotifyInterval(); interval > 0 {
		limit = rate.Every(interval)
	}
	return &Notifier{
		endpoint: topic,
		vehicle:  cfg.Vehicle.ID,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(logger, "notifications"),
		limiter:  rate.NewLimiter(limit, 1),
		alerts:   make(chan payload, alertBacklog),
	}
}

// UploadFailed alerts when a file leaves the queue without being uploaded.
func (n *Notifier) UploadFailed(e metrics.UploadEvent) {
	if !e.Terminal {
		return
	}
	msg := fmt.Sprintf("%s: %s was dropped after %d attempt(s) (%s)", n.vehicle, e.Path, e.Attempts, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	n.enqueue(payload{
		title:    "Ferry - Upload Dropped",
		message:  msg,
		tags:     []string{"ferry", "upload", "failed"},
		priority: "high",
	})
}

// EmergencyTriggered alerts on every emergency cleanup.
func (n *Notifier) EmergencyTriggered(e metrics.EmergencyEvent) {
	data := payload{
		title: "Ferry - Emergency Cleanup",
		message: fmt.Sprintf("%s: disk usage %.1f%% reached the %.1f%% threshold; %.1f%% after cleanup",
			n.vehicle, e.UsagePercent, e.ThresholdPercent, e.UsageAfter),
		tags:     []string{"ferry", "disk", "emergency"},
		priority: "high",
	}
	if !e.Resolved {
		data.message += " (still above threshold)"
		data.priority = "urgent"
	}
	n.enqueue(data)
}

func (n *Notifier) enqueue(data payload) {
	select {
	case n.alerts <- data:
	default:
		n.logger.Warn("alert backlog full; alert dropped",
			logging.String(logging.FieldEventType, "notification_dropped"),
			logging.String("title", data.title),
		)
	}
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-n.alerts:
			if !n.limiter.Allow() {
				n.logger.Info("alert suppressed by rate limit",
					logging.String(logging.FieldEventType, "notification_suppressed"),
					logging.String("title", data.title),
				)
				continue
			}
			if err := n.send(ctx, data); err != nil {
				logging.WarnWithContext(n.logger, "alert delivery failed", "notification_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network access"),
					logging.String(logging.FieldImpact, "operator was not alerted"),
				)
			}
		}
	}
}

// Test sends a test alert synchronously.
func (n *Notifier) Test(ctx context.Context) error {
	return n.send(ctx, payload{
		title:   "Ferry - Test",
		message: fmt.Sprintf("%s: test notification", n.vehicle),
		tags:    []string{"ferry", "test"},
	})
}

func (n *Notifier) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
