package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/config"
	"ferry/internal/logging"
	"ferry/internal/metrics"
	"ferry/internal/notifications"
	"ferry/internal/testsupport"
)

type captured struct {
	title    string
	tags     string
	priority string
	body     string
}

type topic struct {
	mu       sync.Mutex
	requests []captured
	status   int
}

func (tp *topic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	tp.mu.Lock()
	tp.requests = append(tp.requests, captured{
		title:    r.Header.Get("Title"),
		tags:     r.Header.Get("Tags"),
		priority: r.Header.Get("Priority"),
		body:     string(body),
	})
	status := tp.status
	tp.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (tp *topic) received() []captured {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]captured(nil), tp.requests...)
}

func newNotifier(t *testing.T, url string, interval int) *notifications.Notifier {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithConfig(func(c *config.Config) {
		c.Notifications.NtfyTopic = url
		c.Notifications.MinIntervalSeconds = interval
	}))
	n := notifications.New(cfg, logging.NewNop())
	require.NotNil(t, n)
	return n
}

func TestNewWithoutTopicIsNil(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	assert.Nil(t, notifications.New(cfg, logging.NewNop()))
}

func TestAlertsOnTerminalFailureAndEmergency(t *testing.T) {
	tp := &topic{}
	srv := httptest.NewServer(tp)
	defer srv.Close()

	n := newNotifier(t, srv.URL, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	var sink metrics.Sink = n
	sink.UploadFailed(metrics.UploadEvent{Path: "/logs/can.log.1", Attempts: 2, Reason: metrics.ReasonRetryable, Err: errors.New("timeout")})
	sink.UploadSucceeded(metrics.UploadEvent{Path: "/logs/can.log.2"})
	sink.UploadFailed(metrics.UploadEvent{Path: "/logs/can.log.3", Attempts: 10, Terminal: true, Reason: metrics.ReasonExhausted, Err: errors.New("503")})
	sink.EmergencyTriggered(metrics.EmergencyEvent{UsagePercent: 97, ThresholdPercent: 90, UsageAfter: 93})

	require.Eventually(t, func() bool { return len(tp.received()) == 2 }, 3*time.Second, 10*time.Millisecond)
	got := tp.received()

	assert.Equal(t, "Ferry - Upload Dropped", got[0].title)
	assert.Equal(t, "high", got[0].priority)
	assert.Contains(t, got[0].body, "test-vehicle: /logs/can.log.3 was dropped after 10 attempt(s) (exhausted): 503")

	assert.Equal(t, "Ferry - Emergency Cleanup", got[1].title)
	assert.Equal(t, "urgent", got[1].priority)
	assert.Equal(t, "ferry,disk,emergency", got[1].tags)
	assert.Contains(t, got[1].body, "still above threshold")
}

func TestAlertsAreRateLimited(t *testing.T) {
	tp := &topic{}
	srv := httptest.NewServer(tp)
	defer srv.Close()

	n := newNotifier(t, srv.URL, 3600)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = n.Run(ctx); close(done) }()

	for range 3 {
		n.EmergencyTriggered(metrics.EmergencyEvent{UsagePercent: 95, ThresholdPercent: 90, UsageAfter: 80, Resolved: true})
	}
	require.Eventually(t, func() bool { return len(tp.received()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, tp.received(), 1)

	cancel()
	<-done
}

func TestSendReportsServerErrors(t *testing.T) {
	tp := &topic{status: http.StatusForbidden}
	srv := httptest.NewServer(tp)
	defer srv.Close()

	n := newNotifier(t, srv.URL, 0)
	err := n.Test(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ntfy returned 403")
	assert.Equal(t, "Ferry - Test", tp.received()[0].title)
}
