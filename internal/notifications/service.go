package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bmh/internal/config"
)

const userAgent = "BMH-CommsManager/1.0"

// Service defines the notification surface exposed to the comms manager.
type Service interface {
	NotifySilenceAlarm(ctx context.Context, group string, silentFor time.Duration, repeat bool) error
	NotifySilenceCleared(ctx context.Context, group string) error
	NotifyProcessExited(ctx context.Context, group string, err error) error
	NotifyLaunchFailed(ctx context.Context, group string, err error) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:      topic,
		client:        &http.Client{Timeout: timeout},
		silenceAlarms: cfg.Notifications.SilenceAlarms,
		processErrors: cfg.Notifications.ProcessErrors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint      string
	client        *http.Client
	silenceAlarms bool
	processErrors bool
}

func (n *ntfyService) NotifySilenceAlarm(ctx context.Context, group string, silentFor time.Duration, repeat bool) error {
	if !n.silenceAlarms {
		return nil
	}
	group = strings.TrimSpace(group)
	silentFor = silentFor.Round(time.Second)
	if silentFor < 0 {
		silentFor = 0
	}
	title := "BMH - Dead Air"
	if repeat {
		title = "BMH - Dead Air (ongoing)"
	}
	data := payload{
		title:    title,
		message:  fmt.Sprintf("🔇 Transmitter %s silent for %s", group, silentFor),
		tags:     []string{"bmh", "silence", "alarm"},
		priority: "urgent",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifySilenceCleared(ctx context.Context, group string) error {
	if !n.silenceAlarms {
		return nil
	}
	data := payload{
		title:   "BMH - Audio Restored",
		message: fmt.Sprintf("🔊 Transmitter %s is broadcasting again", strings.TrimSpace(group)),
		tags:    []string{"bmh", "silence", "cleared"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyProcessExited(ctx context.Context, group string, err error) error {
	if !n.processErrors {
		return nil
	}
	data := payload{
		title:    "BMH - DAC Transmit Exited",
		message:  describe("⚠️ DAC transmit for "+strings.TrimSpace(group)+" exited", err),
		tags:     []string{"bmh", "dactransmit", "exited"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyLaunchFailed(ctx context.Context, group string, err error) error {
	if !n.processErrors {
		return nil
	}
	data := payload{
		title:    "BMH - Launch Failed",
		message:  describe("❌ Could not start DAC transmit for "+strings.TrimSpace(group), err),
		tags:     []string{"bmh", "dactransmit", "error"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "BMH - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"bmh", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func describe(prefix string, err error) string {
	if err == nil {
		return prefix
	}
	return prefix + ": " + strings.TrimSpace(err.Error())
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

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
	if data.priority != "" && data.priority != "default" {
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

type noopService struct{}

func (noopService) NotifySilenceAlarm(context.Context, string, time.Duration, bool) error { return nil }
func (noopService) NotifySilenceCleared(context.Context, string) error                   { return nil }
func (noopService) NotifyProcessExited(context.Context, string, error) error             { return nil }
func (noopService) NotifyLaunchFailed(context.Context, string, error) error              { return nil }
func (noopService) TestNotification(context.Context) error                              { return nil }
