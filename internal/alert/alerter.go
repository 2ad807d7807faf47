package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trimitri/jokarus/internal/metrics"
)

// AlertType categorizes the kind of annunciation.
type AlertType string

const (
	AlertTypeDowngrade       AlertType = "DOWNGRADE"
	AlertTypeLockAbandoned   AlertType = "LOCK_ABANDONED"
	AlertTypeShutdown        AlertType = "SHUTDOWN"
	AlertTypeRecovery        AlertType = "RECOVERY"
	AlertTypeCommandRejected AlertType = "COMMAND_REJECTED"
)

// Alert represents a single annunciation event.
type Alert struct {
	Type    AlertType
	Level   string // runlevel at the time of the event
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates a new multi-channel alerter with cooldown.
func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[string]time.Time),
	}
}

// cooldownKey generates a dedup key for cooldown tracking. A repeated
// fault at the same level is suppressed; the same fault at another
// level is news.
func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s", a.Type, a.Level)
}

// Send dispatches alert to all channels, respecting cooldown.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && time.Since(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = time.Now()
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"error", err,
			)
			metrics.AlertSendErrors.Inc()
			if firstErr == nil {
				firstErr = err
			}
		} else {
			metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *MQTTAlerter:
		return "mqtt"
	case *WebhookAlerter:
		return "webhook"
	case *NoopAlerter:
		return "noop"
	default:
		return "unknown"
	}
}

// alertBody is the JSON document every channel carries.
func alertBody(alert Alert) ([]byte, error) {
	payload := map[string]any{
		"type":    string(alert.Type),
		"level":   alert.Level,
		"title":   alert.Title,
		"message": alert.Message,
		"fields":  alert.Fields,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	return json.Marshal(payload)
}

// WebhookAlerter posts alerts to a generic HTTP endpoint, typically
// the bench console's annunciator panel.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a generic webhook alerter.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one alert to the webhook endpoint.
func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	body, err := alertBody(alert)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MQTTConfig configures the broker-backed alert channel.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string // default "jokarus-alerts"
	Username  string
	Password  string
	Topic     string
}

// MQTTAlerter publishes alerts to a broker topic over a session of its
// own, independent of the telemetry downlink.
type MQTTAlerter struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// NewMQTTAlerter dials the broker in the background; sends fail until
// the session is up.
func NewMQTTAlerter(cfg MQTTConfig, logger *slog.Logger) *MQTTAlerter {
	if cfg.ClientID == "" {
		cfg.ClientID = "jokarus-alerts"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	log := logger.With("component", "alert_mqtt")
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("alert broker connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	client.Connect()
	return newMQTTAlerter(client, cfg.Topic)
}

// newMQTTAlerter wires an existing client; split out so tests can inject one.
func newMQTTAlerter(client mqtt.Client, topic string) *MQTTAlerter {
	return &MQTTAlerter{client: client, topic: topic, timeout: 2 * time.Second}
}

// Send publishes one alert at QoS 1, never retained.
func (m *MQTTAlerter) Send(_ context.Context, alert Alert) error {
	body, err := alertBody(alert)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	token := m.client.Publish(m.topic, 1, false, body)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("publish alert to %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish alert to %s: %w", m.topic, err)
	}
	return nil
}

// Close disconnects the alert session, allowing 250ms for in-flight
// messages to drain.
func (m *MQTTAlerter) Close() { m.client.Disconnect(250) }

// NoopAlerter does nothing. Used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
