package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trimitri/jokarus/internal/circuitbreaker"
	"github.com/trimitri/jokarus/internal/metrics"
)

// DownlinkConfig configures the MQTT bridge to the ground broker.
type DownlinkConfig struct {
	BrokerURL      string
	ClientID       string // default "jokarus-payload"
	Username       string
	Password       string
	TopicPrefix    string        // default "jokarus"; frames go to <prefix>/<kind>
	QoS            byte          // default 0 (at-most-once), never retained
	ConnectTimeout time.Duration // default 10s
	PublishTimeout time.Duration // default 2s
}

// Downlink publishes telemetry frames to an MQTT broker. The bridge is
// optional equipment: a missing broker trips the breaker and costs
// frames, never the evaluation loop.
type Downlink struct {
	cfg     DownlinkConfig
	client  mqtt.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewDownlink creates a bridge for the given broker. The session is not
// opened until Connect.
func NewDownlink(cfg DownlinkConfig, logger *slog.Logger) *Downlink {
	cfg = withDownlinkDefaults(cfg)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	log := logger.With("component", "downlink")
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to broker", "broker", cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("broker connection lost", "error", err)
	})

	return newDownlink(cfg, mqtt.NewClient(opts), log)
}

// newDownlink wires an existing client; split out so tests can inject one.
func newDownlink(cfg DownlinkConfig, client mqtt.Client, logger *slog.Logger) *Downlink {
	d := &Downlink{
		cfg:    withDownlinkDefaults(cfg),
		client: client,
		logger: logger,
	}
	d.breaker = circuitbreaker.New(circuitbreaker.Config{
		Name: "mqtt",
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return d
}

func withDownlinkDefaults(cfg DownlinkConfig) DownlinkConfig {
	if cfg.ClientID == "" {
		cfg.ClientID = "jokarus-payload"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "jokarus"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return cfg
}

// Connect opens the broker session. With connect-retry enabled an
// unreachable broker is not an error; the session comes up in the
// background and publishes fail until it does.
func (d *Downlink) Connect() error {
	token := d.client.Connect()
	if !token.WaitTimeout(d.cfg.ConnectTimeout) {
		d.logger.Warn("broker not reachable yet, retrying in background", "broker", d.cfg.BrokerURL)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Publish sends one frame to <prefix>/<kind>.
func (d *Downlink) Publish(_ context.Context, kind FrameKind, frame []byte) error {
	if err := d.breaker.Allow(); err != nil {
		metrics.DownlinkErrorsTotal.Inc()
		return err
	}

	topic := d.cfg.TopicPrefix + "/" + string(kind)
	token := d.client.Publish(topic, d.cfg.QoS, false, frame)
	if !token.WaitTimeout(d.cfg.PublishTimeout) {
		d.breaker.RecordFailure()
		metrics.DownlinkErrorsTotal.Inc()
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		d.breaker.RecordFailure()
		metrics.DownlinkErrorsTotal.Inc()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	d.breaker.RecordSuccess()
	metrics.DownlinkPublishesTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// BreakerState exposes the breaker for the operator status page.
func (d *Downlink) BreakerState() circuitbreaker.State {
	return d.breaker.GetState()
}

// Close disconnects from the broker, allowing 250ms for in-flight
// messages to drain.
func (d *Downlink) Close() {
	d.client.Disconnect(250)
}
