package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries everything the payload computer reads from the
// environment at boot. Tuning that changes between missions lives in
// the YAML mission profile instead, see Profile.
type Config struct {
	Bus        BusConfig
	Flight     FlightConfig
	Experiment ExperimentConfig
	Telemetry  TelemetryConfig
	Downlink   DownlinkConfig
	Recorder   RecorderConfig
	Operator   OperatorConfig
	Alert      AlertConfig
	Profile    ProfileConfig
	Tracing    TracingConfig
	Log        LogConfig
}

// BusConfig points at the subsystem websocket bus.
type BusConfig struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	AckTimeout   time.Duration
}

// FlightConfig points at the service module's signal line adapter. An
// empty Addr runs without a flight feed, which is the normal bench
// setup; liftoff and microgravity then only arrive through the
// operator API.
type FlightConfig struct {
	Addr        string
	DialTimeout time.Duration
}

type ExperimentConfig struct {
	TickInterval time.Duration
}

type TelemetryConfig struct {
	Addr      string
	Keepalive time.Duration
}

// DownlinkConfig configures the MQTT bridge towards ground. An empty
// BrokerURL disables the downlink.
type DownlinkConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         int
}

// RecorderConfig configures the on-board flight recorder. An empty
// Dir disables recording.
type RecorderConfig struct {
	Dir        string
	FilePrefix string
	MaxFileMB  int
}

type OperatorConfig struct {
	Addr string
}

// AlertConfig configures the annunciator channels. With neither a
// webhook nor an MQTT topic set, alerts only reach the log.
type AlertConfig struct {
	WebhookURL string
	MQTTTopic  string
	Cooldown   time.Duration
}

// ProfileConfig locates the mission profile and decides whether edits
// to it are picked up while running.
type ProfileConfig struct {
	Path  string
	Watch bool
}

type TracingConfig struct {
	OTLPEndpoint string
	Insecure     bool
	SamplePct    int
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Bus: BusConfig{
			URL:          getEnv("BUS_URL", "ws://127.0.0.1:8765/bus"),
			DialTimeout:  time.Duration(getEnvInt("BUS_DIAL_TIMEOUT_SEC", 5)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("BUS_WRITE_TIMEOUT_SEC", 5)) * time.Second,
			ReadTimeout:  time.Duration(getEnvInt("BUS_READ_TIMEOUT_SEC", 15)) * time.Second,
			AckTimeout:   time.Duration(getEnvInt("BUS_ACK_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		Flight: FlightConfig{
			Addr:        getEnv("FLIGHT_ADDR", ""),
			DialTimeout: time.Duration(getEnvInt("FLIGHT_DIAL_TIMEOUT_SEC", 5)) * time.Second,
		},
		Experiment: ExperimentConfig{
			TickInterval: time.Duration(getEnvInt("TICK_INTERVAL_MS", 250)) * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			Addr:      getEnv("TELEMETRY_ADDR", ":56320"),
			Keepalive: time.Duration(getEnvInt("TELEMETRY_KEEPALIVE_SEC", 10)) * time.Second,
		},
		Downlink: DownlinkConfig{
			BrokerURL:   getEnv("MQTT_BROKER_URL", ""),
			ClientID:    getEnv("MQTT_CLIENT_ID", "jokarus-payload"),
			Username:    getEnv("MQTT_USERNAME", ""),
			Password:    getEnv("MQTT_PASSWORD", ""),
			TopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "jokarus"),
			QoS:         getEnvInt("MQTT_QOS", 0),
		},
		Recorder: RecorderConfig{
			Dir:        getEnv("RECORDING_DIR", ""),
			FilePrefix: getEnv("RECORDING_PREFIX", "flight"),
			MaxFileMB:  getEnvInt("RECORDING_MAX_FILE_MB", 64),
		},
		Operator: OperatorConfig{
			Addr: getEnv("OPERATOR_ADDR", ":56330"),
		},
		Alert: AlertConfig{
			WebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
			MQTTTopic:  getEnv("ALERT_MQTT_TOPIC", ""),
			Cooldown:   time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
		},
		Profile: ProfileConfig{
			Path:  getEnv("MISSION_PROFILE", "/etc/jokarus/profile.yaml"),
			Watch: getEnvBool("PROFILE_WATCH", false),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
			Insecure:     getEnvBool("OTLP_INSECURE", true),
			SamplePct:    getEnvInt("OTLP_SAMPLE_PCT", 100),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bus.URL == "" {
		return fmt.Errorf("BUS_URL is required")
	}
	if !strings.HasPrefix(c.Bus.URL, "ws://") && !strings.HasPrefix(c.Bus.URL, "wss://") {
		return fmt.Errorf("BUS_URL must be a ws:// or wss:// URL, got %q", c.Bus.URL)
	}
	if c.Telemetry.Addr == "" {
		return fmt.Errorf("TELEMETRY_ADDR is required")
	}
	if c.Operator.Addr == "" {
		return fmt.Errorf("OPERATOR_ADDR is required")
	}
	if c.Profile.Path == "" {
		return fmt.Errorf("MISSION_PROFILE is required")
	}
	if c.Downlink.QoS < 0 || c.Downlink.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.Downlink.QoS)
	}
	if c.Recorder.Dir != "" && c.Recorder.MaxFileMB <= 0 {
		return fmt.Errorf("RECORDING_MAX_FILE_MB must be positive, got %d", c.Recorder.MaxFileMB)
	}
	if c.Experiment.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL_MS must be positive")
	}
	if c.Tracing.SamplePct < 0 || c.Tracing.SamplePct > 100 {
		return fmt.Errorf("OTLP_SAMPLE_PCT must be between 0 and 100, got %d", c.Tracing.SamplePct)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
