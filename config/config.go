package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"go.yaml.in/yaml/v4"
)

// EnvPrefix namespaces environment overrides: COURIER_<SECTION>_<FIELD>,
// e.g. COURIER_API_BASE_URL or COURIER_COURIER_POLL_INTERVAL_SECONDS.
const EnvPrefix = "COURIER"

type Config struct {
	API     APIConfig     `yaml:"api" envconfig:"api"`
	Device  DeviceConfig  `yaml:"device" envconfig:"device"`
	Redis   RedisConfig   `yaml:"redis" envconfig:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka" envconfig:"kafka"`
	Courier CourierConfig `yaml:"courier" envconfig:"courier"`
	Agent   AgentConfig   `yaml:"agent" envconfig:"agent"`
}

type APIConfig struct {
	BaseURL        string `yaml:"base_url" split_words:"true"`
	WSURL          string `yaml:"ws_url" split_words:"true"`
	Transport      string `yaml:"transport" split_words:"true"` // "fetch" | "native" | "fake"
	TimeoutSeconds int    `yaml:"timeout_seconds" split_words:"true"`
	// Sent as the Cookie header when the session was provisioned elsewhere.
	SessionCookie string `yaml:"session_cookie" split_words:"true"`
}

type DeviceConfig struct {
	Mode      string `yaml:"mode" split_words:"true"` // "bridge" | "simulated"
	BridgeURL string `yaml:"bridge_url" split_words:"true"`

	WatchIntervalSeconds int `yaml:"watch_interval_seconds" split_words:"true"`

	SimLatitude  float64 `yaml:"sim_latitude" split_words:"true"`
	SimLongitude float64 `yaml:"sim_longitude" split_words:"true"`
}

// RedisConfig with an empty host selects the in-memory store.
type RedisConfig struct {
	Host string `yaml:"host" split_words:"true"`
	Port int    `yaml:"port" split_words:"true"`
}

// KafkaConfig with an empty host disables the push broker.
type KafkaConfig struct {
	Host                    string `yaml:"host" split_words:"true"`
	Port                    int    `yaml:"port" split_words:"true"`
	PushTopic               string `yaml:"push_topic" split_words:"true"`
	LocalNotificationsTopic string `yaml:"local_notifications_topic" split_words:"true"`
	ConsumerGroup           string `yaml:"consumer_group" split_words:"true"`
}

type CourierConfig struct {
	RealtimeMode string `yaml:"realtime_mode" split_words:"true"` // "socket" | "poll"

	PollIntervalSeconds int `yaml:"poll_interval_seconds" split_words:"true"`
	PollBackoff1Seconds int `yaml:"poll_backoff_1_seconds" split_words:"true"`
	PollBackoff2Seconds int `yaml:"poll_backoff_2_seconds" split_words:"true"`
	PollBackoff3Seconds int `yaml:"poll_backoff_3_seconds" split_words:"true"`
	PollBackoff4Seconds int `yaml:"poll_backoff_4_seconds" split_words:"true"`

	ReconnectAttempts     int `yaml:"reconnect_attempts" split_words:"true"`
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds" split_words:"true"`

	PushIntervalSeconds      int     `yaml:"push_interval_seconds" split_words:"true"`
	HeartbeatIntervalSeconds int     `yaml:"heartbeat_interval_seconds" split_words:"true"`
	MinDistanceMeters        float64 `yaml:"min_distance_meters" split_words:"true"`

	PermissionTimeoutSeconds int `yaml:"permission_timeout_seconds" split_words:"true"`
	PermissionAttempts       int `yaml:"permission_attempts" split_words:"true"`

	WakeRateLimitPerMinute int `yaml:"wake_rate_limit_per_minute" split_words:"true"`
	SessionTTLHours        int `yaml:"session_ttl_hours" split_words:"true"`
	ActivityPingSeconds    int `yaml:"activity_ping_seconds" split_words:"true"`
}

type AgentConfig struct {
	HTTPAddr    string `yaml:"http_addr" split_words:"true"`
	SwaggerPath string `yaml:"swagger_path" split_words:"true"`
}

// LoadConfig reads filename, when given, and then applies COURIER_*
// environment overrides.
func LoadConfig(filename string) (*Config, error) {
	var config Config

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	return &config, nil
}
