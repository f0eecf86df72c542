// Package config loads the panel's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AMI     AMIConfig     `yaml:"ami"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	HTTP    HTTPConfig    `yaml:"http"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

type AMIConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Username       string   `yaml:"username"`
	Secret         string   `yaml:"secret"`
	ChannelTech    string   `yaml:"channel_tech"`
	DialTimeout    Duration `yaml:"dial_timeout"`
	ActionTimeout  Duration `yaml:"action_timeout"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type HTTPConfig struct {
	Listen            string   `yaml:"listen"`
	BroadcastInterval Duration `yaml:"broadcast_interval"`
}

type MonitorConfig struct {
	// Directory is the path of the extension roster file.
	Directory  string `yaml:"directory"`
	EventQueue int    `yaml:"event_queue"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration written in YAML as "5s", "500ms" or a plain
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SlogLevel maps the configured level name onto a slog.Level.
func (c *LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		AMI: AMIConfig{
			Host:           "127.0.0.1",
			Port:           5038,
			ChannelTech:    "PJSIP",
			DialTimeout:    Duration(10 * time.Second),
			ActionTimeout:  Duration(5 * time.Second),
			ReconnectDelay: Duration(5 * time.Second),
		},
		MQTT: MQTTConfig{
			Enabled:     true,
			Broker:      "tcp://localhost:1883",
			ClientID:    "asterisk-panel",
			TopicPrefix: "asterisk",
			QoS:         1,
		},
		HTTP: HTTPConfig{
			Listen:            ":8765",
			BroadcastInterval: Duration(500 * time.Millisecond),
		},
		Monitor: MonitorConfig{
			EventQueue: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AMI.Host == "" {
		return fmt.Errorf("ami.host is required")
	}
	if c.AMI.Port < 1 || c.AMI.Port > 65535 {
		return fmt.Errorf("ami.port must be between 1 and 65535, got %d", c.AMI.Port)
	}
	if c.AMI.Username == "" {
		return fmt.Errorf("ami.username is required")
	}
	if c.AMI.Secret == "" {
		return fmt.Errorf("ami.secret is required")
	}
	if c.AMI.ChannelTech == "" || strings.Contains(c.AMI.ChannelTech, "/") {
		return fmt.Errorf("ami.channel_tech must be a technology name such as PJSIP, got %q", c.AMI.ChannelTech)
	}
	if c.AMI.DialTimeout <= 0 || c.AMI.ActionTimeout <= 0 {
		return fmt.Errorf("ami.dial_timeout and ami.action_timeout must be positive")
	}
	if c.AMI.ReconnectDelay < 0 {
		return fmt.Errorf("ami.reconnect_delay must not be negative")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	if c.HTTP.Listen != "" && c.HTTP.BroadcastInterval <= 0 {
		return fmt.Errorf("http.broadcast_interval must be positive")
	}
	if c.Monitor.EventQueue < 1 {
		return fmt.Errorf("monitor.event_queue must be at least 1, got %d", c.Monitor.EventQueue)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
