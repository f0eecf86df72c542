package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
ami:
  host: 192.168.1.200
  port: 5038
  username: admin
  secret: s3cret
mqtt:
  broker: tcp://localhost:1883
  client_id: test
  topic_prefix: pbx
  qos: 0
http:
  listen: 127.0.0.1:9000
  broadcast_interval: 250ms
monitor:
  directory: /etc/asterisk-panel/directory.yaml
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Host != "192.168.1.200" {
		t.Errorf("expected host=192.168.1.200, got %s", cfg.AMI.Host)
	}
	if cfg.AMI.Addr() != "192.168.1.200:5038" {
		t.Errorf("expected addr=192.168.1.200:5038, got %s", cfg.AMI.Addr())
	}
	if cfg.MQTT.TopicPrefix != "pbx" {
		t.Errorf("expected topic_prefix=pbx, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.QoS != 0 {
		t.Errorf("expected qos=0, got %d", cfg.MQTT.QoS)
	}
	if cfg.HTTP.BroadcastInterval.D() != 250*time.Millisecond {
		t.Errorf("expected broadcast_interval=250ms, got %s", cfg.HTTP.BroadcastInterval.D())
	}
	if cfg.Monitor.Directory != "/etc/asterisk-panel/directory.yaml" {
		t.Errorf("unexpected directory %s", cfg.Monitor.Directory)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.Log.SlogLevel())
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
ami:
  username: admin
  secret: s3cret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Host != "127.0.0.1" {
		t.Errorf("expected default host=127.0.0.1, got %s", cfg.AMI.Host)
	}
	if cfg.AMI.Port != 5038 {
		t.Errorf("expected default port=5038, got %d", cfg.AMI.Port)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("expected default broker, got %s", cfg.MQTT.Broker)
	}
	if cfg.MQTT.ClientID != "asterisk-panel" {
		t.Errorf("expected default client_id, got %s", cfg.MQTT.ClientID)
	}
	if cfg.MQTT.TopicPrefix != "asterisk" {
		t.Errorf("expected default topic_prefix=asterisk, got %s", cfg.MQTT.TopicPrefix)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.QoS != 1 {
		t.Errorf("expected mqtt enabled with qos=1, got %v/%d", cfg.MQTT.Enabled, cfg.MQTT.QoS)
	}
	if cfg.AMI.ChannelTech != "PJSIP" {
		t.Errorf("expected default channel_tech=PJSIP, got %s", cfg.AMI.ChannelTech)
	}
	if cfg.AMI.ActionTimeout.D() != 5*time.Second || cfg.AMI.ReconnectDelay.D() != 5*time.Second {
		t.Errorf("unexpected default timeouts %s/%s", cfg.AMI.ActionTimeout.D(), cfg.AMI.ReconnectDelay.D())
	}
	if cfg.HTTP.Listen != ":8765" {
		t.Errorf("expected default listen=:8765, got %s", cfg.HTTP.Listen)
	}
	if cfg.Monitor.EventQueue != 1024 {
		t.Errorf("expected default event_queue=1024, got %d", cfg.Monitor.EventQueue)
	}
	if cfg.Log.SlogLevel() != slog.LevelInfo {
		t.Errorf("expected info level, got %s", cfg.Log.SlogLevel())
	}
}

func TestDurationForms(t *testing.T) {
	path := writeConfig(t, `
ami:
  username: admin
  secret: s3cret
  dial_timeout: 3
  action_timeout: 1.5
  reconnect_delay: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.DialTimeout.D() != 3*time.Second {
		t.Errorf("expected dial_timeout=3s, got %s", cfg.AMI.DialTimeout.D())
	}
	if cfg.AMI.ActionTimeout.D() != 1500*time.Millisecond {
		t.Errorf("expected action_timeout=1.5s, got %s", cfg.AMI.ActionTimeout.D())
	}
	if cfg.AMI.ReconnectDelay.D() != time.Minute {
		t.Errorf("expected reconnect_delay=1m, got %s", cfg.AMI.ReconnectDelay.D())
	}

	bad := writeConfig(t, `
ami:
  username: admin
  secret: s3cret
  dial_timeout: soon
`)
	if _, err := Load(bad); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestMQTTDisabledSkipsBrokerChecks(t *testing.T) {
	path := writeConfig(t, `
ami:
  username: admin
  secret: s3cret
mqtt:
  enabled: false
  broker: ""
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, `{{{invalid`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{"empty username", `
ami:
  secret: s3cret
`, "ami.username is required"},
		{"empty secret", `
ami:
  username: admin
`, "ami.secret is required"},
		{"port zero", `
ami:
  port: 0
  username: admin
  secret: s3cret
`, "ami.port must be between 1 and 65535, got 0"},
		{"port too high", `
ami:
  port: 70000
  username: admin
  secret: s3cret
`, "ami.port must be between 1 and 65535, got 70000"},
		{"empty host", `
ami:
  host: ""
  username: admin
  secret: s3cret
`, "ami.host is required"},
		{"empty broker", `
ami:
  username: admin
  secret: s3cret
mqtt:
  broker: ""
`, "mqtt.broker is required"},
		{"empty client_id", `
ami:
  username: admin
  secret: s3cret
mqtt:
  client_id: ""
`, "mqtt.client_id is required"},
		{"empty topic_prefix", `
ami:
  username: admin
  secret: s3cret
mqtt:
  topic_prefix: ""
`, "mqtt.topic_prefix is required"},
		{"bad qos", `
ami:
  username: admin
  secret: s3cret
mqtt:
  qos: 3
`, "mqtt.qos must be 0, 1 or 2, got 3"},
		{"channel tech with slash", `
ami:
  username: admin
  secret: s3cret
  channel_tech: PJSIP/
`, `ami.channel_tech must be a technology name such as PJSIP, got "PJSIP/"`},
		{"zero action timeout", `
ami:
  username: admin
  secret: s3cret
  action_timeout: 0s
`, "ami.dial_timeout and ami.action_timeout must be positive"},
		{"empty event queue", `
ami:
  username: admin
  secret: s3cret
monitor:
  event_queue: 0
`, "monitor.event_queue must be at least 1, got 0"},
		{"bad log format", `
ami:
  username: admin
  secret: s3cret
log:
  format: xml
`, `log.format must be text or json, got "xml"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.config)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}
