package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	conf := Default()
	if err := conf.Validate(); err != nil {
		t.Fatalf("Validate() on default config returned error: %v", err)
	}
	if conf.Link.PollInterval.Duration != 100*time.Millisecond {
		t.Errorf("poll_interval = %v, expected 100ms", conf.Link.PollInterval)
	}
	if conf.Hub.ConnectTimeout.Duration != 30*time.Second || conf.Hub.TransferTimeout.Duration != 30*time.Second {
		t.Errorf("timeouts = %v/%v, expected 30s/30s", conf.Hub.ConnectTimeout, conf.Hub.TransferTimeout)
	}
	if conf.Link.MetaCommand != "0" || conf.Link.DataCommand != "1" {
		t.Errorf("commands = %q/%q, expected 0/1", conf.Link.MetaCommand, conf.Link.DataCommand)
	}
	if conf.Link.USB.EndpointIn != 0x81 {
		t.Errorf("endpoint_in = 0x%x, expected 0x81", conf.Link.USB.EndpointIn)
	}
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.toml")
	data := `
[hub]
sweep_path = "` + filepath.ToSlash(dir) + `"
scan_duration = "2s"

[link]
kind = "serial"

[queue]
backend = "sqlite"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if conf.Hub.ScanDuration.Duration != 2*time.Second {
		t.Errorf("scan_duration = %v, expected 2s", conf.Hub.ScanDuration)
	}
	if conf.Link.Kind != "serial" || conf.Queue.Backend != "sqlite" {
		t.Errorf("kind/backend = %q/%q", conf.Link.Kind, conf.Queue.Backend)
	}
	// Untouched keys keep their defaults
	if conf.Hub.SleepDuration.Duration != 10*time.Second {
		t.Errorf("sleep_duration = %v, expected default 10s", conf.Hub.SleepDuration)
	}
	if conf.Link.Serial.Baud != 115200 {
		t.Errorf("baud = %d, expected default 115200", conf.Link.Serial.Baud)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	data := `
hub:
  sweep_path: ` + filepath.ToSlash(dir) + `
  sleep_duration: 1m
link:
  byte_order: big
upload:
  uri: https://collector.example/api/sweeps/
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if conf.Hub.SleepDuration.Duration != time.Minute {
		t.Errorf("sleep_duration = %v, expected 1m", conf.Hub.SleepDuration)
	}
	if conf.Link.ByteOrder != "big" {
		t.Errorf("byte_order = %q, expected big", conf.Link.ByteOrder)
	}
	if conf.Upload.URI != "https://collector.example/api/sweeps/" {
		t.Errorf("uri = %q", conf.Upload.URI)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"unknown link", func(c *Config) { c.Link.Kind = "wifi" }, "link.kind"},
		{"zero poll", func(c *Config) { c.Link.PollInterval.Duration = 0 }, "link.poll_interval"},
		{"same commands", func(c *Config) { c.Link.DataCommand = c.Link.MetaCommand }, "link.meta_command"},
		{"bad order", func(c *Config) { c.Link.ByteOrder = "middle" }, "link.byte_order"},
		{"no uri", func(c *Config) { c.Upload.URI = "" }, "upload.uri"},
		{"ftp uri", func(c *Config) { c.Upload.URI = "ftp://x" }, "upload.uri"},
		{"bad backend", func(c *Config) { c.Queue.Backend = "redis" }, "queue.backend"},
		{"bad level", func(c *Config) { c.Hub.LogLevel = "loud" }, "hub.log_level"},
		{"usb out endpoint", func(c *Config) { c.Link.Kind = "usb"; c.Link.USB.EndpointIn = 0x02 }, "link.usb.endpoint_in"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := Default()
			tt.modify(conf)
			err := conf.Validate()
			if err == nil {
				t.Fatalf("Validate() accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Validate() error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandHome("~/emihub")
	if err != nil || got != filepath.Join(home, "emihub") {
		t.Errorf("ExpandHome(~/emihub) = %q, %v", got, err)
	}
	if got, _ := ExpandHome("/var/lib/emihub"); got != "/var/lib/emihub" {
		t.Errorf("ExpandHome() changed absolute path to %q", got)
	}
}
