package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

//go:embed emihub.toml
var defaultConfigData []byte

// Config represents the entire configuration file
type Config struct {
	Hub    Hub    `toml:"hub" yaml:"hub"`
	Link   Link   `toml:"link" yaml:"link"`
	Upload Upload `toml:"upload" yaml:"upload"`
	Queue  Queue  `toml:"queue" yaml:"queue"`
	Status Status `toml:"status" yaml:"status"`
}

// Hub configures the collection loop and local state
type Hub struct {
	SweepPath       string   `toml:"sweep_path" yaml:"sweep_path"`
	ScanDuration    Duration `toml:"scan_duration" yaml:"scan_duration"`
	SleepDuration   Duration `toml:"sleep_duration" yaml:"sleep_duration"`
	ConnectTimeout  Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	TransferTimeout Duration `toml:"transfer_timeout" yaml:"transfer_timeout"`
	LogLevel        string   `toml:"log_level" yaml:"log_level"`
}

// Link selects and configures the device transport
type Link struct {
	Kind         string   `toml:"kind" yaml:"kind"`
	NamePrefix   string   `toml:"name_prefix" yaml:"name_prefix"`
	PollInterval Duration `toml:"poll_interval" yaml:"poll_interval"`
	MetaCommand  string   `toml:"meta_command" yaml:"meta_command"`
	DataCommand  string   `toml:"data_command" yaml:"data_command"`
	ByteOrder    string   `toml:"byte_order" yaml:"byte_order"`
	Serial       Serial   `toml:"serial" yaml:"serial"`
	USB          USB      `toml:"usb" yaml:"usb"`
}

// Serial configures a USB CDC serial link
type Serial struct {
	Port       string `toml:"port" yaml:"port"`
	Baud       int    `toml:"baud" yaml:"baud"`
	VendorID   uint16 `toml:"vendor_id" yaml:"vendor_id"`
	ProductID  uint16 `toml:"product_id" yaml:"product_id"`
	DeviceName string `toml:"device_name" yaml:"device_name"`
}

// USB configures a raw USB bulk link
type USB struct {
	VendorID    uint16 `toml:"vendor_id" yaml:"vendor_id"`
	ProductID   uint16 `toml:"product_id" yaml:"product_id"`
	Interface   int    `toml:"interface" yaml:"interface"`
	EndpointIn  int    `toml:"endpoint_in" yaml:"endpoint_in"`
	EndpointOut int    `toml:"endpoint_out" yaml:"endpoint_out"`
	DeviceName  string `toml:"device_name" yaml:"device_name"`
}

// Upload configures the collector endpoint
type Upload struct {
	URI     string   `toml:"uri" yaml:"uri"`
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// Queue selects the pending table backend
type Queue struct {
	Backend string `toml:"backend" yaml:"backend"`
}

// Status configures the local status server
type Status struct {
	Listen string `toml:"listen" yaml:"listen"`
}

// Duration is a time.Duration written as a string such as "5s"
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string. Used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Path determines the config file path based on the operating system
func Path() (string, error) {
	switch runtime.GOOS {
	case "windows":
		// Use AppData directory for Windows
		configDir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user config directory: %w", err)
		}
		return filepath.Join(configDir, "emihub", "emihub.toml"), nil
	default:
		// Linux/macOS: use home directory
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user home directory: %w", err)
		}
		return filepath.Join(homeDir, ".emihub"), nil
	}
}

// Default returns the built-in configuration
func Default() *Config {
	var conf Config
	if _, err := toml.NewDecoder(bytes.NewReader(defaultConfigData)).Decode(&conf); err != nil {
		panic(fmt.Sprintf("embedded config is invalid: %v", err))
	}
	return &conf
}

// Load reads the configuration file at path. An empty path selects the
// per-user file, which is created from the built-in default if it doesn't
// exist. Keys missing from the file keep their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = Path()
		if err != nil {
			return nil, err
		}
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	conf := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config at %s: %w", path, err)
		}
	default:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(conf); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config at %s: %w", path, err)
		}
	}

	conf.Hub.SweepPath, err = ExpandHome(conf.Hub.SweepPath)
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return conf, nil
}

// writeDefault creates the config file from the embedded default if it is missing
func writeDefault(path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return nil
	}

	// Create parent directory if needed (for Windows)
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	if err := os.WriteFile(path, defaultConfigData, 0644); err != nil {
		return fmt.Errorf("failed to create default config file at %s: %w", path, err)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Validate checks every field and reports the first invalid one
func (c *Config) Validate() error {
	if c.Hub.SweepPath == "" {
		return errors.New("hub.sweep_path is empty")
	}
	if c.Hub.ScanDuration.Duration <= 0 {
		return fmt.Errorf("hub.scan_duration %v must be positive", c.Hub.ScanDuration)
	}
	if c.Hub.SleepDuration.Duration < 0 {
		return fmt.Errorf("hub.sleep_duration %v must not be negative", c.Hub.SleepDuration)
	}
	if c.Hub.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("hub.connect_timeout %v must be positive", c.Hub.ConnectTimeout)
	}
	if c.Hub.TransferTimeout.Duration <= 0 {
		return fmt.Errorf("hub.transfer_timeout %v must be positive", c.Hub.TransferTimeout)
	}
	switch c.Hub.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("hub.log_level %q must be one of debug, info, warn, error", c.Hub.LogLevel)
	}

	switch c.Link.Kind {
	case "ble", "serial", "usb":
	default:
		return fmt.Errorf("link.kind %q must be one of ble, serial, usb", c.Link.Kind)
	}
	if c.Link.PollInterval.Duration <= 0 {
		return fmt.Errorf("link.poll_interval %v must be positive", c.Link.PollInterval)
	}
	if c.Link.MetaCommand == "" {
		return errors.New("link.meta_command is empty")
	}
	if c.Link.DataCommand == "" {
		return errors.New("link.data_command is empty")
	}
	if c.Link.MetaCommand == c.Link.DataCommand {
		return fmt.Errorf("link.meta_command and link.data_command are both %q", c.Link.MetaCommand)
	}
	switch c.Link.ByteOrder {
	case "little", "big":
	default:
		return fmt.Errorf("link.byte_order %q must be little or big", c.Link.ByteOrder)
	}
	if c.Link.Kind == "serial" && c.Link.Serial.Baud <= 0 {
		return fmt.Errorf("link.serial.baud %d must be positive", c.Link.Serial.Baud)
	}
	if c.Link.Kind == "usb" {
		if c.Link.USB.VendorID == 0 || c.Link.USB.ProductID == 0 {
			return errors.New("link.usb.vendor_id and link.usb.product_id must be set")
		}
		if c.Link.USB.EndpointIn&0x80 == 0 {
			return fmt.Errorf("link.usb.endpoint_in 0x%02x is not an IN endpoint", c.Link.USB.EndpointIn)
		}
	}

	if c.Upload.URI == "" {
		return errors.New("upload.uri is empty")
	}
	if !strings.HasPrefix(c.Upload.URI, "http://") && !strings.HasPrefix(c.Upload.URI, "https://") {
		return fmt.Errorf("upload.uri %q must be an http or https URL", c.Upload.URI)
	}
	if c.Upload.Timeout.Duration <= 0 {
		return fmt.Errorf("upload.timeout %v must be positive", c.Upload.Timeout)
	}

	switch c.Queue.Backend {
	case "csv", "sqlite":
	default:
		return fmt.Errorf("queue.backend %q must be csv or sqlite", c.Queue.Backend)
	}
	return nil
}
