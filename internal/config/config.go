package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	WWW      WWWConfig      `yaml:"www"`
	Logging  LoggingConfig  `yaml:"logging"`
	Agent    AgentConfig    `yaml:"agent"`
	Keyboard KeyboardConfig `yaml:"keyboard"`
	QEMU     QEMUConfig     `yaml:"qemu"`
}

type WWWConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Assets         string        `yaml:"assets"`
	NoVNC          string        `yaml:"novnc"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	QueueSize      int           `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type AgentConfig struct {
	Version        string        `yaml:"version"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	ConsoleSize    int           `yaml:"console_size"`
}

type KeyboardConfig struct {
	// Variant selects the driver; "" or "none" disables the keyboard.
	Variant string            `yaml:"variant"`
	Options map[string]string `yaml:"options"`
}

type QEMUConfig struct {
	Executable   string   `yaml:"executable"`
	Args         []string `yaml:"args"`
	Monitor      string   `yaml:"monitor"`
	VNCWebsocket int      `yaml:"vnc_websocket"`
}

func Default() *Config {
	return &Config{
		WWW: WWWConfig{
			Host:        "localhost",
			Port:        5000,
			Assets:      "./assets",
			NoVNC:       "/usr/share/novnc",
			CallTimeout: 10 * time.Second,
			QueueSize:   256,
		},
		Logging: LoggingConfig{Level: "info"},
		Agent: AgentConfig{
			SessionTimeout: 30 * time.Minute,
			ConsoleSize:    64 * 1024,
		},
		Keyboard: KeyboardConfig{
			Variant: "qemu",
			Options: map[string]string{"delay": "100ms"},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.WWW.Port < 0 || c.WWW.Port > 65535 {
		errs = append(errs, fmt.Errorf("www.port %d out of range", c.WWW.Port))
	}
	if c.WWW.CallTimeout <= 0 {
		errs = append(errs, errors.New("www.call_timeout must be positive"))
	}
	if c.WWW.QueueSize <= 0 {
		errs = append(errs, errors.New("www.queue_size must be positive"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q unknown", c.Logging.Level))
	}
	switch c.Keyboard.Variant {
	case "", "none", "qemu":
	default:
		errs = append(errs, fmt.Errorf("keyboard.variant %q unknown", c.Keyboard.Variant))
	}
	if c.QEMU.VNCWebsocket < 0 || c.QEMU.VNCWebsocket > 65535 {
		errs = append(errs, fmt.Errorf("qemu.vnc_websocket %d out of range", c.QEMU.VNCWebsocket))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the web front.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.WWW.Host, c.WWW.Port)
}
