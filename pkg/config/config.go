package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		Filename   string `yaml:"filename"`
		MaxAge     int    `yaml:"max_age"`     // 小时
		RotateTime int    `yaml:"rotate_time"` // 小时
	} `yaml:"log"`

	Rules struct {
		// File 规则文件或规则目录
		File string `yaml:"file"`
	} `yaml:"rules"`

	Controller struct {
		ListenAddr         string   `yaml:"listen_addr"`
		HandshakeTimeout   int      `yaml:"handshake_timeout"` // 秒
		ControlledSwitches []uint64 `yaml:"controlled_switches"`
	} `yaml:"controller"`

	API struct {
		Enable bool   `yaml:"enable"`
		Host   string `yaml:"host"`
		Port   int    `yaml:"port"`
	} `yaml:"api"`
}

// applyDefaults 填充未配置的字段
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.Filename == "" {
		c.Log.Filename = "firewall.log"
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 24
	}
	if c.Log.RotateTime == 0 {
		c.Log.RotateTime = 1
	}
	if c.Rules.File == "" {
		c.Rules.File = "rules/firewall_rules.json"
	}
	if c.Controller.ListenAddr == "" {
		c.Controller.ListenAddr = ":6633"
	}
	if c.Controller.HandshakeTimeout == 0 {
		c.Controller.HandshakeTimeout = 10
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

func (c *Config) Validate() error {
	if c.Log.MaxAge < 0 || c.Log.RotateTime < 0 {
		return fmt.Errorf("log max_age and rotate_time must not be negative")
	}
	if _, _, err := net.SplitHostPort(c.Controller.ListenAddr); err != nil {
		return fmt.Errorf("invalid controller listen_addr %q: %v", c.Controller.ListenAddr, err)
	}
	if c.Controller.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout must not be negative")
	}
	if c.API.Enable && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api port out of range: %d", c.API.Port)
	}
	return nil
}

// APIAddr HTTP API监听地址
func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.API.Host, fmt.Sprint(c.API.Port))
}

// Default 返回全部使用默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
