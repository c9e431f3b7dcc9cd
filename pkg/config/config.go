package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/nspass/singbox-console/pkg/logger"
	"gopkg.in/yaml.v3"
)

// DefaultPath 默认配置文件路径
const DefaultPath = "/etc/singbox-console/config.yaml"

// Config 主配置结构
type Config struct {
	API      APIConfig      `yaml:"api" json:"api"`
	Poll     PollConfig     `yaml:"poll" json:"poll"`
	Stream   StreamConfig   `yaml:"stream" json:"stream"`
	Commands CommandsConfig `yaml:"commands" json:"commands"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Logger   logger.Config  `yaml:"logger" json:"logger"`
	LogLevel string         `yaml:"log_level" json:"log_level"`
}

// APIConfig 控制面API配置
type APIConfig struct {
	BaseURL       string `yaml:"base_url" json:"base_url"`               // 例如 http://127.0.0.1:8080/api
	Token         string `yaml:"token" json:"token"`                     // Bearer token，可为空
	Timeout       int    `yaml:"timeout" json:"timeout"`                 // 秒
	TLSSkipVerify bool   `yaml:"tls_skip_verify" json:"tls_skip_verify"` // 是否跳过TLS证书验证
}

// PollConfig 轮询配置
type PollConfig struct {
	StatusInterval      int `yaml:"status_interval" json:"status_interval"`           // 秒
	ConnectionsInterval int `yaml:"connections_interval" json:"connections_interval"` // 秒
}

// StreamConfig 推送流配置
type StreamConfig struct {
	ReconnectDelay int `yaml:"reconnect_delay" json:"reconnect_delay"` // 秒，固定重连间隔
	Jitter         int `yaml:"jitter" json:"jitter"`                   // 毫秒，附加在重连间隔上的随机抖动上限
}

// CommandsConfig 启停命令后的补充轮询
type CommandsConfig struct {
	StartRepollDelay   int `yaml:"start_repoll_delay" json:"start_repoll_delay"`     // 毫秒
	RestartRepollDelay int `yaml:"restart_repoll_delay" json:"restart_repoll_delay"` // 毫秒
}

// MetricsConfig Prometheus导出配置
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"` // 为空表示不启用
	Prefix string `yaml:"prefix" json:"prefix"`
}

// Default 返回全部使用默认值的配置
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// LoadConfig 从文件加载配置，文件不存在时使用默认配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.GetConfigLogger().WithField("path", path).Debug("配置文件不存在，使用默认配置")
			return Default(), nil
		}
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	setDefaults(&config)

	// 处理向后兼容性
	if config.LogLevel != "" && config.Logger.Level == "" {
		config.Logger.Level = config.LogLevel
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(config *Config) {
	if config.API.BaseURL == "" {
		config.API.BaseURL = "http://127.0.0.1:8080/api"
	}

	if config.API.Timeout == 0 {
		config.API.Timeout = 10
	}

	if config.Poll.StatusInterval == 0 {
		config.Poll.StatusInterval = 3
	}

	if config.Poll.ConnectionsInterval == 0 {
		config.Poll.ConnectionsInterval = 3
	}

	if config.Stream.ReconnectDelay == 0 {
		config.Stream.ReconnectDelay = 3
	}

	if config.Commands.StartRepollDelay == 0 {
		config.Commands.StartRepollDelay = 1000
	}

	if config.Commands.RestartRepollDelay == 0 {
		config.Commands.RestartRepollDelay = 2000
	}

	if config.Metrics.Prefix == "" {
		config.Metrics.Prefix = "singbox"
	}

	// 日志配置默认值
	defaults := logger.DefaultConfig()
	if config.Logger.Level == "" {
		if config.LogLevel != "" {
			config.Logger.Level = config.LogLevel
		} else {
			config.Logger.Level = defaults.Level
		}
	}
	if config.Logger.Format == "" {
		config.Logger.Format = defaults.Format
	}
	if config.Logger.Output == "" {
		config.Logger.Output = defaults.Output
	}
	if config.Logger.File == "" {
		config.Logger.File = defaults.File
	}
	if config.Logger.MaxSize == 0 {
		config.Logger.MaxSize = defaults.MaxSize
	}
	if config.Logger.MaxBackups == 0 {
		config.Logger.MaxBackups = defaults.MaxBackups
	}
	if config.Logger.MaxAge == 0 {
		config.Logger.MaxAge = defaults.MaxAge
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url不能为空")
	}

	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url无效: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url仅支持http/https: %s", c.API.BaseURL)
	}

	if c.Poll.StatusInterval <= 0 || c.Poll.ConnectionsInterval <= 0 {
		return fmt.Errorf("poll间隔必须大于0")
	}

	if c.Stream.ReconnectDelay <= 0 {
		return fmt.Errorf("stream.reconnect_delay必须大于0")
	}

	if c.Stream.Jitter < 0 {
		return fmt.Errorf("stream.jitter不能为负数")
	}

	return nil
}

// StatusInterval 状态轮询间隔
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Poll.StatusInterval) * time.Second
}

// ConnectionsInterval 连接列表轮询间隔
func (c *Config) ConnectionsInterval() time.Duration {
	return time.Duration(c.Poll.ConnectionsInterval) * time.Second
}

// ReconnectDelay 推送流重连间隔
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Stream.ReconnectDelay) * time.Second
}

// ReconnectJitter 推送流重连抖动上限
func (c *Config) ReconnectJitter() time.Duration {
	return time.Duration(c.Stream.Jitter) * time.Millisecond
}

// StartRepollDelay start/stop之后补充轮询的延迟
func (c *Config) StartRepollDelay() time.Duration {
	return time.Duration(c.Commands.StartRepollDelay) * time.Millisecond
}

// RestartRepollDelay restart之后补充轮询的延迟
func (c *Config) RestartRepollDelay() time.Duration {
	return time.Duration(c.Commands.RestartRepollDelay) * time.Millisecond
}

// SaveConfig 保存配置文件
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}

	// 配置中可能包含token
	return os.WriteFile(path, data, 0600)
}
