package api

import (
	"fmt"
	"time"
)

// AppStatus 代理进程状态，由远端上报，本地只做镜像
type AppStatus string

const (
	StatusStopped  AppStatus = "stopped"
	StatusStarting AppStatus = "starting"
	StatusRunning  AppStatus = "running"
	StatusStopping AppStatus = "stopping"
	StatusError    AppStatus = "error"
)

// Busy 是否处于启动/停止的过渡状态
func (s AppStatus) Busy() bool {
	return s == StatusStarting || s == StatusStopping
}

// StatusResponse GET /status 响应
type StatusResponse struct {
	Status AppStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// TrafficSample 瞬时流量（字节/秒）
type TrafficSample struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// Validate 速率不能为负数
func (t TrafficSample) Validate() error {
	if t.Up < 0 || t.Down < 0 {
		return fmt.Errorf("流量速率不能为负数: up=%d down=%d", t.Up, t.Down)
	}
	return nil
}

// LogLevel 日志级别，无法识别的取值原样保留
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Known 是否为已知级别
func (l LogLevel) Known() bool {
	switch l {
	case LogLevelInfo, LogLevelDebug, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogEntry 远端代理进程的一条日志
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// ConnectionMetadata 连接元数据，字段均可能缺失
type ConnectionMetadata struct {
	Network         string `json:"network"`
	Type            string `json:"type,omitempty"`
	SourceIP        string `json:"sourceIP"`
	SourcePort      string `json:"sourcePort"`
	DestinationIP   string `json:"destinationIP,omitempty"`
	DestinationPort string `json:"destinationPort"`
	Host            string `json:"host,omitempty"`
	DNSMode         string `json:"dnsMode,omitempty"`
	ProcessPath     string `json:"processPath,omitempty"`
}

// Connection 远端的一条活跃连接，ID为主键
type Connection struct {
	ID          string              `json:"id"`
	Metadata    *ConnectionMetadata `json:"metadata,omitempty"`
	Chains      []string            `json:"chains"`
	Rule        string              `json:"rule"`
	RulePayload string              `json:"rulePayload,omitempty"`
	Upload      int64               `json:"upload"`
	Download    int64               `json:"download"`
	Start       time.Time           `json:"start"`
}

// ConnectionsResponse GET /connections 响应
type ConnectionsResponse struct {
	DownloadTotal int64        `json:"downloadTotal,omitempty"`
	UploadTotal   int64        `json:"uploadTotal,omitempty"`
	Connections   []Connection `json:"connections"`
}

// 代理组类型，其余类型在镜像中忽略
const (
	GroupTypeSelector = "Selector"
	GroupTypeURLTest  = "URLTest"
)

// ProxyInfo GET /proxies 中单个条目（clash API格式）
type ProxyInfo struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Now  string   `json:"now,omitempty"`
	All  []string `json:"all,omitempty"`
}

// ProxiesResponse GET /proxies 响应
type ProxiesResponse struct {
	Proxies map[string]ProxyInfo `json:"proxies"`
}

// ProxyGroup selector/urltest 代理组镜像，Active为空表示未选择
type ProxyGroup struct {
	Name    string   `json:"name" yaml:"name"`
	Type    string   `json:"type" yaml:"type"`
	Members []string `json:"members" yaml:"members"`
	Active  string   `json:"active,omitempty" yaml:"active,omitempty"`
}

// ProxyMode 透明代理模式
type ProxyMode string

const (
	ModeTUN    ProxyMode = "tun"
	ModeTProxy ProxyMode = "tproxy"
	ModeRedir  ProxyMode = "redir"
)

// AppConfig 控制面自身的设置（GET/PUT /app-config）
type AppConfig struct {
	ProxyMode  ProxyMode `json:"proxy_mode" yaml:"proxy_mode"`
	MixedPort  int       `json:"mixed_port" yaml:"mixed_port"`
	TProxyPort int       `json:"tproxy_port" yaml:"tproxy_port"`
	RedirPort  int       `json:"redir_port" yaml:"redir_port"`
	LanProxy   bool      `json:"lan_proxy" yaml:"lan_proxy"`
	AutoStart  bool      `json:"auto_start" yaml:"auto_start"`
	// ListenPort 控制面保存的旧透明代理端口，本地不使用，读改写时原样带回
	ListenPort int `json:"listen_port,omitempty" yaml:"listen_port,omitempty"`
}

// DefaultAppConfig 控制面首次启动时的默认设置
func DefaultAppConfig() AppConfig {
	return AppConfig{
		ProxyMode:  ModeTUN,
		MixedPort:  7890,
		RedirPort:  7892,
		TProxyPort: 7893,
		ListenPort: 7890,
	}
}

// 入站类型
const (
	InboundTUN      = "tun"
	InboundTProxy   = "tproxy"
	InboundRedirect = "redirect"
	InboundMixed    = "mixed"
)

// Inbound sing-box 入站定义，按Type区分各模式字段
type Inbound struct {
	Type          string `json:"type" yaml:"type"`
	Tag           string `json:"tag" yaml:"tag"`
	Listen        string `json:"listen,omitempty" yaml:"listen,omitempty"`
	ListenPort    int    `json:"listen_port,omitempty" yaml:"listen_port,omitempty"`
	Sniff         bool   `json:"sniff,omitempty" yaml:"sniff,omitempty"`
	SniffOverride bool   `json:"sniff_override_destination,omitempty" yaml:"sniff_override_destination,omitempty"`
	// TUN
	InterfaceName string   `json:"interface_name,omitempty" yaml:"interface_name,omitempty"`
	AutoRoute     bool     `json:"auto_route,omitempty" yaml:"auto_route,omitempty"`
	AutoRedirect  bool     `json:"auto_redirect,omitempty" yaml:"auto_redirect,omitempty"`
	StrictRoute   bool     `json:"strict_route,omitempty" yaml:"strict_route,omitempty"`
	Stack         string   `json:"stack,omitempty" yaml:"stack,omitempty"`
	RouteAddress  []string `json:"route_address,omitempty" yaml:"route_address,omitempty"`
	// tproxy
	Network string `json:"network,omitempty" yaml:"network,omitempty"`
}

// SubscribeRequest POST /subscribe 请求
type SubscribeRequest struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// SubscribeResponse POST /subscribe 响应
type SubscribeResponse struct {
	Imported int `json:"imported"`
}
