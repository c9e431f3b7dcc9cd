package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nspass/singbox-console/pkg/config"
	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/sirupsen/logrus"
)

// 单个错误响应体的读取上限
const maxErrorBody = 64 << 10

// 可通过 /config/{section} 读写的配置段
var Sections = []string{"dns", "route", "outbounds", "inbounds"}

// SettableSections 可通过PutSection整体替换的配置段，入站只能经由SetInbounds下发生成结果
var SettableSections = []string{"dns", "route", "outbounds"}

// Client 控制面API客户端。本层不做重试，失败原样返回给调用方决定策略
type Client struct {
	config     config.APIConfig
	baseURL    *url.URL
	httpClient *http.Client
	log        *logrus.Entry
}

// NewClient 创建新的API客户端
func NewClient(cfg config.APIConfig) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("无效的API地址: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("API地址仅支持http/https: %s", cfg.BaseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}

	client := &Client{
		config:  cfg,
		baseURL: u,
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.Timeout) * time.Second,
			Transport: transport,
		},
		log: logger.GetAPILogger(),
	}

	logger.LogStartup("api-client", "1.0", map[string]interface{}{
		"base_url": u.String(),
		"timeout":  cfg.Timeout,
	})

	return client, nil
}

// GetBaseURL 获取API基础URL
func (c *Client) GetBaseURL() string {
	return c.baseURL.String()
}

// AuthHeader 鉴权请求头，推送流握手时复用
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "singbox-console/1.0")
	if c.config.Token != "" {
		h.Set("Authorization", "Bearer "+c.config.Token)
	}
	return h
}

// StreamURL 推送流地址，http→ws，https→wss
func (c *Client) StreamURL(path string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// TLSSkipVerify 是否跳过TLS证书验证
func (c *Client) TLSSkipVerify() bool {
	return c.config.TLSSkipVerify
}

// Fetch 单次读取远端资源并解码到target
func (c *Client) Fetch(ctx context.Context, resource string, target interface{}) error {
	return c.do(ctx, http.MethodGet, resource, nil, target)
}

// do 执行一次请求：非2xx → RemoteRejection，网络失败 → TransportError，解码失败 → DecodeError
func (c *Client) do(ctx context.Context, method, path string, body interface{}, target interface{}) error {
	startTime := time.Now()
	op := method + " " + path
	requestID := uuid.NewString()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &ValidationError{Reason: fmt.Sprintf("请求体无法序列化: %v", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	for k, v := range c.AuthHeader() {
		req.Header[k] = v
	}
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log := c.log.WithFields(logrus.Fields{
		"method":     method,
		"path":       path,
		"request_id": requestID,
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Debug("控制面请求失败")
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rejection := &RemoteRejection{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp),
		}
		log.WithFields(logrus.Fields{
			"status_code": resp.StatusCode,
			"message":     rejection.Message,
		}).Debug("控制面拒绝请求")
		return rejection
	}

	if target == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		logger.LogPerformance("api_"+strings.ToLower(method), time.Since(startTime), logrus.Fields{"path": path})
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		// 读取响应体时请求被取消或超时属于传输错误
		if ctx.Err() != nil {
			return &TransportError{Op: op, Err: err}
		}
		return &DecodeError{What: op + " 响应", Err: err}
	}

	logger.LogPerformance("api_"+strings.ToLower(method), time.Since(startTime), logrus.Fields{"path": path})
	return nil
}

// errorMessage 读取 {error} 错误体，缺失时退回状态文本
func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if len(data) > 0 && json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

// GetStatus 获取代理进程状态
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.Fetch(ctx, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Start 启动代理进程（远端异步执行）
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/start", nil, nil)
}

// Stop 停止代理进程
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil, nil)
}

// Restart 重启代理进程
func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/restart", nil, nil)
}

// GetAppConfig 获取控制面设置
func (c *Client) GetAppConfig(ctx context.Context) (*AppConfig, error) {
	var cfg AppConfig
	if err := c.Fetch(ctx, "/app-config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetAppConfig 保存控制面设置
func (c *Client) SetAppConfig(ctx context.Context, cfg AppConfig) error {
	return c.do(ctx, http.MethodPut, "/app-config", cfg, nil)
}

// GetSection 读取配置段原始JSON
func (c *Client) GetSection(ctx context.Context, section string) (json.RawMessage, error) {
	if err := checkSection(section, Sections); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.Fetch(ctx, "/config/"+section, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// PutSection 整体替换配置段，返回远端保存后的内容
func (c *Client) PutSection(ctx context.Context, section string, body interface{}) (json.RawMessage, error) {
	if err := checkSection(section, SettableSections); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPut, "/config/"+section, body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func checkSection(section string, allowed []string) error {
	for _, s := range allowed {
		if s == section {
			return nil
		}
	}
	return &ValidationError{Field: "section", Reason: fmt.Sprintf("不支持的配置段 %q", section)}
}

// GetInbounds 读取入站配置
func (c *Client) GetInbounds(ctx context.Context) ([]Inbound, error) {
	var inbounds []Inbound
	if err := c.Fetch(ctx, "/config/inbounds", &inbounds); err != nil {
		return nil, err
	}
	return inbounds, nil
}

// SetInbounds 整体替换入站配置
func (c *Client) SetInbounds(ctx context.Context, inbounds []Inbound) error {
	return c.do(ctx, http.MethodPut, "/config/inbounds", inbounds, nil)
}

// Subscribe 导入订阅
func (c *Client) Subscribe(ctx context.Context, subURL, name string) (*SubscribeResponse, error) {
	if _, err := url.ParseRequestURI(subURL); err != nil {
		return nil, &ValidationError{Field: "url", Reason: err.Error()}
	}
	var resp SubscribeResponse
	if err := c.do(ctx, http.MethodPost, "/subscribe", SubscribeRequest{URL: subURL, Name: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetConnections 获取当前所有连接
func (c *Client) GetConnections(ctx context.Context) ([]Connection, error) {
	var resp ConnectionsResponse
	if err := c.Fetch(ctx, "/connections", &resp); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// CloseConnection 关闭指定连接
func (c *Client) CloseConnection(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Reason: "不能为空"}
	}
	return c.do(ctx, http.MethodDelete, "/connections/"+url.PathEscape(id), nil, nil)
}

// GetProxies 获取所有代理及代理组
func (c *Client) GetProxies(ctx context.Context) (*ProxiesResponse, error) {
	var resp ProxiesResponse
	if err := c.Fetch(ctx, "/proxies", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SelectProxy 切换代理组当前节点
func (c *Client) SelectProxy(ctx context.Context, group, name string) error {
	body := struct {
		Name string `json:"name"`
	}{Name: name}
	return c.do(ctx, http.MethodPut, "/proxies/"+url.PathEscape(group), body, nil)
}

// GetLogs 获取控制面缓存的最近日志
func (c *Client) GetLogs(ctx context.Context) ([]LogEntry, error) {
	var entries []LogEntry
	if err := c.Fetch(ctx, "/logs", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetTraffic 获取一次瞬时流量
func (c *Client) GetTraffic(ctx context.Context) (*TrafficSample, error) {
	var sample TrafficSample
	if err := c.Fetch(ctx, "/traffic", &sample); err != nil {
		return nil, err
	}
	if err := sample.Validate(); err != nil {
		return nil, &DecodeError{What: "GET /traffic 响应", Err: err}
	}
	return &sample, nil
}
