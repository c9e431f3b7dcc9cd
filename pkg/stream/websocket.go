package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nspass/singbox-console/pkg/api"
)

// 推送流路径（相对控制面API基础地址）
const (
	LogsPath    = "/logs/ws"
	TrafficPath = "/traffic/ws"
)

// DialConfig WebSocket连接参数
type DialConfig struct {
	URL              string
	Header           http.Header
	TLSSkipVerify    bool
	HandshakeTimeout time.Duration
	// ReadTimeout 两条消息之间允许的最长间隔，零值表示不限制
	ReadTimeout time.Duration
}

// wsSource 基于gorilla/websocket的推送连接
type wsSource struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (w *wsSource) ReadMessage() ([]byte, error) {
	if w.readTimeout > 0 {
		if err := w.conn.SetReadDeadline(time.Now().Add(w.readTimeout)); err != nil {
			return nil, err
		}
	}
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsSource) Close() error {
	return w.conn.Close()
}

// WebSocket 返回每次调用都重新拨号的Factory
func WebSocket(cfg DialConfig) Factory {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
	}

	return func(ctx context.Context) (Source, error) {
		conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("建立WebSocket连接失败(%s): %w", resp.Status, err)
			}
			return nil, fmt.Errorf("建立WebSocket连接失败: %w", err)
		}
		return &wsSource{conn: conn, readTimeout: cfg.ReadTimeout}, nil
	}
}

// JSON 解码单条JSON消息，validate可为nil
func JSON[T any](validate func(T) error) Decoder[T] {
	return func(data []byte) (T, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return v, &api.DecodeError{What: "推送消息", Err: err}
		}
		if validate != nil {
			if err := validate(v); err != nil {
				return v, &api.DecodeError{What: "推送消息", Err: err}
			}
		}
		return v, nil
	}
}

// DecodeLogEntry 日志推送解码
var DecodeLogEntry = JSON[api.LogEntry](nil)

// DecodeTraffic 流量推送解码，拒绝负数速率
var DecodeTraffic = JSON(api.TrafficSample.Validate)
