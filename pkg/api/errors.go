package api

import (
	"errors"
	"fmt"
)

// TransportError 网络或HTTP层失败（连接失败、超时、请求被取消）
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: 传输失败: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteRejection 远端返回非2xx，Message取自 {error} 或状态文本
type RemoteRejection struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("%s: 远端拒绝(%d): %s", e.Op, e.StatusCode, e.Message)
}

// DecodeError 响应或推送消息格式错误
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("解析%s失败: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError 操作员输入的配置在提交前校验失败
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "配置校验失败: " + e.Reason
	}
	return fmt.Sprintf("配置校验失败: %s %s", e.Field, e.Reason)
}

// IsTransport 判断是否为传输层错误
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejection 判断是否为远端拒绝
func IsRejection(err error) bool {
	var re *RemoteRejection
	return errors.As(err, &re)
}
