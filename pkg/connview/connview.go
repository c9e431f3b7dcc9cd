// Package connview 连接列表的过滤与展示格式化。本包不持有状态，每次查询都基于调用方传入的快照重新计算。
package connview

import (
	"fmt"
	"strings"
	"time"

	"github.com/nspass/singbox-console/pkg/api"
)

const (
	kib = 1024
	mib = 1024 * 1024
)

// UnknownHost 既无host也无目标IP时显示的名称
const UnknownHost = "unknown"

// ChainSeparator 出站链拼接分隔符
const ChainSeparator = " → "

// Filter 返回host、目标IP、规则名或任一出站链包含query（不区分大小写）的连接，
// 保持原有顺序，不修改输入。query为空时原样返回。
func Filter(conns []api.Connection, query string) []api.Connection {
	if query == "" {
		return conns
	}
	q := strings.ToLower(query)

	out := make([]api.Connection, 0, len(conns))
	for _, c := range conns {
		if matches(c, q) {
			out = append(out, c)
		}
	}
	return out
}

func matches(c api.Connection, q string) bool {
	if m := c.Metadata; m != nil {
		if contains(m.Host, q) || contains(m.DestinationIP, q) {
			return true
		}
	}
	if contains(c.Rule, q) {
		return true
	}
	for _, chain := range c.Chains {
		if contains(chain, q) {
			return true
		}
	}
	return false
}

func contains(s, lowerQuery string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), lowerQuery)
}

// FormatBytes 字节数: <1024 → "512B"，<1MiB → "2.0KB"，其余 → "3.00MB"
func FormatBytes(b int64) string {
	switch {
	case b < kib:
		return fmt.Sprintf("%dB", b)
	case b < mib:
		return fmt.Sprintf("%.1fKB", float64(b)/kib)
	default:
		return fmt.Sprintf("%.2fMB", float64(b)/mib)
	}
}

// FormatRate 速率: "N B/s"、"N.N KB/s"、"N.NN MB/s"
func FormatRate(bps int64) string {
	switch {
	case bps < kib:
		return fmt.Sprintf("%d B/s", bps)
	case bps < mib:
		return fmt.Sprintf("%.1f KB/s", float64(bps)/kib)
	default:
		return fmt.Sprintf("%.2f MB/s", float64(bps)/mib)
	}
}

// FormatElapsed 已持续时间: <60s → "Ns"，<3600s → "Nm"，其余 → "Nh"，均向下取整
func FormatElapsed(d time.Duration) string {
	s := int64(d / time.Second)
	if s < 0 {
		s = 0
	}
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm", s/60)
	default:
		return fmt.Sprintf("%dh", s/3600)
	}
}

// Row 一条连接的展示形式
type Row struct {
	ID       string `json:"id" yaml:"id"`
	Host     string `json:"host" yaml:"host"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Network  string `json:"network" yaml:"network"`
	Chains   string `json:"chains" yaml:"chains"`
	Rule     string `json:"rule" yaml:"rule"`
	Upload   string `json:"upload" yaml:"upload"`
	Download string `json:"download" yaml:"download"`
	Elapsed  string `json:"elapsed" yaml:"elapsed"`
}

// Render 将连接格式化为展示行，now为计算持续时间的参考时刻
func Render(c api.Connection, now time.Time) Row {
	m := c.Metadata
	if m == nil {
		m = &api.ConnectionMetadata{}
	}

	host := m.Host
	if host == "" {
		host = m.DestinationIP
	}
	if host == "" {
		host = UnknownHost
	}

	rule := c.Rule
	if c.RulePayload != "" {
		rule = fmt.Sprintf("%s (%s)", c.Rule, c.RulePayload)
	}

	elapsed := ""
	if !c.Start.IsZero() {
		elapsed = FormatElapsed(now.Sub(c.Start))
	}

	return Row{
		ID:       c.ID,
		Host:     host,
		Endpoint: fmt.Sprintf("%s:%s → :%s", m.SourceIP, m.SourcePort, m.DestinationPort),
		Network:  strings.ToUpper(m.Network),
		Chains:   strings.Join(c.Chains, ChainSeparator),
		Rule:     rule,
		Upload:   FormatBytes(c.Upload),
		Download: FormatBytes(c.Download),
		Elapsed:  elapsed,
	}
}

// RenderAll 批量格式化
func RenderAll(conns []api.Connection, now time.Time) []Row {
	rows := make([]Row, 0, len(conns))
	for _, c := range conns {
		rows = append(rows, Render(c, now))
	}
	return rows
}

// Totals 连接列表的累计流量
type Totals struct {
	Count    int   `json:"count" yaml:"count"`
	Upload   int64 `json:"upload" yaml:"upload"`
	Download int64 `json:"download" yaml:"download"`
}

// Sum 统计连接数与累计上下行字节
func Sum(conns []api.Connection) Totals {
	t := Totals{Count: len(conns)}
	for _, c := range conns {
		t.Upload += c.Upload
		t.Download += c.Download
	}
	return t
}
