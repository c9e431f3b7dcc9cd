// Package traffic 维护最近一段时间的流量曲线。
package traffic

import (
	"sync"
	"time"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/store"
)

// Capacity 历史窗口长度
const Capacity = 60

// Point 某一时刻的流量采样
type Point struct {
	Time              time.Time `json:"time" yaml:"time"`
	api.TrafficSample `yaml:",inline"`
}

// Clock 时间来源
type Clock func() time.Time

// History 定长流量历史，超出容量时丢弃最旧的点
type History struct {
	mu     sync.Mutex
	points *store.Ring[Point]
	clock  Clock
}

// NewHistory 创建流量历史，clock为nil时使用time.Now
func NewHistory(clock Clock) *History {
	if clock == nil {
		clock = time.Now
	}
	return &History{
		points: store.NewRing[Point](Capacity),
		clock:  clock,
	}
}

// Append 以当前时间记录一个采样。时钟回拨时沿用上一个点的时间，保证时间戳不递减
func (h *History) Append(sample api.TrafficSample) Point {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock()
	if last, ok := h.points.Last(); ok && now.Before(last.Time) {
		now = last.Time
	}
	p := Point{Time: now, TrafficSample: sample}
	h.points.Push(p)
	return p
}

// Points 按时间顺序返回所有点
func (h *History) Points() []Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.points.Slice()
}

// Len 当前点数
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.points.Len()
}

// Reset 清空历史
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points.Reset()
}

// Summary 窗口内的峰值与均值
type Summary struct {
	Samples  int   `json:"samples" yaml:"samples"`
	PeakUp   int64 `json:"peak_up" yaml:"peak_up"`
	PeakDown int64 `json:"peak_down" yaml:"peak_down"`
	AvgUp    int64 `json:"avg_up" yaml:"avg_up"`
	AvgDown  int64 `json:"avg_down" yaml:"avg_down"`
}

// Summarize 统计当前窗口
func (h *History) Summarize() Summary {
	points := h.Points()
	s := Summary{Samples: len(points)}
	if len(points) == 0 {
		return s
	}
	var sumUp, sumDown int64
	for _, p := range points {
		sumUp += p.Up
		sumDown += p.Down
		s.PeakUp = max(s.PeakUp, p.Up)
		s.PeakDown = max(s.PeakDown, p.Down)
	}
	s.AvgUp = sumUp / int64(len(points))
	s.AvgDown = sumDown / int64(len(points))
	return s
}
