package traffic

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nspass/singbox-console/pkg/api"
)

// fakeClock 每次调用前进一秒
func fakeClock(start time.Time) Clock {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(time.Second)
		return t
	}
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestHistoryKeepsLastSixty(t *testing.T) {
	for _, n := range []int{0, 1, 59, 60, 61, 200} {
		t.Run(fmt.Sprintf("%d个采样", n), func(t *testing.T) {
			h := NewHistory(fakeClock(epoch))
			for i := 0; i < n; i++ {
				h.Append(api.TrafficSample{Up: int64(i), Down: int64(i * 2)})
				if h.Len() > Capacity {
					t.Fatalf("历史超出容量: %d", h.Len())
				}
			}

			points := h.Points()
			wantLen := min(n, Capacity)
			if len(points) != wantLen {
				t.Fatalf("点数错误: 期望 %d，实际 %d", wantLen, len(points))
			}
			first := n - wantLen
			for i, p := range points {
				if p.Up != int64(first+i) {
					t.Errorf("第%d个点应为第%d个采样，实际 up=%d", i, first+i, p.Up)
				}
				if i > 0 && p.Time.Before(points[i-1].Time) {
					t.Errorf("时间戳递减: %v < %v", p.Time, points[i-1].Time)
				}
			}
		})
	}
}

func TestHistoryDeterministic(t *testing.T) {
	samples := []api.TrafficSample{{Up: 1}, {Down: 2}, {Up: 3, Down: 4}}

	run := func() []Point {
		h := NewHistory(fakeClock(epoch))
		for _, s := range samples {
			h.Append(s)
		}
		return h.Points()
	}

	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("相同输入产生不同输出 (-first +second):\n%s", diff)
	}
}

func TestHistoryClockGoesBackwards(t *testing.T) {
	times := []time.Time{epoch.Add(5 * time.Second), epoch, epoch.Add(10 * time.Second)}
	i := 0
	h := NewHistory(func() time.Time {
		t := times[i]
		i++
		return t
	})
	for range times {
		h.Append(api.TrafficSample{})
	}

	got := h.Points()
	want := []time.Time{times[0], times[0], times[2]}
	for i := range want {
		if !got[i].Time.Equal(want[i]) {
			t.Errorf("第%d个点时间错误: 期望 %v，实际 %v", i, want[i], got[i].Time)
		}
	}
}

func TestHistoryResetAndSummary(t *testing.T) {
	h := NewHistory(fakeClock(epoch))
	h.Append(api.TrafficSample{Up: 100, Down: 1000})
	h.Append(api.TrafficSample{Up: 300, Down: 0})

	want := Summary{Samples: 2, PeakUp: 300, PeakDown: 1000, AvgUp: 200, AvgDown: 500}
	if diff := cmp.Diff(want, h.Summarize()); diff != "" {
		t.Errorf("统计错误 (-want +got):\n%s", diff)
	}

	h.Reset()
	if h.Len() != 0 {
		t.Errorf("Reset后应为空: %d", h.Len())
	}
	if diff := cmp.Diff(Summary{}, h.Summarize()); diff != "" {
		t.Errorf("空窗口统计错误 (-want +got):\n%s", diff)
	}

	p := h.Append(api.TrafficSample{Up: 7})
	if p.Up != 7 || h.Len() != 1 {
		t.Errorf("Reset后应可继续写入: %+v", h.Points())
	}
}
