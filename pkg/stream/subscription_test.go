package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/nspass/singbox-console/pkg/api"
)

var errSourceClosed = errors.New("source closed")

// fakeSource 按顺序吐出预置消息，读完后阻塞直到Close
type fakeSource struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSource(msgs ...string) *fakeSource {
	s := &fakeSource{
		msgs:   make(chan []byte, len(msgs)),
		closed: make(chan struct{}),
	}
	for _, m := range msgs {
		s.msgs <- []byte(m)
	}
	return s
}

func (s *fakeSource) ReadMessage() ([]byte, error) {
	select {
	case <-s.closed:
		return nil, errSourceClosed
	default:
	}
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return nil, errSourceClosed
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// brokenSource 第一次读取即失败
type brokenSource struct{}

func (brokenSource) ReadMessage() ([]byte, error) { return nil, errSourceClosed }
func (brokenSource) Close() error                 { return nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func TestSubscriptionReconnectsIndefinitely(t *testing.T) {
	const delay = 30 * time.Millisecond

	var mu sync.Mutex
	var times []time.Time
	factory := func(ctx context.Context) (Source, error) {
		mu.Lock()
		times = append(times, time.Now())
		n := len(times)
		mu.Unlock()
		// 交替出现拨号失败和连接立即断开
		if n%2 == 0 {
			return nil, errors.New("dial refused")
		}
		return brokenSource{}, nil
	}

	sub := Open(factory, DecodeTraffic, func(api.TrafficSample) {}, Options{Name: "traffic", ReconnectDelay: delay})
	defer sub.Close()

	waitFor(t, 2*time.Second, func() bool { return sub.Attempts() >= 5 })

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		if gap < delay {
			t.Errorf("第%d次重连间隔过短: %v", i, gap)
		}
		if gap > delay+200*time.Millisecond {
			t.Errorf("第%d次重连间隔过长: %v", i, gap)
		}
	}
}

func TestSubscriptionSkipsUndecodableMessages(t *testing.T) {
	src := newFakeSource(`not json`, `{"up":1,"down":2}`, `{"up":-1,"down":0}`, `{"up":3,"down":4}`)
	factory := func(ctx context.Context) (Source, error) { return src, nil }

	var mu sync.Mutex
	var got []api.TrafficSample
	sub := Open(factory, DecodeTraffic, func(s api.TrafficSample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}, Options{Name: "traffic", ReconnectDelay: time.Hour})
	defer sub.Close()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	want := []api.TrafficSample{{Up: 1, Down: 2}, {Up: 3, Down: 4}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("投递消息不符 (-want +got):\n%s", diff)
	}
	mu.Unlock()

	if sub.Attempts() != 1 {
		t.Errorf("解码失败不应导致重连，尝试次数: %d", sub.Attempts())
	}
	if src.isClosed() {
		t.Error("解码失败不应关闭连接")
	}
}

func TestSubscriptionCloseDuringDial(t *testing.T) {
	dialing := make(chan struct{})
	release := make(chan struct{})
	src := newFakeSource(`{"time":"2025-01-01T00:00:00Z","level":"info","message":"late"}`)

	factory := func(ctx context.Context) (Source, error) {
		close(dialing)
		// 模拟不响应ctx的拨号
		<-release
		return src, nil
	}

	var mu sync.Mutex
	delivered := 0
	sub := Open(factory, DecodeLogEntry, func(api.LogEntry) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}, Options{Name: "logs", ReconnectDelay: 10 * time.Millisecond})

	<-dialing
	sub.Close()
	close(release)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("订阅未退出")
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Errorf("关闭后不应投递消息，实际投递 %d 条", delivered)
	}
	if !src.isClosed() {
		t.Error("关闭期间建立的连接应被丢弃")
	}
	if sub.Attempts() != 1 {
		t.Errorf("关闭后不应再重连，尝试次数: %d", sub.Attempts())
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	src := newFakeSource()
	sub := Open(func(ctx context.Context) (Source, error) { return src, nil },
		DecodeLogEntry, func(api.LogEntry) {}, Options{Name: "logs"})

	waitFor(t, time.Second, func() bool { return sub.Attempts() == 1 })
	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("订阅未退出")
	}
	if !src.isClosed() {
		t.Error("Close应关闭当前连接")
	}
}

func TestSubscriptionCloseCancelsPendingReconnect(t *testing.T) {
	sub := Open(func(ctx context.Context) (Source, error) { return nil, errors.New("refused") },
		DecodeLogEntry, func(api.LogEntry) {}, Options{Name: "logs", ReconnectDelay: time.Hour})

	waitFor(t, time.Second, func() bool { return sub.Attempts() == 1 })
	sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Close未取消重连计时")
	}
}

func TestChannel(t *testing.T) {
	src := newFakeSource(`{"up":10,"down":20}`, `{"up":30,"down":40}`)
	sub, ch := Channel(func(ctx context.Context) (Source, error) { return src, nil },
		DecodeTraffic, 0, Options{Name: "traffic"})

	var got []api.TrafficSample
	got = append(got, <-ch, <-ch)
	want := []api.TrafficSample{{Up: 10, Down: 20}, {Up: 30, Down: 40}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("channel消息不符 (-want +got):\n%s", diff)
	}

	sub.Close()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("关闭后不应再收到消息")
		}
	case <-time.After(time.Second):
		t.Fatal("channel未关闭")
	}
}

func TestWebSocketSource(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var connects int
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api"+LogsPath {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		connects++
		authHeader = r.Header.Get("Authorization")
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"time":"2025-01-01T00:00:00Z","level":"warn","message":"dns timeout"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"time":"2025-01-01T00:00:01Z","level":"trace","message":"custom level"}`))
		// 服务端主动断开，触发重连
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	factory := WebSocket(DialConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/api" + LogsPath,
		Header: header,
	})

	var entries []api.LogEntry
	var entriesMu sync.Mutex
	sub := Open(factory, DecodeLogEntry, func(e api.LogEntry) {
		entriesMu.Lock()
		entries = append(entries, e)
		entriesMu.Unlock()
	}, Options{Name: "logs", ReconnectDelay: 20 * time.Millisecond})
	defer sub.Close()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2
	})

	mu.Lock()
	if authHeader != "Bearer secret" {
		t.Errorf("握手鉴权头错误: %q", authHeader)
	}
	mu.Unlock()

	entriesMu.Lock()
	defer entriesMu.Unlock()
	if len(entries) < 2 {
		t.Fatalf("收到的日志过少: %d", len(entries))
	}
	if entries[0].Level != api.LogLevelWarn || entries[0].Message != "dns timeout" {
		t.Errorf("第一条日志错误: %+v", entries[0])
	}
	if entries[1].Level != "trace" || entries[1].Level.Known() {
		t.Errorf("未知级别应原样保留: %+v", entries[1])
	}
}
