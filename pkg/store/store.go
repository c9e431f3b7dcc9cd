// Package store 保存远端代理进程状态的本地镜像。
//
// Store 只有四个写入口（SetStatus、AppendLog、SetTraffic、SetConnections），每个写入口
// 在锁内一次性替换对应字段，读方拿到的总是完整的副本。观察者在锁外、在写入方的goroutine中回调。
package store

import (
	"slices"
	"sync"
	"time"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/sirupsen/logrus"
)

// LogCapacity 日志缓冲区容量
const LogCapacity = 500

// Field 发生变化的字段
type Field int

const (
	FieldStatus Field = iota
	FieldLogs
	FieldTraffic
	FieldConnections
)

func (f Field) String() string {
	switch f {
	case FieldStatus:
		return "status"
	case FieldLogs:
		return "logs"
	case FieldTraffic:
		return "traffic"
	case FieldConnections:
		return "connections"
	}
	return "unknown"
}

// Event 变更通知，只有与Field对应的值有效
type Event struct {
	Field   Field
	Status  api.StatusResponse
	Log     api.LogEntry
	Traffic api.TrafficSample
}

// Observer 变更观察者
type Observer func(Event)

// Snapshot 某一时刻各字段的副本
type Snapshot struct {
	Status      api.StatusResponse
	StatusAt    time.Time
	Traffic     api.TrafficSample
	Logs        []api.LogEntry
	LogsDropped int64
	Connections []api.Connection
}

// Store 客户端状态存储
type Store struct {
	mu          sync.RWMutex
	status      api.StatusResponse
	statusAt    time.Time
	traffic     api.TrafficSample
	logs        *Ring[api.LogEntry]
	logsDropped int64
	connections []api.Connection

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextID    int

	now func() time.Time
	log *logrus.Entry
}

// New 创建空的状态存储，初始状态为stopped
func New() *Store {
	return &Store{
		status:    api.StatusResponse{Status: api.StatusStopped},
		logs:      NewRing[api.LogEntry](LogCapacity),
		observers: make(map[int]Observer),
		now:       time.Now,
		log:       logger.GetStoreLogger(),
	}
}

// Subscribe 注册观察者，返回取消函数
func (s *Store) Subscribe(o Observer) func() {
	s.obsMu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Store) notify(e Event) {
	s.obsMu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.obsMu.RUnlock()

	for _, o := range observers {
		o(e)
	}
}

// SetStatus 替换进程状态及其错误信息
func (s *Store) SetStatus(status api.AppStatus, statusErr string) {
	next := api.StatusResponse{Status: status, Error: statusErr}

	s.mu.Lock()
	prev := s.status
	s.status = next
	s.statusAt = s.now()
	s.mu.Unlock()

	if prev.Status != next.Status {
		logger.LogStateChange("singbox", string(prev.Status), string(next.Status), statusErr)
	}
	s.notify(Event{Field: FieldStatus, Status: next})
}

// AppendLog 追加一条日志，超出容量时丢弃最旧的一条
func (s *Store) AppendLog(entry api.LogEntry) {
	s.mu.Lock()
	if s.logs.Push(entry) {
		s.logsDropped++
	}
	s.mu.Unlock()

	s.notify(Event{Field: FieldLogs, Log: entry})
}

// SetTraffic 替换瞬时流量
func (s *Store) SetTraffic(sample api.TrafficSample) {
	s.mu.Lock()
	s.traffic = sample
	s.mu.Unlock()

	s.notify(Event{Field: FieldTraffic, Traffic: sample})
}

// SetConnections 整体替换连接列表
func (s *Store) SetConnections(conns []api.Connection) {
	next := slices.Clone(conns)

	s.mu.Lock()
	s.connections = next
	s.mu.Unlock()

	s.notify(Event{Field: FieldConnections})
}

// RemoveConnection 从连接列表中移除指定连接，返回是否存在。
// 读取和替换在同一把锁内完成，不会覆盖并发轮询写入的列表。
func (s *Store) RemoveConnection(id string) bool {
	s.mu.Lock()
	idx := slices.IndexFunc(s.connections, func(c api.Connection) bool { return c.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	next := make([]api.Connection, 0, len(s.connections)-1)
	next = append(next, s.connections[:idx]...)
	next = append(next, s.connections[idx+1:]...)
	s.connections = next
	s.mu.Unlock()

	s.notify(Event{Field: FieldConnections})
	return true
}

// Status 当前进程状态
func (s *Store) Status() api.StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Traffic 当前瞬时流量
func (s *Store) Traffic() api.TrafficSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traffic
}

// Logs 按到达顺序返回缓冲区中的日志
func (s *Store) Logs() []api.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs.Slice()
}

// Connections 当前连接列表的副本
func (s *Store) Connections() []api.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.connections)
}

// Snapshot 一次性复制所有字段
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Status:      s.status,
		StatusAt:    s.statusAt,
		Traffic:     s.traffic,
		Logs:        s.logs.Slice(),
		LogsDropped: s.logsDropped,
		Connections: slices.Clone(s.connections),
	}
}
