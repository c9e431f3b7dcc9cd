// Package console 管理一次控制台会话的生命周期：状态轮询、连接轮询、日志与流量推送，
// 以及操作员发起的启停、关闭连接、切换节点和下发设置。
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/config"
	"github.com/nspass/singbox-console/pkg/inbound"
	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/nspass/singbox-console/pkg/preflight"
	"github.com/nspass/singbox-console/pkg/proxygroup"
	"github.com/nspass/singbox-console/pkg/store"
	"github.com/nspass/singbox-console/pkg/stream"
	"github.com/nspass/singbox-console/pkg/traffic"
	"github.com/sirupsen/logrus"
)

// Command 进程控制命令
type Command string

const (
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandRestart Command = "restart"
)

// PortChecker 下发前的端口检查
type PortChecker interface {
	Check(ctx context.Context, listeners []inbound.Listener) error
}

// ErrSessionStopped 会话已结束
var ErrSessionStopped = errors.New("会话已结束")

// Session 控制台会话
type Session struct {
	config  *config.Config
	client  *api.Client
	store   *store.Store
	history *traffic.History
	groups  *proxygroup.Controller
	ports   PortChecker

	unobserve func()
	startedAt time.Time

	// 控制相关
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending sync.WaitGroup
	running bool
	stopped bool
	mu      sync.Mutex

	log *logrus.Entry
}

// NewSession 创建会话。会话在Stop之后不可再次启动
func NewSession(cfg *config.Config, client *api.Client) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		config:  cfg,
		client:  client,
		store:   store.New(),
		history: traffic.NewHistory(nil),
		groups:  proxygroup.NewController(client),
		ports:   preflight.NewChecker(),
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.GetConsoleLogger(),
	}

	// 流量历史由瞬时流量派生
	s.unobserve = s.store.Subscribe(func(e store.Event) {
		if e.Field == store.FieldTraffic {
			s.history.Append(e.Traffic)
		}
	})

	return s
}

// Store 会话的状态存储
func (s *Session) Store() *store.Store { return s.store }

// History 流量历史
func (s *Session) History() *traffic.History { return s.history }

// Groups 代理组镜像
func (s *Session) Groups() *proxygroup.Controller { return s.groups }

// Client 控制面客户端
func (s *Session) Client() *api.Client { return s.client }

// Start 启动两个轮询任务和两个推送订阅，四者互相独立
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}
	if s.running {
		return fmt.Errorf("会话已在运行")
	}

	s.log.WithField("base_url", s.client.GetBaseURL()).Info("启动控制台会话")
	s.startedAt = time.Now()

	s.wg.Add(4)
	go s.pollLoop("status", s.config.StatusInterval(), s.pollStatus)
	go s.pollLoop("connections", s.config.ConnectionsInterval(), s.pollConnections)
	go s.logsLoop()
	go s.trafficLoop()

	s.running = true
	return nil
}

// Stop 取消所有计时器和订阅并等待任务退出。可重复调用
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	s.wg.Wait()
	s.pending.Wait()
	s.unobserve()

	if s.running {
		s.running = false
		logger.LogShutdown("console-session", time.Since(s.startedAt))
		s.log.Info("控制台会话已停止")
	}
}

// pollLoop 立即执行一次，之后按固定间隔执行。单次失败不影响下一次
func (s *Session) pollLoop(name string, interval time.Duration, poll func(ctx context.Context) error) {
	defer s.wg.Done()

	log := s.log.WithField("task", name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		if err := poll(s.ctx); err != nil && s.ctx.Err() == nil {
			logPollError(log, err)
		}
	}

	run()
	for {
		select {
		case <-s.ctx.Done():
			log.Debug("轮询任务退出")
			return
		case <-ticker.C:
			run()
		}
	}
}

// logPollError 传输错误只记debug，保留上一次的值
func logPollError(log *logrus.Entry, err error) {
	if api.IsTransport(err) {
		log.WithError(err).Debug("轮询失败，保留上次结果")
		return
	}
	log.WithError(err).Warn("轮询失败，保留上次结果")
}

func (s *Session) pollStatus(ctx context.Context) error {
	status, err := s.client.GetStatus(ctx)
	if err != nil {
		return err
	}
	s.store.SetStatus(status.Status, status.Error)
	return nil
}

func (s *Session) pollConnections(ctx context.Context) error {
	conns, err := s.client.GetConnections(ctx)
	if err != nil {
		return err
	}
	s.store.SetConnections(conns)

	if err := s.groups.Refresh(ctx); err != nil && ctx.Err() == nil {
		logPollError(s.log.WithField("task", "proxies"), err)
	}
	return nil
}

// RefreshStatus 立即拉取一次状态
func (s *Session) RefreshStatus(ctx context.Context) error {
	return s.pollStatus(ctx)
}

// RefreshConnections 立即拉取一次连接列表和代理组
func (s *Session) RefreshConnections(ctx context.Context) error {
	return s.pollConnections(ctx)
}

func (s *Session) streamOptions(name string) stream.Options {
	return stream.Options{
		Name:           name,
		ReconnectDelay: s.config.ReconnectDelay(),
		Jitter:         s.config.ReconnectJitter(),
	}
}

// StreamFactory 推送流连接工厂，鉴权与TLS设置与HTTP客户端一致
func StreamFactory(client *api.Client, path string) stream.Factory {
	return stream.WebSocket(stream.DialConfig{
		URL:           client.StreamURL(path),
		Header:        client.AuthHeader(),
		TLSSkipVerify: client.TLSSkipVerify(),
	})
}

// logsLoop 先回填控制面缓存的日志，再订阅日志推送
func (s *Session) logsLoop() {
	defer s.wg.Done()

	if entries, err := s.client.GetLogs(s.ctx); err != nil {
		if s.ctx.Err() == nil {
			logPollError(s.log.WithField("task", "logs"), err)
		}
	} else {
		for _, e := range entries {
			s.store.AppendLog(e)
		}
	}
	if s.ctx.Err() != nil {
		return
	}

	sub := stream.Open(StreamFactory(s.client, stream.LogsPath), stream.DecodeLogEntry,
		s.store.AppendLog, s.streamOptions("logs"))
	<-s.ctx.Done()
	sub.Close()
}

func (s *Session) trafficLoop() {
	defer s.wg.Done()

	sub := stream.Open(StreamFactory(s.client, stream.TrafficPath), stream.DecodeTraffic,
		s.store.SetTraffic, s.streamOptions("traffic"))
	<-s.ctx.Done()
	sub.Close()
}

// Command 执行启停命令。远端异步执行，成功后立即刷新一次状态并延迟再刷新一次；
// 远端拒绝时直接返回错误，本地状态不变
func (s *Session) Command(ctx context.Context, cmd Command) error {
	var (
		call  func(context.Context) error
		delay time.Duration
	)
	switch cmd {
	case CommandStart:
		call, delay = s.client.Start, s.config.StartRepollDelay()
	case CommandStop:
		call, delay = s.client.Stop, s.config.StartRepollDelay()
	case CommandRestart:
		call, delay = s.client.Restart, s.config.RestartRepollDelay()
	default:
		return &api.ValidationError{Field: "command", Reason: fmt.Sprintf("未知命令 %q", cmd)}
	}

	// 占用pending直到补充轮询调度完成，Stop会等待本次命令结束
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	s.pending.Add(1)
	s.mu.Unlock()
	defer s.pending.Done()

	if err := call(ctx); err != nil {
		s.log.WithError(err).WithField("command", cmd).Warn("命令执行失败")
		return err
	}
	logger.LogAudit(string(cmd), "singbox", nil)

	if err := s.RefreshStatus(ctx); err != nil {
		logPollError(s.log.WithField("task", "repoll"), err)
	}
	s.scheduleRepoll(delay)
	return nil
}

// scheduleRepoll 延迟刷新状态，会话结束时取消
func (s *Session) scheduleRepoll(delay time.Duration) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
		case <-timer.C:
			if err := s.RefreshStatus(s.ctx); err != nil && s.ctx.Err() == nil {
				logPollError(s.log.WithField("task", "repoll"), err)
			}
		}
	}()
}

// Settle 等待已调度的延迟刷新完成
func (s *Session) Settle() {
	s.pending.Wait()
}

// CloseConnection 先从本地列表移除再请求远端关闭。远端失败时不恢复本地行，
// 下一次轮询会以远端结果为准
func (s *Session) CloseConnection(ctx context.Context, id string) error {
	if id == "" {
		return &api.ValidationError{Field: "id", Reason: "不能为空"}
	}
	s.store.RemoveConnection(id)

	if err := s.client.CloseConnection(ctx, id); err != nil {
		s.log.WithError(err).WithField("connection_id", id).Warn("关闭连接失败")
		return err
	}
	logger.LogAudit("close_connection", id, nil)
	return nil
}

// SelectProxy 切换代理组节点，远端确认后才更新本地镜像
func (s *Session) SelectProxy(ctx context.Context, group, member string) error {
	return s.groups.Select(ctx, group, member)
}

// ApplyAppConfig 校验设置、可选地检查端口占用，然后依次保存设置和生成的入站。
// 任一步失败都不再继续发送后续请求
func (s *Session) ApplyAppConfig(ctx context.Context, cfg api.AppConfig, checkPorts bool) ([]api.Inbound, error) {
	inbounds, err := inbound.Synthesize(cfg)
	if err != nil {
		return nil, err
	}

	if checkPorts {
		if err := s.ports.Check(ctx, inbound.ListenPorts(inbounds)); err != nil {
			return nil, err
		}
	}

	if err := s.client.SetAppConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("保存设置失败: %w", err)
	}
	if err := s.client.SetInbounds(ctx, inbounds); err != nil {
		return nil, fmt.Errorf("下发入站配置失败: %w", err)
	}

	logger.LogAudit("apply_app_config", string(cfg.ProxyMode), logrus.Fields{
		"mixed_port": cfg.MixedPort,
		"lan_proxy":  cfg.LanProxy,
		"inbounds":   len(inbounds),
	})
	return inbounds, nil
}
