// Package stream 将推送源（日志、流量）包装为可无限重连的订阅。
//
// 每个订阅在独立的goroutine中运行：建立连接、逐条读取并解码、断开后按固定间隔重连，
// 直到Close被调用。单条消息解码失败只丢弃该条消息，不会断开订阅。
package stream

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/sirupsen/logrus"
)

// DefaultReconnectDelay 默认重连间隔
const DefaultReconnectDelay = 3 * time.Second

// Source 一次推送连接
type Source interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Factory 每次连接尝试都返回一个新的Source
type Factory func(ctx context.Context) (Source, error)

// Decoder 将一条原始消息解码为T
type Decoder[T any] func(data []byte) (T, error)

// Options 订阅参数
type Options struct {
	Name           string        // 用于日志
	ReconnectDelay time.Duration // 固定重连间隔，零值使用DefaultReconnectDelay
	Jitter         time.Duration // 在固定间隔之上附加的随机抖动上限，零值表示不抖动
}

// Subscription 可无限重连的推送订阅
type Subscription[T any] struct {
	name      string
	factory   Factory
	decode    Decoder[T]
	onMessage func(T)
	delay     time.Duration
	jitter    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// deliverMu 保证Close返回后不再有消息投递
	deliverMu sync.Mutex
	closed    bool

	srcMu sync.Mutex
	src   Source

	attempts atomic.Int64
	log      *logrus.Entry
}

// Open 打开订阅并立即开始第一次连接。onMessage在订阅自己的goroutine中依次调用，
// 不能在onMessage内部调用Close。
func Open[T any](factory Factory, decode Decoder[T], onMessage func(T), opts Options) *Subscription[T] {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Subscription[T]{
		name:      opts.Name,
		factory:   factory,
		decode:    decode,
		onMessage: onMessage,
		delay:     opts.ReconnectDelay,
		jitter:    opts.Jitter,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		log:       logger.GetStreamLogger().WithField("stream", opts.Name),
	}

	go s.run()
	return s
}

// Channel 以channel形式消费订阅。channel在订阅结束后关闭；
// 消费方停止读取时，Close依然可以立即生效。
func Channel[T any](factory Factory, decode Decoder[T], buffer int, opts Options) (*Subscription[T], <-chan T) {
	ch := make(chan T, buffer)
	var s *Subscription[T]
	ready := make(chan struct{})
	s = Open(factory, decode, func(v T) {
		<-ready
		select {
		case ch <- v:
		case <-s.ctx.Done():
		}
	}, opts)
	close(ready)

	go func() {
		<-s.done
		close(ch)
	}()
	return s, ch
}

// Close 取消订阅：停止重连计时、关闭当前连接、阻止后续投递。可重复调用。
func (s *Subscription[T]) Close() {
	s.cancel()

	s.srcMu.Lock()
	if s.src != nil {
		_ = s.src.Close()
	}
	s.srcMu.Unlock()

	s.deliverMu.Lock()
	if !s.closed {
		s.closed = true
		s.log.Debug("订阅已关闭")
	}
	s.deliverMu.Unlock()
}

// Done 订阅goroutine退出后关闭
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Attempts 迄今为止的连接尝试次数
func (s *Subscription[T]) Attempts() int64 {
	return s.attempts.Load()
}

// run 连接管理循环
func (s *Subscription[T]) run() {
	defer close(s.done)

	for {
		if s.ctx.Err() != nil {
			return
		}

		attempt := s.attempts.Add(1)
		log := s.log.WithFields(logrus.Fields{
			"attempt":    attempt,
			"attempt_id": uuid.NewString(),
		})

		src, err := s.factory(s.ctx)
		switch {
		case err != nil:
			if s.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("推送流连接失败，等待重连")
		case !s.attach(src):
			// 连接建立期间订阅已被关闭，丢弃该连接
			_ = src.Close()
			return
		default:
			log.Debug("推送流已连接")
			err = s.readLoop(src, log)
			s.detach()
			_ = src.Close()
			if s.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("推送流断开，等待重连")
		}

		if !s.wait() {
			return
		}
	}
}

func (s *Subscription[T]) attach(src Source) bool {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.src = src
	return true
}

func (s *Subscription[T]) detach() {
	s.srcMu.Lock()
	s.src = nil
	s.srcMu.Unlock()
}

// readLoop 读取消息直到连接出错
func (s *Subscription[T]) readLoop(src Source, log *logrus.Entry) error {
	for {
		data, err := src.ReadMessage()
		if err != nil {
			return err
		}

		v, err := s.decode(data)
		if err != nil {
			log.WithError(err).Warn("丢弃无法解析的推送消息")
			continue
		}

		if !s.deliver(v) {
			return s.ctx.Err()
		}
	}
}

func (s *Subscription[T]) deliver(v T) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return false
	}
	s.onMessage(v)
	return true
}

// wait 等待重连间隔，订阅关闭时返回false
func (s *Subscription[T]) wait() bool {
	d := s.delay
	if s.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.jitter)))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
