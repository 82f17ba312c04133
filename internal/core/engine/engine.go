// Package engine 负责会话编排：建立虚拟网卡、在其上运行 router，
// 所选代理变化时重启整个会话。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tunsocks_go/internal/core/conn"
	"tunsocks_go/internal/core/router"
	"tunsocks_go/internal/core/socks5"
	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/shared/types"
	"tunsocks_go/internal/tun"
)

var (
	ErrInterfaceUnavailable = errors.New("engine: virtual interface unavailable")
	ErrClosed               = errors.New("engine: closed")
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdSelectProxy
)

// command 控制 goroutine 消费的消息
type command struct {
	kind  commandKind
	proxy types.ProxyEndpoint
	reply chan error
}

type session struct {
	id      string
	router  *router.Router
	cancel  context.CancelFunc
	done    chan error
	started time.Time
}

// Engine 并发安全，所有状态转换都在控制 goroutine 上进行
type Engine struct {
	cfg      *types.Config
	provider tun.Provider
	client   *socks5.Client

	control chan command
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu    sync.RWMutex
	state State
	proxy types.ProxyEndpoint
	sess  *session

	events *eventBus
}

// New 创建引擎并启动控制 goroutine，初始代理取自 [proxy] address
func New(cfg *types.Config, provider tun.Provider) *Engine {
	var auth *socks5.Auth
	if cfg.ProxyConf.Username != "" {
		auth = &socks5.Auth{Username: cfg.ProxyConf.Username, Password: cfg.ProxyConf.Password}
	}

	e := &Engine{
		cfg:      cfg,
		provider: provider,
		client:   socks5.NewClient(auth, time.Duration(cfg.DialTimeoutSec)*time.Second),
		control:  make(chan command),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		events:   newEventBus(),
	}
	if cfg.ProxyConf.Address != "" {
		if p, err := types.ParseProxyEndpoint(cfg.ProxyConf.Address); err == nil {
			e.proxy = p
		} else {
			logger.Warn().Err(err).Msg("Engine: ignoring invalid proxy address")
		}
	}

	go e.loop()
	return e
}

// Start 建立网卡并开始转发，已在运行时什么也不做
func (e *Engine) Start() error { return e.send(command{kind: cmdStart}) }

// Stop 停止当前会话并等待其结束
func (e *Engine) Stop() error { return e.send(command{kind: cmdStop}) }

// SelectProxy 记录上游代理。运行中切换到不同的代理会重启会话，相同的代理不做处理。
func (e *Engine) SelectProxy(p types.ProxyEndpoint) error {
	return e.send(command{kind: cmdSelectProxy, proxy: p})
}

// Subscribe 返回生命周期事件 channel 和取消订阅函数。
// 慢订阅者会丢事件，不会阻塞引擎。
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

// Close 永久停止引擎
func (e *Engine) Close() {
	e.once.Do(func() { close(e.quit) })
	<-e.stopped
}

func (e *Engine) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case e.control <- cmd:
	case <-e.stopped:
		return ErrClosed
	}
	return <-cmd.reply
}

func (e *Engine) loop() {
	defer close(e.stopped)

	for {
		var sessionDone chan error
		if e.sess != nil {
			sessionDone = e.sess.done
		}

		select {
		case cmd := <-e.control:
			cmd.reply <- e.handle(cmd)
		case err := <-sessionDone:
			e.sessionEnded(err)
		case <-e.quit:
			e.stopSession()
			e.setState(StateStopped)
			e.events.close()
			return
		}
	}
}

func (e *Engine) handle(cmd command) error {
	switch cmd.kind {
	case cmdStart:
		if e.sess != nil {
			return nil
		}
		return e.startSession()

	case cmdStop:
		e.stopSession()
		e.setState(StateStopped)
		return nil

	case cmdSelectProxy:
		e.mu.Lock()
		changed := cmd.proxy != e.proxy
		e.proxy = cmd.proxy
		e.mu.Unlock()
		if !changed {
			return nil
		}

		logger.Info().Str("proxy", cmd.proxy.String()).Msg("Engine: proxy selected")
		e.events.publish(Event{Type: EventProxySelected, State: e.State(), Proxy: cmd.proxy.String()})
		if e.sess == nil {
			return nil
		}

		e.setState(StateRestarting)
		e.stopSession()
		return e.startSession()
	}
	return fmt.Errorf("engine: unknown command %d", cmd.kind)
}

func (e *Engine) startSession() error {
	e.setState(StateStarting)

	spec := types.TunSpecFrom(e.cfg.TunConf)
	iface, err := e.provider.Establish(spec)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInterfaceUnavailable, err)
		logger.Error().Err(err).Str("session_name", spec.Session).Msg("Engine: failed to establish interface")
		e.setState(StateStopped)
		e.events.publish(Event{Type: EventFatal, State: StateStopped, Error: err.Error(), Err: err})
		return err
	}

	proxy := e.Proxy()
	if proxy.IsZero() {
		logger.Warn().Msg("Engine: no proxy selected, only internal destinations will be reachable")
	}

	id := uuid.NewString()
	factory := &conn.Factory{
		Client:  e.client,
		Proxy:   proxy,
		Timeout: time.Duration(e.cfg.DialTimeoutSec) * time.Second,
	}
	r := router.New(iface, factory, router.Options{
		SessionID:     id,
		BufferSize:    e.cfg.BufferSize,
		BatchSize:     e.cfg.BatchSize,
		BatchInterval: time.Duration(e.cfg.BatchIntervalMs) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{id: id, router: r, cancel: cancel, done: make(chan error, 1), started: time.Now()}
	go func() { s.done <- r.Run(ctx) }()

	e.mu.Lock()
	e.sess = s
	e.mu.Unlock()

	logger.Info().Str("session", id).Str("proxy", proxy.String()).Msg("Engine: session running")
	e.setState(StateRunning)
	return nil
}

// stopSession 取消当前会话，等待网卡、pump 与连接全部释放
func (e *Engine) stopSession() {
	s := e.sess
	if s == nil {
		return
	}
	s.cancel()
	if err := <-s.done; err != nil {
		logger.Warn().Err(err).Str("session", s.id).Msg("Engine: session ended with error")
	}

	e.mu.Lock()
	e.sess = nil
	e.mu.Unlock()
	logger.Info().Str("session", s.id).Dur("uptime", time.Since(s.started)).Msg("Engine: session stopped")
}

// sessionEnded 处理 router 自行退出的情况，例如网卡被系统收回
func (e *Engine) sessionEnded(err error) {
	s := e.sess
	e.mu.Lock()
	e.sess = nil
	e.mu.Unlock()
	s.cancel()

	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInterfaceUnavailable, err)
		logger.Error().Err(err).Str("session", s.id).Msg("Engine: session failed")
		e.setState(StateStopped)
		e.events.publish(Event{Type: EventFatal, State: StateStopped, SessionID: s.id, Error: err.Error(), Err: err})
		return
	}
	e.setState(StateStopped)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	var id string
	if e.sess != nil {
		id = e.sess.id
	}
	e.mu.Unlock()

	if prev == s {
		return
	}
	logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Engine: state changed")
	e.events.publish(Event{Type: EventStateChanged, State: s, SessionID: id})
}

// State 返回当前生命周期状态
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Proxy 返回所选代理，未选择时为零值
func (e *Engine) Proxy() types.ProxyEndpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proxy
}

// Client 返回会话拨号使用的 SOCKS5 客户端
func (e *Engine) Client() *socks5.Client { return e.client }

// Status 供控制 API 使用的状态快照
type Status struct {
	State     string        `json:"state"`
	Proxy     string        `json:"proxy"`
	SessionID string        `json:"session_id,omitempty"`
	Uptime    string        `json:"uptime,omitempty"`
	Stats     *router.Stats `json:"stats,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{State: e.state.String(), Proxy: e.proxy.String()}
	s := e.sess
	e.mu.RUnlock()

	if s != nil {
		stats := s.router.Stats()
		st.SessionID = s.id
		st.Uptime = time.Since(s.started).Round(time.Second).String()
		st.Stats = &stats
	}
	return st
}
