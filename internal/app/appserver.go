package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tunsocks_go/internal/core/engine"
	"tunsocks_go/internal/core/health"
	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/shared/types"
	"tunsocks_go/internal/tun"
	"tunsocks_go/internal/web"
)

// AppServer 把引擎、健康检查和控制 API 组装在一起，供桌面入口使用。
type AppServer struct {
	cfg       *types.Config
	engine    *engine.Engine
	webServer *web.Server

	autoStart bool

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates the engine over provider and prepares the control API.
func New(cfg *types.Config, provider tun.Provider, autoStart bool) *AppServer {
	eng := engine.New(cfg, provider)
	checker := health.New(eng.Client())

	return &AppServer{
		cfg:       cfg,
		engine:    eng,
		webServer: web.NewServer(cfg.WebConf, web.NewHandler(eng, checker)),
		autoStart: autoStart,
		done:      make(chan struct{}),
	}
}

// Engine exposes the engine for callers that drive it directly.
func (s *AppServer) Engine() *engine.Engine { return s.engine }

// Start 启动控制 API，并在需要时启动引擎。
func (s *AppServer) Start() error {
	logger.Info().Msg("Starting tunsocks...")

	if err := s.webServer.Start(); err != nil {
		return err
	}

	s.waitGroup.Add(1)
	go s.watchEvents()

	if s.autoStart {
		if err := s.engine.Start(); err != nil {
			logger.Error().Err(err).Msg("Engine failed to start; waiting for a start request")
		}
	} else if s.cfg.WebConf.Port <= 0 {
		logger.Warn().Msg("Auto start is off and the control API is disabled; nothing will be relayed.")
	}
	return nil
}

// Run starts everything and blocks until SIGINT/SIGTERM or Stop.
func (s *AppServer) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down.")
		s.Stop()
	case <-s.done:
	}
	s.Wait()
	return nil
}

// Stop gracefully shuts down the control API and the engine.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.webServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Control API shutdown")
		}

		s.engine.Close()
		close(s.done)
		logger.Info().Msg("Engine stopped.")
	})
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// watchEvents 把生命周期事件写入日志，引擎关闭时退出。
func (s *AppServer) watchEvents() {
	defer s.waitGroup.Done()

	events, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	for ev := range events {
		l := logger.Info()
		if ev.Type == engine.EventFatal {
			l = logger.Error().Err(ev.Err)
		}
		l.Str("event", ev.Type.String()).
			Str("state", ev.State.String()).
			Str("proxy", ev.Proxy).
			Str("session", ev.SessionID).
			Msg("[AppServer] Engine event")
	}
}
