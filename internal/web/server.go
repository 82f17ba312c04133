package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/shared/types"
)

// Server 是控制 API 的 HTTP 服务器
type Server struct {
	conf    types.WebConf
	handler *Handler

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

func NewServer(conf types.WebConf, handler *Handler) *Server {
	return &Server{conf: conf, handler: handler}
}

// Start 启动控制 API。web_port 为 0 时禁用，直接返回 nil。
func (s *Server) Start() error {
	if s.conf.Port <= 0 {
		logger.Info().Msg("[WebServer] Control API is disabled (web_port is 0 or not set).")
		return nil
	}

	host := s.conf.Listen
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.conf.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start control API on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("listen_addr", listener.Addr().String()).Msg(">>> Control API is listening.")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Addr 返回实际监听地址，未启动时为空
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown 优雅关闭服务器并等待 Serve 返回
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}
