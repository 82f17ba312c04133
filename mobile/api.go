//go:build linux || darwin || android

// Package mobile is the gomobile bridge. The host app establishes the VPN
// interface itself and hands the file descriptor over.
package mobile

import (
	"encoding/json"
	"fmt"
	"sync"

	"tunsocks_go/internal/core/engine"
	"tunsocks_go/internal/shared/config"
	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/shared/types"
	"tunsocks_go/internal/tun"
)

var (
	engineInstance   *engine.Engine
	providerInstance *tun.FDProvider
	instanceMutex    sync.Mutex
)

// StartVPN 启动 Go 核心。fd 是宿主建立的 VPN 接口描述符，所有权转移给 Go 侧，
// configINI 与桌面端 tunsocks.ini 格式相同，可以为空。
func StartVPN(fd int, configINI string) error {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if engineInstance != nil {
		return fmt.Errorf("service is already running")
	}

	cfg := config.Default()
	if configINI != "" {
		if err := config.LoadIniBytes(cfg, []byte(configINI)); err != nil {
			return fmt.Errorf("配置解析错误: %w", err)
		}
	} else {
		config.ApplyEnv(cfg)
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().Int("fd", fd).Msg("Configuring and starting Go core for mobile...")

	provider := tun.NewFDProvider(fd, true)
	eng := engine.New(cfg, provider)
	if err := eng.Start(); err != nil {
		eng.Close()
		provider.Close()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	engineInstance = eng
	providerInstance = provider
	return nil
}

// SelectProxy 切换上游代理，uri 形如 socks5://host:port 或 host:port。
func SelectProxy(uri string) error {
	p, err := types.ParseProxyEndpoint(uri)
	if err != nil {
		return err
	}

	instanceMutex.Lock()
	eng := engineInstance
	instanceMutex.Unlock()
	if eng == nil {
		return fmt.Errorf("service is not running")
	}
	return eng.SelectProxy(p)
}

// StopVPN 停止 Go 核心并关闭接口描述符。
func StopVPN() {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if engineInstance != nil {
		engineInstance.Close()
		engineInstance = nil
	}
	if providerInstance != nil {
		providerInstance.Close()
		providerInstance = nil
	}
}

// Status returns the engine status as JSON. A stopped bridge reports
// {"state":"stopped","proxy":""}.
func Status() string {
	instanceMutex.Lock()
	eng := engineInstance
	instanceMutex.Unlock()

	st := engine.Status{State: engine.StateStopped.String()}
	if eng != nil {
		st = eng.Status()
	}
	b, err := json.Marshal(st)
	if err != nil {
		return "{}"
	}
	return string(b)
}
