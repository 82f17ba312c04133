//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"tunsocks_go/internal/app"
	"tunsocks_go/internal/shared/config"
	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/tun"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	proxy := flag.String("proxy", "", "Upstream SOCKS5 proxy, overrides [proxy] address")
	noStart := flag.Bool("nostart", false, "Do not start the engine until requested through the control API")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "tunsocks.ini")

	// 1. 加载 .ini 配置，文件不存在时使用默认值
	cfg := config.Default()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			// Use standard fmt before logger is initialized.
			fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Config file '%s' not found, using defaults.\n", iniPath)
		config.ApplyEnv(cfg)
	}
	if *proxy != "" {
		cfg.ProxyConf.Address = *proxy
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 3. 创建并运行
	appServer := app.New(cfg, tun.LinuxProvider{}, !*noStart)
	if err := appServer.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}
