package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"tunsocks_go/internal/shared/types"

	ini "gopkg.in/ini.v1"
)

// Default 返回所有字段都已填充默认值的配置
func Default() *types.Config {
	return &types.Config{
		CommonConf: types.CommonConf{
			BufferSize:      4096,
			BatchSize:       25,
			BatchIntervalMs: 10,
			DialTimeoutSec:  10,
		},
		TunConf: types.TunConf{
			Name:        "tunsocks0",
			Address:     "10.0.0.2/32",
			Routes:      []string{"0.0.0.0/0", "::/0"},
			DNS:         []string{"8.8.8.8"},
			AllowedApps: []string{"com.android.chrome"},
			Session:     "tunsocks",
			MTU:         1500,
		},
		LogConf: types.LogConf{
			Level:  "info",
			Format: "console",
		},
		WebConf: types.WebConf{
			Listen: "127.0.0.1",
		},
	}
}

// LoadIni 从指定的 fileName 加载配置到传入的 types.Config 结构体中。
// 文件中未出现的键保留 cfg 中已有的值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return mapIni(cfg, iniFile)
}

// LoadIniBytes 与 LoadIni 相同，数据来自内存（移动端通过桥接层传入）
func LoadIniBytes(cfg *types.Config, data []byte) error {
	iniFile, err := ini.Load(data)
	if err != nil {
		return err
	}
	return mapIni(cfg, iniFile)
}

func mapIni(cfg *types.Config, iniFile *ini.File) error {
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	// MapTo 会跳过空值，显式写成空的 tun.address 需要单独处理
	if sec, err := iniFile.GetSection("tun"); err == nil && sec.HasKey("address") {
		cfg.TunConf.Address = sec.Key("address").String()
	}

	ApplyEnv(cfg)
	return Validate(cfg)
}

// ApplyEnv 用环境变量覆盖对应配置项，没有配置文件时也要调用
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.ProxyConf.Address, "TUNSOCKS_PROXY")
	overrideFromEnvInt(&cfg.WebConf.Port, "TUNSOCKS_WEB_PORT")
}

// Validate 检查会导致引擎无法启动的配置
func Validate(cfg *types.Config) error {
	if cfg.BufferSize < 64 {
		return fmt.Errorf("common.bufferSize too small: %d", cfg.BufferSize)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("common.batchSize must be positive, got %d", cfg.BatchSize)
	}
	if cfg.BatchIntervalMs <= 0 {
		return fmt.Errorf("common.batchIntervalMs must be positive, got %d", cfg.BatchIntervalMs)
	}
	if strings.TrimSpace(cfg.TunConf.Address) == "" {
		return fmt.Errorf("tun.address is required")
	}
	if cfg.ProxyConf.Address != "" {
		if _, err := types.ParseProxyEndpoint(cfg.ProxyConf.Address); err != nil {
			return fmt.Errorf("proxy.address: %w", err)
		}
	}
	if len(cfg.ProxyConf.Username) > 255 || len(cfg.ProxyConf.Password) > 255 {
		return fmt.Errorf("proxy credentials longer than 255 bytes")
	}
	return nil
}

// SaveIni 将内存中的 types.Config 结构体保存回指定的 fileName。
func SaveIni(cfg *types.Config, fileName string) error {
	iniFile := ini.Empty()
	if err := ini.ReflectFrom(iniFile, cfg); err != nil {
		return fmt.Errorf("failed to reflect config to ini object: %w", err)
	}
	return iniFile.SaveTo(fileName)
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
