package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tunsocks_go/internal/shared/types"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// 当前打开的日志文件，重新 Init 时关闭
var (
	fileMu  sync.Mutex
	logFile *os.File
)

// Init 根据 [log] 配置初始化全局 logger。
// Format 为 "json" 时输出结构化 JSON，否则输出人类可读的 console 格式。
func Init(conf types.LogConf) error {
	level, err := parseLevel(conf.Level)
	if err != nil {
		return err
	}

	var (
		out  io.Writer = os.Stderr
		file *os.File
	)
	if conf.File != "" {
		file, err = os.OpenFile(conf.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file '%s': %w", conf.File, err)
		}
		out = file
	}

	if !strings.EqualFold(conf.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: conf.File != ""}
	}

	fileMu.Lock()
	defer fileMu.Unlock()
	zerolog.SetGlobalLevel(level)
	log = zerolog.New(out).With().Timestamp().Logger()
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	return nil
}

func parseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level '%s'", s)
	}
	return level, nil
}

// SetOutput 替换输出目标，主要供测试使用
func SetOutput(w io.Writer) {
	log = log.Output(w)
}

// With 返回带有公共字段的子 logger 构造器
func With() zerolog.Context { return log.With() }

// Logger 返回当前的全局 logger
func Logger() *zerolog.Logger { return &log }

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }
func Fatal() *zerolog.Event { return log.Fatal() }
