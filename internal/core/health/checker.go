package health

import (
	"context"
	"sync"
	"time"

	"tunsocks_go/internal/core/socks5"
	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/shared/types"
)

// Status 代理的健康状态
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Result 单个代理的检查结果，LatencyMs 在失败时为 -1
type Result struct {
	Proxy     string `json:"proxy"`
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Checker 负责对 SOCKS5 代理进行可达性检查：
// 建立 TCP 连接并完成方法协商（需要时包括用户名/密码认证）。
type Checker struct {
	client *socks5.Client
}

// New 创建一个新的 Checker 实例，client 提供凭据与超时。
func New(client *socks5.Client) *Checker {
	return &Checker{client: client}
}

// CheckOne 检查单个代理并测量延迟。
func (c *Checker) CheckOne(ctx context.Context, proxy types.ProxyEndpoint) Result {
	res := Result{Proxy: proxy.String(), Status: StatusDown, LatencyMs: -1}

	start := time.Now()
	err := c.client.Probe(ctx, proxy.Host, proxy.Port)
	latency := time.Since(start)

	logFields := logger.Debug().Str("proxy", res.Proxy)
	if err != nil {
		res.Error = err.Error()
		logFields.Bool("success", false).Err(err).Msg("HealthCheck: Check failed.")
		return res
	}

	res.Status = StatusUp
	res.LatencyMs = latency.Milliseconds()
	logFields.Bool("success", true).Int64("latency_ms", res.LatencyMs).Msg("HealthCheck: Check passed.")
	return res
}

// Check 对传入的代理列表进行并发检查，结果按输入顺序返回。
func (c *Checker) Check(ctx context.Context, proxies []types.ProxyEndpoint) []Result {
	results := make([]Result, len(proxies))
	var wg sync.WaitGroup

	for i, p := range proxies {
		wg.Add(1)
		go func(i int, p types.ProxyEndpoint) {
			defer wg.Done()
			results[i] = c.CheckOne(ctx, p)
		}(i, p)
	}

	wg.Wait()
	return results
}
