package types

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// CommonConf 包含引擎数据面的通用参数
type CommonConf struct {
	BufferSize      int `ini:"bufferSize"`
	BatchSize       int `ini:"batchSize"`
	BatchIntervalMs int `ini:"batchIntervalMs"`
	DialTimeoutSec  int `ini:"dialTimeoutSec"`
}

// TunConf 描述虚拟网卡的固定地址规划
type TunConf struct {
	Name        string   `ini:"name"`
	Address     string   `ini:"address"`
	Routes      []string `ini:"routes" delim:","`
	DNS         []string `ini:"dns" delim:","`
	AllowedApps []string `ini:"allowed_apps" delim:","`
	Session     string   `ini:"session"`
	MTU         int      `ini:"mtu"`
}

// ProxyConf 上游 SOCKS5 代理及其凭据。Address 为空表示尚未选择代理。
type ProxyConf struct {
	Address  string `ini:"address"`
	Username string `ini:"username"`
	Password string `ini:"password"`
}

// LogConf 日志配置
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
	File   string `ini:"file"`
}

// WebConf 控制 API 配置，Port 为 0 时禁用
type WebConf struct {
	Listen string `ini:"listen"`
	Port   int    `ini:"web_port"`
}

// Config 是整个应用程序的统一配置结构体
type Config struct {
	CommonConf `ini:"common"`
	TunConf    `ini:"tun"`
	ProxyConf  `ini:"proxy"`
	LogConf    `ini:"log"`
	WebConf    `ini:"web"`
}

// TunSpec is what the engine asks a tun provider to establish.
type TunSpec struct {
	Name        string
	Address     string
	Routes      []string
	DNS         []string
	AllowedApps []string
	Session     string
	MTU         int
}

// TunSpecFrom builds the interface request from the [tun] section.
func TunSpecFrom(c TunConf) TunSpec {
	return TunSpec{
		Name:        c.Name,
		Address:     c.Address,
		Routes:      append([]string(nil), c.Routes...),
		DNS:         append([]string(nil), c.DNS...),
		AllowedApps: append([]string(nil), c.AllowedApps...),
		Session:     c.Session,
		MTU:         c.MTU,
	}
}

// ProxyEndpoint is the currently selected upstream SOCKS5 proxy.
type ProxyEndpoint struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// IsZero reports whether no proxy has been selected.
func (p ProxyEndpoint) IsZero() bool {
	return p.Host == "" && p.Port == 0
}

func (p ProxyEndpoint) String() string {
	if p.IsZero() {
		return ""
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

// ParseProxyEndpoint accepts "socks5://host:port", "socks5h://host:port" or a bare "host:port".
func ParseProxyEndpoint(s string) (ProxyEndpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ProxyEndpoint{}, fmt.Errorf("empty proxy address")
	}

	hostport := s
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ProxyEndpoint{}, fmt.Errorf("invalid proxy address '%s': %w", s, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "socks5", "socks5h", "socks":
		default:
			return ProxyEndpoint{}, fmt.Errorf("unsupported proxy scheme '%s'", u.Scheme)
		}
		hostport = u.Host
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return ProxyEndpoint{}, fmt.Errorf("invalid proxy address '%s': %w", s, err)
	}
	if host == "" {
		return ProxyEndpoint{}, fmt.Errorf("proxy address '%s' has no host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ProxyEndpoint{}, fmt.Errorf("invalid proxy port '%s'", portStr)
	}
	return ProxyEndpoint{Host: host, Port: uint16(port)}, nil
}
