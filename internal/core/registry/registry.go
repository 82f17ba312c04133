// Package registry 维护流到连接的映射，原子地 get-or-create，并发的首包不会重复建隧道。
package registry

import (
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"tunsocks_go/internal/core/conn"
	"tunsocks_go/internal/core/packet"
	"tunsocks_go/internal/shared/logger"
)

var ErrClosed = errors.New("registry: closed")

// Registry 并发安全
type Registry struct {
	name string

	mu     sync.Mutex
	conns  map[packet.Key]conn.Connection
	closed bool

	group singleflight.Group
}

// New 创建空的注册表，name 仅用于日志
func New(name string) *Registry {
	return &Registry{name: name, conns: make(map[packet.Key]conn.Connection)}
}

// GetOrCreate 返回 key 对应的可用连接。无论多少调用方并发，每个 key 最多调用一次 create。
// 已关闭的连接会被替换。
func (r *Registry) GetOrCreate(key packet.Key, create func() (conn.Connection, error)) (conn.Connection, error) {
	if c, err := r.lookup(key); c != nil || err != nil {
		return c, err
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		if c, err := r.lookup(key); c != nil || err != nil {
			return c, err
		}

		c, err := create()
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			c.Close()
			return nil, ErrClosed
		}
		r.conns[key] = c
		logger.Debug().Str("registry", r.name).Str("flow", key.String()).Int("size", len(r.conns)).Msg("Connection registered")
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(conn.Connection), nil
}

func (r *Registry) lookup(key packet.Key) (conn.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	c, ok := r.conns[key]
	if !ok {
		return nil, nil
	}
	if !c.IsOpen() {
		delete(r.conns, key)
		return nil, nil
	}
	return c, nil
}

// Remove 仅在 key 仍指向 c 时移除，迟退出的 pump 不会移除后继者的连接
func (r *Registry) Remove(key packet.Key, c conn.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[key]; ok && cur == c {
		delete(r.conns, key)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll 关闭所有连接，之后拒绝新的注册
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[packet.Key]conn.Connection)
	r.closed = true
	r.mu.Unlock()

	for key, c := range conns {
		if err := c.Close(); err != nil {
			logger.Debug().Err(err).Str("registry", r.name).Str("flow", key.String()).Msg("Error closing connection")
		}
	}
}
