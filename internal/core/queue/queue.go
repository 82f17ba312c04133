// Package queue 是批处理与 pump 之间的按流 FIFO 队列
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tunsocks_go/internal/core/packet"
)

var (
	ErrDestinationMismatch = errors.New("queue: packet does not belong to this flow")
	ErrClosed              = errors.New("queue: closed")
)

// Queue 无上限：Push 从不阻塞，消费者停滞时内存增长。
// 可多个 goroutine Push，只能有一个 Pop。
type Queue struct {
	key packet.Key

	mu     sync.Mutex
	items  []*packet.Packet
	closed bool
	notify chan struct{}
}

func New(key packet.Key) *Queue {
	return &Queue{key: key, notify: make(chan struct{}, 1)}
}

func (q *Queue) Key() packet.Key { return q.key }

// Push 追加 p。其他流的包返回 ErrDestinationMismatch，已关闭返回 ErrClosed。
func (q *Queue) Push(p *packet.Packet) error {
	if p.Key() != q.key {
		return fmt.Errorf("%w: got %s, queue %s", ErrDestinationMismatch, p.Key(), q.key)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop 阻塞直到有包可取、队列关闭且已取空（ErrClosed）或 ctx 结束
func (q *Queue) Pop(ctx context.Context) (*packet.Packet, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len 返回待发送的包数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain 关闭队列并返回尚未取出的包
func (q *Queue) Drain() []*packet.Packet {
	q.mu.Lock()
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return items
}

// Close 停止接收新包，已有的包仍可取出
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
