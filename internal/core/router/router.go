// Package router 是会话的数据面：从虚拟网卡读帧，按流分批入队，
// 每个流一个 pump 负责发送并把回包写回网卡。
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tunsocks_go/internal/core/conn"
	"tunsocks_go/internal/core/netaddr"
	"tunsocks_go/internal/core/packet"
	"tunsocks_go/internal/core/queue"
	"tunsocks_go/internal/core/registry"
	"tunsocks_go/internal/shared/logger"
)

const maxDatagramSize = 65535

var errFlowClosed = errors.New("flow closed by peer")

// Dialer 为流建立连接。内部地址走 Direct，其余走 Proxied。
type Dialer interface {
	Direct(ctx context.Context, protocol uint8, dst netip.AddrPort) (conn.Connection, error)
	Proxied(ctx context.Context, protocol uint8, dst netip.AddrPort) (conn.Connection, error)
}

type Options struct {
	SessionID     string
	BufferSize    int
	BatchSize     int
	BatchInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 10 * time.Millisecond
	}
}

// Stats 路由计数快照
type Stats struct {
	Flushes  uint64 `json:"flushes"`
	Packets  uint64 `json:"packets"`
	Dropped  uint64 `json:"dropped"`
	Flows    int    `json:"flows"`
	Pending  int    `json:"pending_packets"`
	Internal int    `json:"internal_connections"`
	External int    `json:"external_connections"`
}

type Router struct {
	iface  io.ReadWriteCloser
	dialer Dialer
	opts   Options

	internal *registry.Registry
	external *registry.Registry

	writeMu sync.Mutex

	mu     sync.Mutex
	queues map[packet.Key]*queue.Queue
	closed bool

	// pump 的生命周期跨越多次 flush，由 pumpCtx 在关闭时统一结束
	pumpCtx     context.Context
	cancelPumps context.CancelFunc
	pumps       sync.WaitGroup

	flushes atomic.Uint64
	packets atomic.Uint64
	dropped atomic.Uint64
}

// New 在 iface 上创建路由器，Run 返回时由路由器关闭 iface。
func New(iface io.ReadWriteCloser, dialer Dialer, opts Options) *Router {
	opts.withDefaults()
	r := &Router{
		iface:    iface,
		dialer:   dialer,
		opts:     opts,
		internal: registry.New("internal"),
		external: registry.New("external"),
		queues:   make(map[packet.Key]*queue.Queue),
	}
	r.pumpCtx, r.cancelPumps = context.WithCancel(context.Background())
	return r
}

// Run 持续转发直到 ctx 取消或读网卡出错。
// 返回前关闭网卡、所有队列与连接，并等待全部 pump 退出。
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	packets := make(chan *packet.Packet, r.opts.BatchSize*4)
	readErr := make(chan error, 1)
	go func() { readErr <- r.readLoop(ctx, packets) }()

	r.batchLoop(ctx, packets)

	cancel()
	if err := r.iface.Close(); err != nil {
		logger.Debug().Err(err).Str("session", r.opts.SessionID).Msg("Router: error closing interface")
	}
	err := <-readErr
	r.shutdown()
	return err
}

func (r *Router) readLoop(ctx context.Context, out chan<- *packet.Packet) error {
	defer close(out)

	buf := make([]byte, r.opts.BufferSize)
	for {
		n, err := r.iface.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read interface: %w", err)
		}
		if n == 0 {
			continue
		}

		// buf 会被复用，packet 必须持有自己的副本
		frame := make([]byte, n)
		copy(frame, buf[:n])

		p, err := packet.Parse(frame)
		if err != nil {
			r.dropped.Add(1)
			logger.Debug().Err(err).Int("len", n).Msg("Router: dropping frame")
			continue
		}
		if name, ok := packet.DNSQuestion(p); ok {
			logger.Debug().Str("name", name).Str("resolver", p.Destination.String()).Msg("Router: DNS query")
		}

		select {
		case out <- p:
		case <-ctx.Done():
			return nil
		}
	}
}

// batchLoop 在积压超过 BatchSize 或距上次 flush 已过 BatchInterval 时 flush。
// 检查阈值前先收完已到达的包，突发流量一次性 flush。
func (r *Router) batchLoop(ctx context.Context, in <-chan *packet.Packet) {
	ticker := time.NewTicker(r.opts.BatchInterval)
	defer ticker.Stop()

	var batch []*packet.Packet
	lastFlush := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-in:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, p)
		drain:
			for {
				select {
				case p, ok := <-in:
					if !ok {
						r.flush(batch)
						return
					}
					batch = append(batch, p)
				default:
					break drain
				}
			}
		case <-ticker.C:
		}

		if len(batch) > r.opts.BatchSize || (len(batch) > 0 && time.Since(lastFlush) >= r.opts.BatchInterval) {
			r.flush(batch)
			batch = nil
			lastFlush = time.Now()
		}
	}
}

// flush 按流分组，并按到达顺序推入各自的队列
func (r *Router) flush(batch []*packet.Packet) {
	if len(batch) == 0 {
		return
	}
	r.flushes.Add(1)
	r.packets.Add(uint64(len(batch)))

	var order []packet.Key
	groups := make(map[packet.Key][]*packet.Packet)
	for _, p := range batch {
		key := p.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p)
	}

	for _, key := range order {
		r.dispatch(key, groups[key])
	}
}

func (r *Router) dispatch(key packet.Key, packets []*packet.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueueLocked(key, packets)
}

// enqueueLocked 需持有 r.mu
func (r *Router) enqueueLocked(key packet.Key, packets []*packet.Packet) {
	if r.closed {
		return
	}

	q, ok := r.queues[key]
	if !ok {
		q = queue.New(key)
		r.queues[key] = q
		r.pumps.Add(1)
		go r.pump(q)
	}
	for _, p := range packets {
		if err := q.Push(p); err != nil {
			logger.Error().Err(err).Str("flow", key.String()).Msg("Router: failed to enqueue packet")
			return
		}
	}
}

// retire 在 r.mu 下把 q 从路由表摘除并关闭，dispatch 不会拿到已关闭的队列。
// requeue 为真时，队列里还没发出的包交给新的 pump，由它重新建立连接。
func (r *Router) retire(q *queue.Queue, requeue bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queues[q.Key()] == q {
		delete(r.queues, q.Key())
	}
	pending := q.Drain()
	if !requeue || len(pending) == 0 || r.pumpCtx.Err() != nil {
		return 0
	}
	r.enqueueLocked(q.Key(), pending)
	return len(pending)
}

func (r *Router) pump(q *queue.Queue) {
	defer r.pumps.Done()

	key := q.Key()
	l := logger.With().
		Str("session", r.opts.SessionID).
		Str("trace_id", uuid.NewString()).
		Str("flow", key.String()).
		Logger()

	ctx, cancel := context.WithCancel(r.pumpCtx)
	defer cancel()

	reg, dial, route := r.external, r.dialer.Proxied, "proxy"
	if netaddr.IsInternalAddrPort(key.Destination) {
		reg, dial, route = r.internal, r.dialer.Direct, "direct"
	}

	c, err := reg.GetOrCreate(key, func() (conn.Connection, error) {
		return dial(ctx, key.Protocol, key.Destination)
	})
	if err != nil {
		r.retire(q, false)
		if ctx.Err() == nil {
			l.Warn().Err(err).Str("route", route).Msg("Router: failed to open connection, dropping flow")
		}
		return
	}
	l.Debug().Str("route", route).Msg("Router: flow started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.uplink(gctx, q, c) })
	g.Go(func() error { return r.downlink(gctx, key, c) })
	g.Go(func() error {
		<-gctx.Done()
		c.Close()
		return nil
	})

	err = g.Wait()

	// 先摘队列再关连接，期间到达的包转给新的 pump
	reg.Remove(key, c)
	if n := r.retire(q, true); n > 0 {
		l.Debug().Int("pending", n).Msg("Router: handing pending packets to a new connection")
	}
	c.Close()

	switch {
	case err == nil, errors.Is(err, errFlowClosed), ctx.Err() != nil:
		l.Debug().Msg("Router: flow finished")
	case errors.Is(err, queue.ErrDestinationMismatch):
		l.Error().Err(err).Msg("Router: flow aborted")
	default:
		l.Debug().Err(err).Msg("Router: flow ended with error")
	}
}

func (r *Router) uplink(ctx context.Context, q *queue.Queue, c conn.Connection) error {
	key := q.Key()
	for {
		p, err := q.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if p.Key() != key {
			return fmt.Errorf("%w: got %s, pump %s", queue.ErrDestinationMismatch, p.Key(), key)
		}
		if err := c.Send(p.Payload, p.Destination); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
}

func (r *Router) downlink(ctx context.Context, key packet.Key, c conn.Connection) error {
	size := r.opts.BufferSize
	if key.Protocol == packet.ProtoUDP {
		size = maxDatagramSize
	}
	buf := make([]byte, size)
	decap, framed := c.(conn.Decapsulator)

	for {
		n, err := c.Receive(buf)
		if n > 0 {
			data := buf[:n]
			if framed {
				var derr error
				if data, derr = decap.Decapsulate(data); derr != nil {
					logger.Debug().Err(derr).Str("flow", key.String()).Msg("Router: dropping malformed datagram")
					continue
				}
			}
			if werr := r.writeInterface(data); werr != nil {
				return fmt.Errorf("write interface: %w", werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || !c.IsOpen() {
				return errFlowClosed
			}
			return fmt.Errorf("receive: %w", err)
		}
		if n == 0 {
			return errFlowClosed
		}
	}
}

// writeInterface 串行化所有 downlink 的写操作
func (r *Router) writeInterface(data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err := r.iface.Write(data)
	return err
}

func (r *Router) shutdown() {
	r.mu.Lock()
	r.closed = true
	for key, q := range r.queues {
		q.Close()
		delete(r.queues, key)
	}
	r.mu.Unlock()
	r.cancelPumps()

	r.internal.CloseAll()
	r.external.CloseAll()
	r.pumps.Wait()
	logger.Info().Str("session", r.opts.SessionID).
		Uint64("packets", r.packets.Load()).Uint64("flushes", r.flushes.Load()).
		Msg("Router: stopped")
}

// Stats 返回当前计数
func (r *Router) Stats() Stats {
	r.mu.Lock()
	flows, pending := len(r.queues), 0
	for _, q := range r.queues {
		pending += q.Len()
	}
	r.mu.Unlock()
	return Stats{
		Flushes:  r.flushes.Load(),
		Packets:  r.packets.Load(),
		Dropped:  r.dropped.Load(),
		Flows:    flows,
		Pending:  pending,
		Internal: r.internal.Len(),
		External: r.external.Len(),
	}
}
