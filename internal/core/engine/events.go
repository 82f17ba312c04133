package engine

import (
	"sync"
	"time"

	"tunsocks_go/internal/shared/logger"
)

// State 引擎生命周期状态
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventType 生命周期事件类型
type EventType int

const (
	EventStateChanged EventType = iota
	EventProxySelected
	EventFatal
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventProxySelected:
		return "proxy_selected"
	case EventFatal:
		return "fatal"
	}
	return "unknown"
}

func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event 会投递给每个订阅者
type Event struct {
	Type      EventType `json:"type"`
	State     State     `json:"state"`
	Proxy     string    `json:"proxy,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`

	Err error `json:"-"`
}

const subscriberBuffer = 32

// eventBus 将事件分发给各订阅 channel
type eventBus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]struct{})}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Debug().Str("event", ev.Type.String()).Msg("Engine: subscriber is full, event dropped")
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
