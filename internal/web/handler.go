package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tunsocks_go/internal/core/engine"
	"tunsocks_go/internal/core/health"
	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/shared/types"
)

// Controller is the engine surface the API drives.
type Controller interface {
	Start() error
	Stop() error
	SelectProxy(p types.ProxyEndpoint) error
	Proxy() types.ProxyEndpoint
	Status() engine.Status
	Subscribe() (<-chan engine.Event, func())
}

// ProxyChecker probes proxies for the check endpoint.
type ProxyChecker interface {
	CheckOne(ctx context.Context, proxy types.ProxyEndpoint) health.Result
	Check(ctx context.Context, proxies []types.ProxyEndpoint) []health.Result
}

const (
	checkTimeout = 30 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Handler struct {
	controller Controller
	checker    ProxyChecker
}

func NewHandler(controller Controller, checker ProxyChecker) *Handler {
	return &Handler{controller: controller, checker: checker}
}

// Routes 返回注册了所有 API 路由的 mux
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/proxy", h.HandleProxy)
	mux.HandleFunc("/api/proxy/check", h.HandleProxyCheck)
	mux.HandleFunc("/api/start", h.HandleStart)
	mux.HandleFunc("/api/stop", h.HandleStop)
	mux.HandleFunc("/api/events", h.HandleEvents)
	return mux
}

type proxyRequest struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses,omitempty"`
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandleProxy 处理 POST /api/proxy 请求，选择新的上游代理
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	proxy, err := types.ParseProxyEndpoint(req.Address)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Info().Str("proxy", proxy.String()).Msg("[Handler] Received request to select proxy")
	if err := h.controller.SelectProxy(proxy); err != nil {
		logger.Error().Err(err).Msg("Failed to select proxy")
		http.Error(w, "Failed to select proxy: "+err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandleProxyCheck 处理 POST /api/proxy/check 请求。
// 请求体可以为空，此时检查当前选择的代理；带 addresses 时并发检查整个列表。
func (h *Handler) HandleProxyCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proxyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	if len(req.Addresses) > 0 {
		h.checkList(w, r, req.Addresses)
		return
	}

	proxy := h.controller.Proxy()
	if req.Address != "" {
		p, err := types.ParseProxyEndpoint(req.Address)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		proxy = p
	}
	if proxy.IsZero() {
		http.Error(w, "No proxy selected", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, h.checker.CheckOne(ctx, proxy))
}

func (h *Handler) checkList(w http.ResponseWriter, r *http.Request, addresses []string) {
	proxies := make([]types.ProxyEndpoint, 0, len(addresses))
	for _, a := range addresses {
		p, err := types.ParseProxyEndpoint(a)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		proxies = append(proxies, p)
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, h.checker.Check(ctx, proxies))
}

// HandleStart 处理 POST /api/start 请求
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.controller.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start engine")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandleStop 处理 POST /api/stop 请求
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.controller.Stop(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandleEvents 将生命周期事件以 JSON 文本帧推送到 WebSocket 客户端
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("[Handler] WebSocket upgrade failed")
		return
	}
	defer ws.Close()

	events, unsubscribe := h.controller.Subscribe()
	defer unsubscribe()

	// 读循环只用于感知客户端断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine closed"), time.Now().Add(writeWait))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("[Handler] Event stream write failed")
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInterfaceUnavailable), errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
