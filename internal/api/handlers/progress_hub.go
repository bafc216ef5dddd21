package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/apk-repack-go/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait    = 10 * time.Second
	clientBuffer = 32
)

// ProgressHub 通过 WebSocket 推送重打包状态变化
// 客户端按任务 ID 或运行 ID 订阅
type ProgressHub struct {
	logger    *logrus.Logger
	upgrader  websocket.Upgrader
	broadcast chan pipeline.Event

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan pipeline.Event
}

// NewProgressHub 创建推送中心
func NewProgressHub(logger *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		broadcast: make(chan pipeline.Event, 256),
		clients:   make(map[string]map[*wsClient]struct{}),
	}
}

// Start 启动广播循环
func (h *ProgressHub) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-h.broadcast:
				h.deliver(event)
			}
		}
	}()
}

// OnEvent 流程监听器，不阻塞流程
func (h *ProgressHub) OnEvent(event pipeline.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("run_id", event.RunID).Warn("Progress broadcast channel is full, dropping event")
	}
}

func (h *ProgressHub) deliver(event pipeline.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, key := range []string{event.TaskID, event.RunID} {
		if key == "" {
			continue
		}
		for client := range h.clients[key] {
			select {
			case client.send <- event:
			default:
				// 慢客户端丢弃事件，不影响其他订阅者
			}
		}
	}
}

// HandleWebSocket 订阅某个任务或运行的进度
// GET /ws/runs/:id
func (h *ProgressHub) HandleWebSocket(c *gin.Context) {
	id := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &wsClient{conn: conn, send: make(chan pipeline.Event, clientBuffer)}
	h.register(id, client)
	h.logger.WithField("id", id).Info("WebSocket client connected")

	done := make(chan struct{})
	go h.writePump(client, done)

	// 读循环只用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.unregister(id, client)
	close(done)
	conn.Close()
	h.logger.WithField("id", id).Info("WebSocket client disconnected")
}

func (h *ProgressHub) writePump(client *wsClient, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(event); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				client.conn.Close()
				return
			}
		}
	}
}

func (h *ProgressHub) register(id string, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[id] == nil {
		h.clients[id] = make(map[*wsClient]struct{})
	}
	h.clients[id][client] = struct{}{}
}

func (h *ProgressHub) unregister(id string, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[id], client)
	if len(h.clients[id]) == 0 {
		delete(h.clients, id)
	}
}

// Subscribers 当前订阅某个 ID 的客户端数量
func (h *ProgressHub) Subscribers(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[id])
}
