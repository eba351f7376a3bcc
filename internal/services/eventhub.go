package services

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 引擎事件类型，推送给已连接的消费者
const (
	EngineEventTriggerFired        = "trigger_fired"
	EngineEventTriggerGated        = "trigger_gated"
	EngineEventAutomationRun       = "automation_run"
	EngineEventExecutionStarted    = "execution_started"
	EngineEventExecutionTransition = "execution_transition"
)

// EngineEvent 通过 websocket 广播的引擎事件
type EngineEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan EngineEvent
	hub  *EventHub
}

// EventHub 向所有已连接客户端广播引擎事件。引擎本身不依赖推送——
// 读 API 始终是权威状态，这里只是轮询之外的可选通道。
type EventHub struct {
	clients    map[string]*hubClient
	broadcast  chan EngineEvent
	register   chan *hubClient
	unregister chan *hubClient
	mutex      sync.RWMutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan EngineEvent, 64),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
	}
}

func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			logrus.Infof("Engine event client %s connected", client.id)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				logrus.Infof("Engine event client %s disconnected", client.id)
			}
			h.mutex.Unlock()

		case event := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- event:
				default:
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish 非阻塞广播；无人消费时事件被丢弃
func (h *EventHub) Publish(eventType string, data interface{}) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- EngineEvent{Type: eventType, Data: data, Timestamp: time.Now()}:
	default:
	}
}

// GetClientCount 当前连接数
func (h *EventHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *EventHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Error("WebSocket upgrade failed:", err)
		return
	}

	client := &hubClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan EngineEvent, 256),
		hub:  h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump 只消费控制帧，保持连接存活；客户端不向引擎发数据
func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				logrus.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
