package service

import (
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/pkg/logger"
	"edu_struggle_engine/pkg/monitoring"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AlertFeedMessage 推送给仪表盘的实时消息
type AlertFeedMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// AlertClient 一条仪表盘 websocket 连接，订阅某租户（可选限定课程）的告警流
type AlertClient struct {
	hub      *AlertHub
	conn     *websocket.Conn
	send     chan []byte
	userID   uint
	tenantID string
	courseID string // 为空表示订阅租户内全部课程
	limiter  *rate.Limiter
}

// AlertHub 教师告警实时推送中枢。聚合器每产出一条新告警即广播给匹配的订阅者。
type AlertHub struct {
	mu         sync.RWMutex
	clients    map[*AlertClient]bool
	register   chan *AlertClient
	unregister chan *AlertClient
	broadcast  chan *model.InstructorAlert
	done       chan struct{}
	stopOnce   sync.Once
}

func NewAlertHub() *AlertHub {
	return &AlertHub{
		clients:    make(map[*AlertClient]bool),
		register:   make(chan *AlertClient),
		unregister: make(chan *AlertClient),
		broadcast:  make(chan *model.InstructorAlert, 64),
		done:       make(chan struct{}),
	}
}

func (h *AlertHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			monitoring.AlertFeedClients.Inc()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				monitoring.AlertFeedClients.Dec()
			}
			h.mu.Unlock()
		case alert := <-h.broadcast:
			h.fanout(alert)
		}
	}
}

func (h *AlertHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// PublishAlert 实现 AlertPublisher；hub 满载时丢弃（仪表盘有轮询兜底）
func (h *AlertHub) PublishAlert(alert *model.InstructorAlert) {
	select {
	case h.broadcast <- alert:
	default:
		logger.Log.Warn("Alert feed backlog full, push dropped",
			zap.String("alertId", alert.ID))
	}
}

func (h *AlertHub) fanout(alert *model.InstructorAlert) {
	payload, err := json.Marshal(AlertFeedMessage{Type: "ALERT", Data: alert})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.tenantID != alert.TenantID {
			continue
		}
		if client.courseID != "" && client.courseID != alert.CourseID {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// 慢消费者直接断开，避免拖垮广播
			go func(c *AlertClient) { h.unregister <- c }(client)
		}
	}
}

// ServeWS 升级连接并注册订阅
func (h *AlertHub) ServeWS(w http.ResponseWriter, r *http.Request, userID uint, tenantID, courseID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &AlertClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 32),
		userID:   userID,
		tenantID: tenantID,
		courseID: courseID,
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
	return nil
}

func (c *AlertClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		// 告警流是单向推送，上行只用于保活；非 ping 消息按限流丢弃
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Debug("Alert feed unexpected close",
					zap.Error(err), zap.Uint("userId", c.userID))
			}
			break
		}
		if !c.limiter.Allow() {
			continue
		}
	}
}

func (c *AlertClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
