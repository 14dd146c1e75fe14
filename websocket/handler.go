package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"
	"realtime-poll-backend/repository"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// 写入超时
	writeWait = 10 * time.Second

	// 最大消息大小
	maxMessageSize = 512

	snapshotTimeout = 5 * time.Second
)

// Snapshotter 加入房间时读取投票当前状态
type Snapshotter interface {
	Snapshot(ctx context.Context, session *auth.Session, pollID string) (*models.Poll, error)
}

// Handler WebSocket 与 SSE 入口
type Handler struct {
	hub      *Hub
	polls    Snapshotter
	upgrader websocket.Upgrader
}

// NewHandler origins 为空或包含 "*" 时允许所有来源
func NewHandler(hub *Hub, polls Snapshotter, origins []string) *Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return &Handler{
		hub:   hub,
		polls: polls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// RegisterRoutes 注册实时通道路由
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.HandleWebSocketConnection)
	router.GET("/api/polls/:id/live", h.HandleSSE)
}

// HandleWebSocketConnection 升级连接；房间通过 join-poll 消息加入
func (h *Handler) HandleWebSocketConnection(c *gin.Context) {
	session := auth.SessionFrom(c)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.For("websocket", "HandleWebSocketConnection").WithError(err).Warn("upgrade failed")
		return
	}

	conn := h.hub.Register("")
	logging.For("websocket", "HandleWebSocketConnection").WithFields(logrus.Fields{
		"conn_id": conn.ID,
		"remote":  c.ClientIP(),
	}).Info("websocket connected")

	go h.writePump(ws, conn)
	go h.readPump(ws, conn, session)
}

// readPump 处理客户端消息，任意消息和 pong 都刷新心跳
func (h *Handler) readPump(ws *websocket.Conn, conn *Conn, session *auth.Session) {
	log := logging.For("websocket", "readPump").WithField("conn_id", conn.ID)
	defer func() {
		h.hub.Disconnect(conn.ID)
		_ = ws.Close()
	}()

	pongWait := h.pongWait()
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		h.hub.Touch(conn.ID)
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Info("read failed")
			}
			return
		}
		h.hub.Touch(conn.ID)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reply(conn, errorFrame("malformed message"))
			continue
		}
		h.dispatch(conn, session, frame)
	}
}

func (h *Handler) dispatch(conn *Conn, session *auth.Session, frame models.Frame) {
	switch frame.Event {
	case models.EventPing:
		h.reply(conn, mustFrame(models.EventPong, gin.H{"time": time.Now().UTC()}))

	case models.EventJoinPoll:
		var ref models.PollRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.PollID == "" {
			h.reply(conn, errorFrame("pollId is required"))
			return
		}
		if err := h.join(conn, session, ref.PollID); err != nil {
			h.reply(conn, errorFrame(joinErrorMessage(err)))
		}

	case models.EventLeavePoll:
		var ref models.PollRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.PollID == "" {
			h.reply(conn, errorFrame("pollId is required"))
			return
		}
		h.hub.Leave(conn.ID, ref.PollID)

	default:
		h.reply(conn, errorFrame("unknown event"))
	}
}

// join 先入房间再读快照；快照和实时更新的先后由客户端按版本合并
func (h *Handler) join(conn *Conn, session *auth.Session, pollID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	if err := h.hub.Join(conn.ID, pollID); err != nil {
		return err
	}
	poll, err := h.polls.Snapshot(ctx, session, pollID)
	if err != nil {
		h.hub.Leave(conn.ID, pollID)
		return err
	}

	snapshot, err := models.SnapshotFrame(poll)
	if err != nil {
		h.hub.Leave(conn.ID, pollID)
		return err
	}
	h.hub.Sync(conn.ID, pollID, poll.Version)
	if !h.reply(conn, mustFrame(models.EventJoined, models.PollRef{PollID: pollID}), snapshot) {
		return ErrConnectionLost
	}
	return nil
}

// reply 直接写入连接的发送缓冲区，缓冲区满时断开该连接
func (h *Handler) reply(conn *Conn, frames ...[]byte) bool {
	if conn.enqueue(frames...) {
		return true
	}
	h.hub.Disconnect(conn.ID)
	return false
}

// pongWait 读取超时，与 Hub 的心跳超时一致
func (h *Handler) pongWait() time.Duration {
	return h.hub.opts.HeartbeatTimeout
}

// pingPeriod 发送ping间隔时间，必须小于pongWait
func (h *Handler) pingPeriod() time.Duration {
	return h.pongWait() * 9 / 10
}

// writePump 向WebSocket连接发送消息，发送通道关闭后发送 close 帧
func (h *Handler) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(h.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				h.hub.Disconnect(conn.ID)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Disconnect(conn.ID)
				return
			}
		}
	}
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, repository.ErrPollNotFound):
		return "poll not found"
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrUnknownConnection):
		return "connection closed"
	default:
		return "could not join poll"
	}
}

func errorFrame(message string) []byte {
	return mustFrame(models.EventError, models.ErrorPayload{Message: message})
}

func mustFrame(event string, data interface{}) []byte {
	f, err := models.NewFrame(event, data)
	if err != nil {
		logging.For("websocket", "mustFrame").WithError(err).Error("encode frame failed")
		return []byte(`{"event":"error","data":{"message":"internal error"}}`)
	}
	return f
}
