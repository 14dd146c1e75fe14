package websocket

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"
	"realtime-poll-backend/repository"

	"github.com/gin-gonic/gin"
)

const sseHeartbeat = 15 * time.Second

// HandleSSE 单个投票的服务端推送流，与 WebSocket 共用 Hub 房间
func (h *Handler) HandleSSE(c *gin.Context) {
	pollID := c.Param("id")
	session := auth.SessionFrom(c)
	log := logging.For("websocket", "HandleSSE").WithField("poll_id", pollID)

	// 先入房间再读快照，读快照期间提交的投票不会丢
	conn := h.hub.Register("")
	defer h.hub.Disconnect(conn.ID)
	if err := h.hub.Join(conn.ID, pollID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "Live updates unavailable"})
		return
	}

	poll, err := h.polls.Snapshot(c.Request.Context(), session, pollID)
	if err != nil {
		h.hub.Disconnect(conn.ID)
		status, message := http.StatusInternalServerError, "Failed to load poll"
		if errors.Is(err, repository.ErrPollNotFound) {
			status, message = http.StatusNotFound, "Poll not found"
		}
		c.JSON(status, gin.H{"success": false, "message": message})
		return
	}

	h.hub.Sync(conn.ID, pollID, poll.Version)
	snapshot, err := models.SnapshotFrame(poll)
	if err != nil || !conn.enqueue(snapshot) {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to load poll"})
		return
	}

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no") // 禁用Nginx缓冲

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	log.Info("sse client connected")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			h.hub.Touch(conn.ID)
			c.SSEvent(models.EventPing, gin.H{"time": time.Now().UTC()})
			return true
		case msg, ok := <-conn.Send():
			if !ok {
				return false
			}
			var frame models.Frame
			if err := json.Unmarshal(msg, &frame); err != nil {
				return true
			}
			c.SSEvent(frame.Event, frame.Data)
			return true
		}
	})
	log.Info("sse client disconnected")
}
