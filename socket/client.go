package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"collabspace/internal/event"
	"collabspace/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	maxViolations  = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is checked by the CORS layer in front of the router.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWs upgrades the request and starts the client's pumps. A
// workspaceId query parameter joins that room straight away.
func ServeWs(hub *Hub, handler Handler, w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := hub.Connect(userID)
	client.Conn = conn
	logger.Sugar.Infof("Client %s connected (user %s)", client.ID, userID)

	go client.writePump()
	go client.readPump(handler, r.URL.Query().Get("workspaceId"))
}

func (c *Client) readPump(handler Handler, autoJoin string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Hub.Disconnect(c.ID)
		c.Conn.Close()
		logger.Sugar.Infof("Client %s disconnected", c.ID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if autoJoin != "" {
		handler.HandleEvent(ctx, c, event.Envelope{
			Type:         event.JoinWorkspace,
			WorkspaceID:  autoJoin,
			UserID:       c.UserID,
			ConnectionID: c.ID,
		})
	}

	violations := 0
	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			return
		}

		if !c.limiter.Allow() {
			violations++
			if violations > maxViolations {
				logger.Sugar.Warnf("Client %s exceeded the message rate repeatedly. Disconnecting.", c.ID)
				return
			}
			c.Hub.Send(c.ID, &event.Failure{Code: "rate_limited", Message: "too many messages"})
			continue
		}
		violations = 0

		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Sugar.Warnf("Error unmarshalling message from %s: %v", c.ID, err)
			c.Hub.Send(c.ID, &event.Failure{Code: "bad_frame", Message: "frame is not valid JSON"})
			continue
		}

		// Identity comes from the authenticated connection, never the frame.
		env.UserID = c.UserID
		env.ConnectionID = c.ID
		handler.HandleEvent(ctx, c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the queue.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
