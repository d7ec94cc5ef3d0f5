package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/partnergate/internal/observability/logger"
	"github.com/smallbiznis/partnergate/internal/presence/hub"
	"go.uber.org/zap"
)

const (
	streamHeartbeatInterval = 15 * time.Second
	wsWriteTimeout          = 5 * time.Second
)

// StreamPresence pushes presence changes of one community as server-sent
// events, starting with the buffered backlog.
func (s *Server) StreamPresence(c *gin.Context) {
	communityID := strings.TrimSpace(c.Param("communityId"))
	subscription, backlog, err := s.presence.Subscribe(communityID)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if err := writePresenceEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if err := writePresenceEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePresenceEvent(w io.Writer, event hub.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: presence\ndata: %s\n\n", data)
	return err
}

// PresenceWebSocket is the websocket variant of StreamPresence. Client
// messages are ignored.
func (s *Server) PresenceWebSocket(c *gin.Context) {
	communityID := strings.TrimSpace(c.Param("communityId"))
	subscription, backlog, err := s.presence.Subscribe(communityID)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.websocketOriginPatterns(),
	})
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("presence websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(c.Request.Context())

	for _, event := range backlog {
		if err := writePresenceMessage(ctx, conn, event); err != nil {
			return
		}
	}

	ping := time.NewTicker(streamHeartbeatInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-subscription.Events():
			if err := writePresenceMessage(ctx, conn, event); err != nil {
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writePresenceMessage(ctx context.Context, conn *websocket.Conn, event hub.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// websocketOriginPatterns accepts the public host besides same-origin
// requests, which the library always allows.
func (s *Server) websocketOriginPatterns() []string {
	base := strings.TrimSpace(s.cfg.PublicBaseURL)
	if base == "" {
		return nil
	}
	host := base
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	host = strings.TrimRight(host, "/")
	if host == "" {
		return nil
	}
	return []string{host}
}
