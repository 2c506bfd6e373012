package handler

import (
	"log"
	"net/http"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/internal/middleware"
	"anoa.com/communityforum/internal/modules/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// authCheckInterval bounds how long a socket outlives its session's
// authorization.
const authCheckInterval = time.Second

var moderatorOrAbove = session.AtLeast(entity.RoleModerator)

type FeedHandler struct {
	feed     backend.Feed
	upgrader websocket.Upgrader
}

func NewFeedHandler(feed backend.Feed, allowedOrigins []string) *FeedHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &FeedHandler{
		feed: feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins[origin]
			},
		},
	}
}

// HandleWebSocket streams thread and post change events to the client as
// JSON. Moderators also receive report events. The socket closes as soon as
// the session stops authorizing, which covers sign-out and bans.
func (h *FeedHandler) HandleWebSocket(c *gin.Context) {
	s := middleware.SessionFrom(c)
	if !s.Authorize(session.Authenticated()) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "code": "AUTHENTICATION_REQUIRED"})
		return
	}
	s.Start()

	ctx := c.Request.Context()
	tables := []backend.Table{backend.TableThreads, backend.TablePosts}
	if s.Authorize(moderatorOrAbove) {
		tables = append(tables, backend.TableReports)
	}
	events := make(chan backend.ChangeEvent)
	for _, table := range tables {
		sub, err := h.feed.Subscribe(ctx, table)
		if err != nil {
			log.Printf("feed: subscribe %s: %v", table, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": "TRANSIENT_NETWORK_ERROR"})
			return
		}
		defer sub.Close()
		go forward(sub, events, ctx.Done())
	}

	// Upgrade connection
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("feed: failed to upgrade websocket: %v", err)
		return
	}
	defer conn.Close()

	clientClosed := make(chan struct{})
	go func() {
		defer close(clientClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(authCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			if !s.Authorize(session.Authenticated()) {
				closeSocket(conn, "session ended")
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("feed: failed to write message to websocket: %v", err)
				return
			}
		case <-ticker.C:
			if !s.Authorize(session.Authenticated()) {
				closeSocket(conn, "session ended")
				return
			}
		case <-clientClosed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func forward(sub backend.Subscription, out chan<- backend.ChangeEvent, done <-chan struct{}) {
	for ev := range sub.Events() {
		select {
		case out <- ev:
		case <-done:
			return
		}
	}
}

func closeSocket(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
