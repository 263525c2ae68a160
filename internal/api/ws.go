package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"comic-forge/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// same-origin policy is the embedding app's concern; the gateway serves
	// first-party clients only
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsClient adapts one websocket connection to the registry's Sender.
// gorilla connections allow a single concurrent writer, hence the mutex.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) Send(outcome models.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(outcome)
}

type joinRequest struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`
}

// handleWS upgrades the connection and serves join requests until the
// client disconnects. A subscription lives exactly as long as its
// connection: the read loop ending removes every room membership.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("api: websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn}
	defer func() {
		s.registry.Leave(client)
		_ = conn.Close()
	}()

	for {
		var req joinRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Action != "join" || req.TaskID == "" {
			continue
		}
		if err := s.registry.Join(r.Context(), req.TaskID, client); err != nil {
			s.log.Warn().Err(err).Str("task_id", req.TaskID).Msg("api: join failed")
		}
	}
}
