package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const maxEventSize = 64 << 10

type Server struct {
	log      *slog.Logger
	hub      *Hub
	upgrader *websocket.Upgrader
}

// NewServer accepts websocket upgrades. An empty allowedOrigins accepts any
// origin; requests without an Origin header are always accepted.
func NewServer(log *slog.Logger, hub *Hub, allowedOrigins []string) *Server {
	return &Server{
		log: log,
		hub: hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || lo.Contains(allowedOrigins, origin)
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading to websocket", "error", err)
		return
	}

	ws.SetReadLimit(maxEventSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	connID := uuid.NewString()
	conn := NewConnection(s.log, s.hub, ws, connID, s.hub.Connect(connID))

	if err := conn.Handle(r.Context()); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			s.log.Warn("connection closed", "conn_id", connID, "error", err)
			return
		}
		s.log.Debug("connection closed", "conn_id", connID, "error", err)
	}
}
