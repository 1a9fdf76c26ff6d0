package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"kampus/internal/api"
	"kampus/internal/ws"
)

type APIServer struct {
	log    *slog.Logger
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIServer serves the websocket endpoint and the public HTTP API.
// subs may be nil when push notifications are disabled. Request contexts
// derive from ctx, so cancelling it closes every websocket connection.
func NewAPIServer(ctx context.Context, log *slog.Logger, hub *ws.Hub, subs api.SubscriptionWriter, allowedOrigins []string, addr string) *APIServer {
	server := ws.NewServer(log, hub, allowedOrigins)
	apiHandlers := api.New(log, hub.Chat(), hub.Presence(), subs)

	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", server.HandleConnections)

	// API endpoints
	mux.HandleFunc("GET /api/chats/{chatID}/messages", apiHandlers.MessagesHandler)
	mux.HandleFunc("GET /api/online", apiHandlers.OnlineHandler)
	mux.HandleFunc("POST /api/push/subscriptions", apiHandlers.SubscribeHandler)
	mux.HandleFunc("GET /healthz", apiHandlers.HealthHandler)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		log: log,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		},
	}
}

func (s *APIServer) Start() error {
	s.log.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked websocket connections are not tracked by the server.
func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
