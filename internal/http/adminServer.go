package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"kampus/internal/api"
)

type AdminServer struct {
	log    *slog.Logger
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(log *slog.Logger, stats api.StatsSource, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(log, stats)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/stats", adminHandler.StatsHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		log: log,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	s.log.Info("admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
