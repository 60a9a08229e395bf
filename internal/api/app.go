package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/maproom/internal/config"
	"github.com/npezzotti/maproom/internal/database"
	"github.com/npezzotti/maproom/internal/server"
	"github.com/rs/zerolog"
)

type MapRoomApp struct {
	log            zerolog.Logger
	db             database.MapRoomRepository
	srv            *http.Server
	gw             *server.Gateway
	trigger        *server.Trigger
	signingKey     []byte
	allowedOrigins []string
}

// NewMapRoomApp registers the write path, the viewer socket and the health
// check on mux.
func NewMapRoomApp(mux *http.ServeMux, logger zerolog.Logger, gw *server.Gateway, trigger *server.Trigger,
	db database.MapRoomRepository, cfg *config.Config) *MapRoomApp {
	s := &MapRoomApp{
		log:            logger.With().Str("component", "api").Logger(),
		db:             db,
		gw:             gw,
		trigger:        trigger,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("POST /api/maps", s.authMiddleware(s.createMap))
	mux.Handle("GET /api/maps/{id}", s.authMiddleware(s.getMap))
	mux.Handle("PUT /api/maps/{id}", s.authMiddleware(s.updateMap))
	mux.Handle("POST /api/sessions", s.authMiddleware(s.createSession))
	mux.HandleFunc("GET /api/sessions/{code}", s.getSession)
	mux.Handle("PUT /api/sessions/{id}", s.authMiddleware(s.updateSession))
	mux.Handle("DELETE /api/sessions/{id}", s.authMiddleware(s.deleteSession))
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *MapRoomApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MapRoomApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *MapRoomApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
