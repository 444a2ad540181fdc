package stubserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Router builds the HTTP surface the widget core talks to
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// The widget runs on arbitrary customer origins
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Token", "X-Client-ID", "X-Agent-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", HealthCheck)

	// Token issuance is the only unauthenticated entry point besides
	// health; everything carrying conversation state needs a token.
	r.Route("/api/v1/domain-token", func(r chi.Router) {
		r.Post("/", s.handleIssueToken)
		r.Post("/validate", s.handleValidateToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/config", s.handleConfig)
		r.Post("/api/v1/agent/chat", s.handleChat)
	})

	r.Post("/api/v1/agent/reset", s.handleReset)
	r.Post("/api/v1/agent/chat/update-reaction", s.handleReaction)
	r.Get("/api/v1/agent/status", s.handleStatus)

	return r
}
