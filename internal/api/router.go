package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(apiHandler *APIHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Post("/auth/refresh", apiHandler.RefreshHandler)
		r.Get("/health", apiHandler.HealthHandler)

		// Access-token routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Get("/auth/me", apiHandler.MeHandler)

			// Retrieval service
			r.Post("/brain/query", apiHandler.BrainQueryHandler)
			r.Post("/brain/ingest", apiHandler.BrainIngestHandler)

			r.Get("/sessions", apiHandler.ListSessionsHandler)
			r.Post("/sessions", apiHandler.CreateSessionHandler)
			r.Get("/sessions/{sessionID}/messages", apiHandler.ListMessagesHandler)
		})

		// Assistant turns renew credentials themselves.
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.SessionAuthMiddleware)

			r.Post("/assistant/messages", apiHandler.AssistantMessageHandler)
		})
	})

	return r
}
