package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Get("/status", s.status)

	// Websocket
	r.Get("/ws", s.serveWS)

	// Lifecycle events (SSE)
	r.Get("/event", s.lifecycleEvents)

	r.Route("/resource", func(r chi.Router) {
		r.Get("/", s.listResources)
		r.Post("/", s.createResource)

		r.Route("/{resourceID}", func(r chi.Router) {
			r.Get("/", s.getResource)
			r.Get("/message", s.listMessages)
			r.Post("/message", s.postMessage)
			r.Get("/file_changes", s.listFileChanges)
		})
	})

	r.Get("/execution/{executionID}", s.getExecution)
}
