package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vidmatch-backend/internal/api/handlers"
	"vidmatch-backend/internal/auth"
	"vidmatch-backend/internal/presence"
	"vidmatch-backend/internal/storage"
)

type Dependencies struct {
	Storage      *storage.Storage
	Tracker      *presence.Tracker
	VideoHandler *handlers.VideoHandler
	JWTSecret    string
}

func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	// CORS for the mobile clients
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"vidmatch-backend"}`))
	})

	// API routes; everything under here carries an authenticated identity.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(deps.JWTSecret, deps.Storage.DB, deps.Tracker))

		r.Post("/video/match", deps.VideoHandler.Match)
		r.Get("/video/token", deps.VideoHandler.Token)
		r.Post("/video/end", deps.VideoHandler.End)
	})

	return r
}
