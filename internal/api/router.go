package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

type RouterOptions struct {
	CORSOrigins        []string
	RateLimitPerSecond float64
	RateLimitBurst     int
	// WebSocket serves GET /ws when set.
	WebSocket http.Handler
}

func NewRouter(apiHandler *APIHandler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling
	r.Use(cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler)

	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket.ServeHTTP)
	}

	limiter := newUserLimiter(opts.RateLimitPerSecond, opts.RateLimitBurst)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/auth/signup", apiHandler.SignupHandler)
		r.Post("/auth/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)
			r.Use(limiter.Middleware)

			r.Post("/chats", apiHandler.CreateChatHandler)
			r.Get("/chats", apiHandler.ListChatsHandler)

			r.Post("/messages", apiHandler.SaveMessageHandler)
			r.Patch("/messages", apiHandler.SetSeenHandler)
			r.Post("/messages/upload-media", apiHandler.UploadMediaHandler)
			r.Get("/messages/chat/{chatID}", apiHandler.ChatMessagesHandler)
			r.Post("/messages/{messageID}/delivered", apiHandler.MarkDeliveredHandler)

			r.Get("/media/{hash}", apiHandler.MediaHandler)
		})
	})

	return r
}
