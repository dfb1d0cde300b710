package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mknutsen/quill/internal/handler"
	"github.com/mknutsen/quill/internal/middleware"
	"github.com/mknutsen/quill/internal/store"
	ws "github.com/mknutsen/quill/internal/websocket"
)

type Server struct {
	db           *sql.DB
	hub          *ws.Hub
	authH        *handler.AuthHandler
	userH        *handler.UserHandler
	groupH       *handler.GroupHandler
	noteH        *handler.NoteHandler
	sessionStore *store.SessionStore
	rateLimiter  *middleware.RateLimiter
	logger       *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	userStore := store.NewUserStore(db)
	groupStore := store.NewGroupStore(db)
	noteStore := store.NewNoteStore(db)
	sessionStore := store.NewSessionStore(db)

	return &Server{
		db:           db,
		hub:          hub,
		authH:        handler.NewAuthHandler(userStore, sessionStore, logger.With("component", "auth")),
		userH:        handler.NewUserHandler(userStore, hub, logger.With("component", "user")),
		groupH:       handler.NewGroupHandler(groupStore, hub, logger.With("component", "group")),
		noteH:        handler.NewNoteHandler(noteStore, hub, logger.With("component", "note")),
		sessionStore: sessionStore,
		rateLimiter:  middleware.NewRateLimiter(),
		logger:       logger,
	}
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("POST /signup", s.rateLimitedHandler(s.authH.Signup))
	outerMux.HandleFunc("POST /login", s.rateLimitedHandler(s.authH.Login))
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Routes that serve both anonymous and signed-in viewers. The viewer's
	// identity, when present, widens what comes back.
	optionalAuth := middleware.OptionalAuth(s.sessionStore)
	outerMux.Handle("GET /api/feed", optionalAuth(http.HandlerFunc(s.noteH.Feed)))
	outerMux.Handle("GET /api/users/{username}/notes", optionalAuth(http.HandlerFunc(s.noteH.UserNotes)))
	outerMux.Handle("GET /api/notes/{id}", optionalAuth(http.HandlerFunc(s.noteH.Get)))
	outerMux.Handle("GET /ws", optionalAuth(ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket"))))

	// Protected routes — wrapped with RequireAuth middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.sessionStore)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /logout", s.authH.Logout)
	mux.HandleFunc("GET /api/me", s.authH.Me)
	mux.HandleFunc("PUT /api/me", s.userH.UpdateMe)
	mux.HandleFunc("DELETE /api/users/{username}", s.userH.Delete)

	// Group API routes
	mux.HandleFunc("POST /api/groups", s.groupH.Create)
	mux.HandleFunc("GET /api/groups", s.groupH.List)
	mux.HandleFunc("GET /api/groups/{id}", s.groupH.Get)
	mux.HandleFunc("PUT /api/groups/{id}", s.groupH.Update)
	mux.HandleFunc("DELETE /api/groups/{id}", s.groupH.Delete)

	// Note API routes
	mux.HandleFunc("POST /api/notes", s.noteH.Create)
	mux.HandleFunc("GET /api/notes", s.noteH.List)
	mux.HandleFunc("PUT /api/notes/{id}", s.noteH.Update)
	mux.HandleFunc("DELETE /api/notes/{id}", s.noteH.Delete)
}
