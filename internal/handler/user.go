package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mknutsen/quill/internal/auth"
	"github.com/mknutsen/quill/internal/fault"
	"github.com/mknutsen/quill/internal/store"
	"github.com/mknutsen/quill/internal/websocket"
)

type UserHandler struct {
	userStore *store.UserStore
	hub       *websocket.Hub
	logger    *slog.Logger
}

func NewUserHandler(us *store.UserStore, hub *websocket.Hub, logger *slog.Logger) *UserHandler {
	return &UserHandler{userStore: us, hub: hub, logger: logger}
}

func (h *UserHandler) broadcast(ev websocket.Event) {
	if h.hub != nil {
		h.hub.Broadcast(ev)
	}
}

type profileRequest struct {
	RealName string `json:"real_name"`
	Email    string `json:"email"`
}

// UpdateMe edits the calling user's profile. Usernames are permanent;
// only the display identity changes.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.RealName = strings.TrimSpace(req.RealName)
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, h.logger, fault.New(fault.MalformedInput, "a valid email is required"))
		return
	}

	user, err := h.userStore.Update(auth.Username(r.Context()), req.RealName, req.Email)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Delete removes the calling user's account and everything hanging off it.
// Only the account holder may do this.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	me := auth.Username(r.Context())
	if username != me {
		writeError(w, h.logger, fault.New(fault.PermissionDenied, "you may only delete your own account"))
		return
	}

	if err := h.userStore.CascadeDelete(username); err != nil {
		writeError(w, h.logger, err)
		return
	}

	// The cascade took the sessions with it; drop the cookie too.
	clearSessionCookie(w)
	h.broadcast(websocket.NewEvent("user", "deleted", 0, username))

	w.WriteHeader(http.StatusNoContent)
}
