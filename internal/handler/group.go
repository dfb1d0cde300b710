package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mknutsen/quill/internal/auth"
	"github.com/mknutsen/quill/internal/fault"
	"github.com/mknutsen/quill/internal/model"
	"github.com/mknutsen/quill/internal/store"
	"github.com/mknutsen/quill/internal/websocket"
)

type GroupHandler struct {
	groupStore *store.GroupStore
	hub        *websocket.Hub
	logger     *slog.Logger
}

func NewGroupHandler(gs *store.GroupStore, hub *websocket.Hub, logger *slog.Logger) *GroupHandler {
	return &GroupHandler{groupStore: gs, hub: hub, logger: logger}
}

func (h *GroupHandler) broadcast(ev websocket.Event) {
	if h.hub != nil {
		h.hub.Broadcast(ev)
	}
}

type groupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)

	me := auth.Username(r.Context())
	group, err := h.groupStore.Create(me, req.Name, req.Members)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.broadcast(websocket.NewEvent("group", "created", group.ID, me))

	writeJSON(w, http.StatusCreated, group)
}

func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	groups, err := h.groupStore.ListByOwner(auth.Username(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if groups == nil {
		groups = []model.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	group, ok := h.ownedGroup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *GroupHandler) Update(w http.ResponseWriter, r *http.Request) {
	group, ok := h.ownedGroup(w, r)
	if !ok {
		return
	}

	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)

	updated, err := h.groupStore.Replace(group.ID, req.Name, req.Members)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.broadcast(websocket.NewEvent("group", "updated", group.ID, group.Owner))

	writeJSON(w, http.StatusOK, updated)
}

func (h *GroupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	group, ok := h.ownedGroup(w, r)
	if !ok {
		return
	}

	if err := h.groupStore.CascadeDelete(group.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.broadcast(websocket.NewEvent("group", "deleted", group.ID, group.Owner))

	w.WriteHeader(http.StatusNoContent)
}

// ownedGroup resolves the {id} path parameter and enforces that the caller
// owns the group. Groups are the owner's address book; nobody else reads
// or edits them.
func (h *GroupHandler) ownedGroup(w http.ResponseWriter, r *http.Request) (*model.Group, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, h.logger, fault.New(fault.MalformedInput, "invalid group id"))
		return nil, false
	}
	group, err := h.groupStore.GetByID(id)
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	if group == nil {
		writeError(w, h.logger, fault.New(fault.NotFound, "group %d not found", id))
		return nil, false
	}
	if group.Owner != auth.Username(r.Context()) {
		writeError(w, h.logger, fault.New(fault.PermissionDenied, "group %d does not belong to you", id))
		return nil, false
	}
	return group, true
}
