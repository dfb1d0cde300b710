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

type NoteHandler struct {
	noteStore *store.NoteStore
	hub       *websocket.Hub
	logger    *slog.Logger
}

func NewNoteHandler(ns *store.NoteStore, hub *websocket.Hub, logger *slog.Logger) *NoteHandler {
	return &NoteHandler{noteStore: ns, hub: hub, logger: logger}
}

func (h *NoteHandler) broadcast(ev websocket.Event) {
	if h.hub != nil {
		h.hub.Broadcast(ev)
	}
}

type noteRequest struct {
	Body       string              `json:"body"`
	Visibility string              `json:"visibility"`
	SharedWith *model.SharedTarget `json:"shared_with,omitempty"`
}

func (r noteRequest) visibility() model.Visibility {
	return model.Visibility{
		Kind:   model.VisibilityKind(r.Visibility),
		Shared: r.SharedWith,
	}
}

func (h *NoteHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, h.logger, fault.New(fault.MalformedInput, "body is required"))
		return
	}

	me := auth.Username(r.Context())
	note, err := h.noteStore.Create(me, req.Body, req.visibility())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.broadcast(websocket.NewEvent("note", "created", note.ID, me))

	writeJSON(w, http.StatusCreated, note)
}

// List returns the caller's own notes, newest first.
func (h *NoteHandler) List(w http.ResponseWriter, r *http.Request) {
	notes, err := h.noteStore.ListOwned(auth.Username(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if notes == nil {
		notes = []model.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// Feed is the aggregate listing. Anonymous viewers get public notes;
// signed-in viewers additionally get notes shared with them, minus their
// own.
func (h *NoteHandler) Feed(w http.ResponseWriter, r *http.Request) {
	viewer := auth.Username(r.Context())

	var views []model.NoteView
	var err error
	if viewer == "" {
		views, err = h.noteStore.ListPublic()
	} else {
		views, err = h.noteStore.ListFeed(viewer)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if views == nil {
		views = []model.NoteView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// UserNotes lists one author's notes as visible to the caller.
func (h *NoteHandler) UserNotes(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("username")
	viewer := auth.Username(r.Context())

	views, err := h.noteStore.ListUserVisible(owner, viewer)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if views == nil {
		views = []model.NoteView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *NoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, h.logger, fault.New(fault.MalformedInput, "invalid note id"))
		return
	}

	detail, err := h.noteStore.Detail(id, auth.Username(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *NoteHandler) Update(w http.ResponseWriter, r *http.Request) {
	note, ok := h.ownedNote(w, r)
	if !ok {
		return
	}

	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, h.logger, fault.New(fault.MalformedInput, "body is required"))
		return
	}

	updated, _, _, err := h.noteStore.Replace(note.ID, req.Body, req.visibility())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.broadcast(websocket.NewEvent("note", "updated", note.ID, note.Owner))

	writeJSON(w, http.StatusOK, updated)
}

func (h *NoteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	note, ok := h.ownedNote(w, r)
	if !ok {
		return
	}

	if err := h.noteStore.Delete(note.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.broadcast(websocket.NewEvent("note", "deleted", note.ID, note.Owner))

	w.WriteHeader(http.StatusNoContent)
}

// ownedNote resolves the {id} path parameter and enforces that the caller
// owns the note. Editing and deleting are owner-only no matter who can
// see the note.
func (h *NoteHandler) ownedNote(w http.ResponseWriter, r *http.Request) (*model.Note, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, h.logger, fault.New(fault.MalformedInput, "invalid note id"))
		return nil, false
	}
	note, err := h.noteStore.Get(id)
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	if note == nil {
		writeError(w, h.logger, fault.New(fault.NotFound, "note %d not found", id))
		return nil, false
	}
	if note.Owner != auth.Username(r.Context()) {
		writeError(w, h.logger, fault.New(fault.PermissionDenied, "note %d does not belong to you", id))
		return nil, false
	}
	return note, true
}
