package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListSessions returns the user's sessions, oldest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	_, st, ok := h.requireStore(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions":   st.List(),
		"current_id": st.CurrentID(),
	})
}

// CreateSession starts an empty conversation and makes it current.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, st, ok := h.requireStore(w, r)
	if !ok {
		return
	}
	sess, created := st.Create(r.Context(), userID)
	if !created {
		Error(w, http.StatusUnauthorized, "not signed in")
		return
	}
	JSON(w, http.StatusCreated, map[string]interface{}{
		"session":    sess,
		"current_id": st.CurrentID(),
	})
}

// GetSession returns one session snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	_, st, ok := h.requireStore(w, r)
	if !ok {
		return
	}
	sess, found := st.Get(chi.URLParam(r, "id"))
	if !found {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// SelectSession makes a session current.
func (h *Handler) SelectSession(w http.ResponseWriter, r *http.Request) {
	_, st, ok := h.requireStore(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if !st.Select(id) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"current_id": id})
}

// DeleteSession removes a session, stopping its answer first. Deleting the
// current session selects the most recently created remaining one.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, st, ok := h.requireStore(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	h.Chat.Cancel(userID, id)
	if !st.Delete(r.Context(), id) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"current_id": st.CurrentID()})
}
