package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/dispatcher"
)

const maxBodyBytes = 64 << 10

type submitRequest struct {
	URL string `json:"url"`
	ID  string `json:"id,omitempty"`
}

type submitResponse struct {
	ID   string        `json:"id"`
	Item bookmark.Item `json:"item"`
}

type cancelRequest struct {
	ID string `json:"id"`
}

// submit handles POST /bookmarks/process. It returns 202 with the new item
// id, 400 for a missing or malformed URL, 402 when the user's quota is
// exhausted, 409 when the same URL is already in flight for the user, or 500
// when the item could not be recorded or queued.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}
	user := UserID(r.Context())
	item, err := s.deps.Submitter.Submit(r.Context(), dispatcher.Submission{
		UserID: user,
		URL:    req.URL,
		ID:     strings.TrimSpace(req.ID),
	})
	if err != nil {
		if !dispatcher.IsClientError(err) {
			s.logger.Error("submit failed", zap.String("user_id", user), zap.Error(err))
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: item.ID, Item: item})
}

// cancel handles POST /bookmarks/process/cancel. Cancelling an unknown id
// still succeeds; the item is treated as already gone.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "id is required")
		return
	}
	user := UserID(r.Context())
	if err := s.deps.Items.Cancel(r.Context(), user, id, s.deps.Clock.Now()); err != nil {
		s.logger.Error("cancel failed", zap.String("user_id", user), zap.String("item_id", id), zap.Error(err))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "cancelled": true})
}

// listItems handles GET /bookmarks/process and returns {"items": [...]},
// newest first.
func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items := s.deps.Items.List(r.Context(), UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.deps.Items.Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if !ok {
		writeErrorCode(w, http.StatusNotFound, "not_found", "item not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

// removeItem handles DELETE /bookmarks/process/{id}. A pipeline still running
// for the item stops at its next stage boundary.
func (s *Server) removeItem(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Items.Remove(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBookmarks(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Bookmarks.List(r.Context(), UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"bookmarks": list})
}

func (s *Server) removeBookmark(w http.ResponseWriter, r *http.Request) {
	found, err := s.deps.Bookmarks.Remove(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !found {
		writeErrorCode(w, http.StatusNotFound, "not_found", "bookmark not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, dest any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
