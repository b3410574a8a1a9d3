package sessions

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"collab-server/core"
	"collab-server/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	PresenceResponse struct {
		SessionID string                        `json:"sessionId"`
		Entries   map[string]core.PresenceEntry `json:"entries"`
		// Users is set when the request filters by file.
		Users []string `json:"users,omitempty"`
	}

	DocumentsResponse struct {
		SessionID string   `json:"sessionId"`
		Files     []string `json:"files"`
	}
)

func lookup(w http.ResponseWriter, r *http.Request, registry *session.Registry) (*session.Session, bool) {
	sessionID := chi.URLParam(r, "sessionId")
	s, err := registry.Session(sessionID)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Session not found"})
			return nil, false
		}
		logrus.WithField("error", err).Error("Failed to look up session")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "Failed to look up session"})
		return nil, false
	}
	return s, true
}

// HandleList returns every live session
func HandleList(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, registry.List())
	}
}

// HandleGet returns one live session with its roster
func HandleGet(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(w, r, registry)
		if !ok {
			return
		}
		render.JSON(w, r, s.Info())
	}
}

// HandlePresence returns the presence map of a session. With ?fileId= it
// also lists the users whose cursor is in that file.
func HandlePresence(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(w, r, registry)
		if !ok {
			return
		}
		resp := PresenceResponse{
			SessionID: s.ID,
			Entries:   s.Presence().Encode(),
		}
		if fileID := r.URL.Query().Get("fileId"); fileID != "" {
			resp.Users = s.Presence().UsersInFile(fileID)
		}
		render.JSON(w, r, resp)
	}
}

func HandleListDocuments(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(w, r, registry)
		if !ok {
			return
		}
		render.JSON(w, r, DocumentsResponse{SessionID: s.ID, Files: s.Documents().Files()})
	}
}

// HandleDocumentState returns the encoded state of a file as
// application/octet-stream, or its visible text with ?format=text.
func HandleDocumentState(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(w, r, registry)
		if !ok {
			return
		}
		fileID, err := url.PathUnescape(chi.URLParam(r, "*"))
		if err != nil || fileID == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "File id is required"})
			return
		}

		if r.URL.Query().Get("format") == "text" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(s.Documents().Text(fileID)))
			return
		}

		state, err := s.Documents().EncodeState(fileID)
		if err != nil {
			logrus.WithField("error", err).WithField("document_id", s.Documents().DocumentID(fileID)).Error("Failed to encode document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to encode document"})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(state)))
		_, _ = w.Write(state)
	}
}

// Routes mounts the live session endpoints.
func Routes(registry *session.Registry) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", HandleList(registry))
		r.Route("/{sessionId}", func(r chi.Router) {
			r.Get("/", HandleGet(registry))
			r.Get("/presence", HandlePresence(registry))
			r.Get("/documents", HandleListDocuments(registry))
			r.Get("/documents/*", HandleDocumentState(registry))
		})
	}
}
