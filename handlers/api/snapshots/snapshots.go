package snapshots

import (
	"errors"
	"net/http"
	"net/url"

	"collab-server/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	// SnapshotInfo describes a stored snapshot without its state.
	SnapshotInfo struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionId"`
		FileID    string `json:"fileId"`
		Size      int    `json:"size"`
		UpdatedAt int64  `json:"updatedAt"`
	}

	ListSessionsResponse struct {
		Sessions []string `json:"sessions"`
	}
)

func fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrSnapshotNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidArgument):
		status = http.StatusBadRequest
	}
	entry := logrus.WithField("error", err)
	if status == http.StatusInternalServerError {
		entry.Error(message)
	} else {
		entry.Warn(message)
	}
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}

// HandleListSessions lists the sessions that have stored snapshots
func HandleListSessions(store core.SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := store.ListSessions(r.Context())
		if err != nil {
			fail(w, r, err, "Failed to list sessions")
			return
		}
		if ids == nil {
			ids = []string{}
		}
		render.JSON(w, r, ListSessionsResponse{Sessions: ids})
	}
}

// HandleListSnapshots lists the stored files of a session
func HandleListSnapshots(store core.SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionId")

		snapshots, err := store.LoadSnapshots(r.Context(), sessionID)
		if err != nil {
			fail(w, r, err, "Failed to list snapshots")
			return
		}

		infos := make([]SnapshotInfo, 0, len(snapshots))
		for _, snapshot := range snapshots {
			infos = append(infos, SnapshotInfo{
				ID:        snapshot.ID,
				SessionID: snapshot.SessionID,
				FileID:    snapshot.FileID,
				Size:      len(snapshot.State),
				UpdatedAt: snapshot.UpdatedAt,
			})
		}
		render.JSON(w, r, infos)
	}
}

// HandleGetSnapshot returns one snapshot including its encoded state. The
// file id is the rest of the path and may contain slashes.
func HandleGetSnapshot(store core.SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionId")
		fileID, err := url.PathUnescape(chi.URLParam(r, "*"))
		if err != nil || fileID == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "File id is required"})
			return
		}

		snapshot, err := store.GetSnapshot(r.Context(), sessionID, fileID)
		if err != nil {
			fail(w, r, err, "Snapshot not found")
			return
		}
		render.JSON(w, r, snapshot)
	}
}

// HandleDeleteSnapshots removes every snapshot of a session
func HandleDeleteSnapshots(store core.SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionId")

		if err := store.DeleteSnapshots(r.Context(), sessionID); err != nil {
			fail(w, r, err, "Failed to delete snapshots")
			return
		}
		logrus.WithField("session_id", sessionID).Info("Snapshots deleted")
		w.WriteHeader(http.StatusNoContent)
	}
}

// Routes mounts the snapshot endpoints.
func Routes(store core.SnapshotStore) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", HandleListSessions(store))
		r.Route("/{sessionId}", func(r chi.Router) {
			r.Get("/", HandleListSnapshots(store))
			r.Delete("/", HandleDeleteSnapshots(store))
			r.Get("/*", HandleGetSnapshot(store))
		})
	}
}
