package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/kilupskalvis/stixwb/internal/archive"
)

// --- Archived import bundles ---

func (a *api) handleListArchived(w http.ResponseWriter, r *http.Request) {
	entries, err := a.cfg.Archive.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if id := r.URL.Query().Get("collectionId"); id != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.CollectionID == id {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []*archive.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	digest := r.PathValue("digest")
	rc, entry, err := a.cfg.Archive.Get(r.Context(), digest)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "bundle not archived")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("ETag", `"`+entry.Digest+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("archived bundle write interrupted", "digest", digest, "error", err, "request_id", requestID(r))
	}
}
