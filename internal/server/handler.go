// Package server exposes the import and export pipeline over HTTP.
package server

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kilupskalvis/stixwb/internal/archive"
	"github.com/kilupskalvis/stixwb/internal/core"
	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

// UserAccountHeader names the account recorded on imported revisions.
const UserAccountHeader = "X-User-Account"

// Config holds configurable limits and collaborators for the server.
type Config struct {
	MaxRequestBody    int64  // bytes, for bundle uploads
	AuthToken         string // bearer token for /api/, empty disables auth
	ExportConcurrency int
	Webhooks          *WebhookNotifier
	Metrics           *Metrics
	// Archive keeps the request body of every persisted import. Nil
	// disables archiving and the /api/import-bundles routes.
	Archive archive.BundleArchive
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestBody:    256 * 1024 * 1024, // 256MB
		ExportConcurrency: core.DefaultResolveConcurrency,
	}
}

type api struct {
	st       store.ObjectStore
	importer *core.Importer
	streamer *core.Streamer
	resolver *core.Resolver
	exporter *core.Exporter
	cfg      *Config
	metrics  *Metrics
	logger   *slog.Logger
}

// Handler creates the HTTP handler with all routes and middleware.
func Handler(st store.ObjectStore, validator *core.Validator, cfg *Config, logger *slog.Logger) http.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = DefaultConfig().MaxRequestBody
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	importer := core.NewImporter(st, validator, logger)
	a := &api{
		st:       st,
		importer: importer,
		streamer: core.NewStreamer(importer),
		resolver: core.NewResolver(st, cfg.ExportConcurrency, logger),
		exporter: core.NewExporter(st, logger),
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}

	auth := bearerAuth(cfg.AuthToken)
	route := func(name string, h http.HandlerFunc) http.Handler {
		return metrics.instrument(name, auth(h))
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.Count(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: object store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler())

	// Collection bundles
	mux.Handle("POST /api/collection-bundles", route("import_collection_bundle", a.handleImport))
	mux.Handle("GET /api/collection-bundles", route("export_collection_bundle", a.handleExport))

	// Collections
	mux.Handle("GET /api/collections", route("list_collections", a.handleListCollections))
	mux.Handle("GET /api/collections/{id}", route("get_collection", a.handleGetCollection))

	// Domain bundles
	mux.Handle("GET /api/stix-bundles", route("export_stix_bundle", a.handleExportDomain))

	// Archived import bundles
	if cfg.Archive != nil {
		mux.Handle("GET /api/import-bundles", route("list_import_bundles", a.handleListArchived))
		mux.Handle("GET /api/import-bundles/{digest}", route("get_import_bundle", a.handleGetArchived))
	}

	return applyMiddleware(mux,
		requestIDMiddleware,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
	)
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Import ---

func (a *api) handleImport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	stream, err := queryBool(q.Get("stream"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "stream: "+err.Error())
		return
	}
	// Once streaming is requested every later refusal travels as a result event.
	refuse := func(status int, sentinel error, message string) {
		if !stream {
			code := "bad_request"
			if status == http.StatusRequestEntityTooLarge {
				code = "too_large"
			}
			writeError(w, status, code, message)
			return
		}
		payload := core.NewErrorPayload(core.NewRejection(sentinel, message))
		a.metrics.RecordImport(outcomeFor(payload.Error), nil)
		if err := newSSEWriter(w).send(core.EventResult, &core.StreamResult{Error: payload}); err != nil {
			a.logger.Warn("import stream interrupted", "error", err, "request_id", requestID(r))
		}
	}

	checkOnly, err := queryBool(q.Get("checkOnly"))
	if err != nil {
		refuse(http.StatusBadRequest, core.ErrInvalidImportOptions, "checkOnly: "+err.Error())
		return
	}
	previewOnly, err := queryBool(q.Get("previewOnly"))
	if err != nil {
		refuse(http.StatusBadRequest, core.ErrInvalidImportOptions, "previewOnly: "+err.Error())
		return
	}
	force, err := models.ParseForceImport(q["forceImport"])
	if err != nil {
		refuse(http.StatusBadRequest, core.ErrInvalidImportOptions, err.Error())
		return
	}

	raw, err := readBody(r, a.cfg.MaxRequestBody)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			refuse(http.StatusRequestEntityTooLarge, core.ErrMalformedBundle, err.Error())
		case errors.Is(err, errBodyEmpty):
			refuse(http.StatusBadRequest, core.ErrEmptyBundle, err.Error())
		default:
			refuse(http.StatusBadRequest, core.ErrMalformedBundle, err.Error())
		}
		return
	}
	var bundle models.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		refuse(http.StatusBadRequest, core.ErrMalformedBundle, "invalid JSON: "+err.Error())
		return
	}

	opts := core.ImportOptions{
		CheckOnly:   checkOnly,
		PreviewOnly: previewOnly,
		Force:       force,
		UserAccount: r.Header.Get(UserAccountHeader),
	}
	if a.cfg.Archive != nil {
		opts.BundleDigest = archive.Digest(raw)
	}

	if stream {
		a.streamImport(w, r, &bundle, raw, opts)
		return
	}

	res, err := a.importer.Import(r.Context(), &bundle, opts)
	if err != nil {
		a.writeImportError(w, r, err)
		return
	}
	a.importSucceeded(r, raw, res.Persisted, res.ImportID, res.Collection)

	status := http.StatusOK
	if res.Persisted {
		status = http.StatusCreated
	}
	writeJSON(w, status, res.Collection)
}

func (a *api) streamImport(w http.ResponseWriter, r *http.Request, bundle *models.Bundle, raw []byte, opts core.ImportOptions) {
	sse := newSSEWriter(w)
	final, err := a.streamer.Stream(r.Context(), bundle, opts, sse.send)
	if err != nil {
		a.logger.Warn("import stream interrupted", "error", err, "request_id", requestID(r))
	}
	if final == nil {
		return
	}
	if final.Error != nil {
		a.metrics.RecordImport(outcomeFor(final.Error.Error), nil)
		return
	}
	a.importSucceeded(r, raw, final.Persisted, final.ImportID, final.Collection)
}

// importSucceeded records metrics, archives the bundle and fires webhooks
// for an accepted import.
func (a *api) importSucceeded(r *http.Request, raw []byte, persisted bool, importID string, collection *models.Object) {
	var categories *models.ImportCategories
	if collection != nil {
		categories = collection.Workspace.ImportCategories
	}
	if !persisted {
		a.metrics.RecordImport(outcomeDryRun, categories)
		return
	}
	a.metrics.RecordImport(outcomePersisted, categories)
	a.archiveBundle(r, raw, importID, collection)
	a.cfg.Webhooks.NotifyImport(importID, collection)
}

// archiveBundle stores the raw bundle under the digest recorded on the
// collection. A failure is logged; the import itself has already persisted.
func (a *api) archiveBundle(r *http.Request, raw []byte, importID string, collection *models.Object) {
	if a.cfg.Archive == nil || collection == nil || collection.Workspace.ImportBundleDigest == "" {
		return
	}
	entry := &archive.Entry{
		Digest:             collection.Workspace.ImportBundleDigest,
		CollectionID:       collection.Stix.ID,
		CollectionModified: collection.Stix.Modified,
		ImportID:           importID,
	}
	if err := a.cfg.Archive.Put(r.Context(), entry, bytes.NewReader(raw)); err != nil {
		a.logger.Error("failed to archive import bundle",
			"import_id", importID,
			"digest", entry.Digest,
			"error", err,
			"request_id", requestID(r),
		)
	}
}

func (a *api) writeImportError(w http.ResponseWriter, r *http.Request, err error) {
	payload := core.NewErrorPayload(err)
	a.metrics.RecordImport(outcomeFor(payload.Error), nil)

	switch payload.Error {
	case "bad_request":
		writeJSON(w, http.StatusBadRequest, payload)
	case "conflict":
		writeJSON(w, http.StatusConflict, payload)
	default:
		a.logger.Error("import failed", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func outcomeFor(code string) string {
	switch code {
	case "bad_request":
		return outcomeRejected
	case "conflict":
		return outcomeConflict
	}
	return outcomeError
}

// --- Export ---

func (a *api) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collectionID := q.Get("collectionId")
	if collectionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "collectionId is required")
		return
	}
	previewOnly, err := queryBool(q.Get("previewOnly"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "previewOnly: "+err.Error())
		return
	}
	includeNotes, err := queryBool(q.Get("includeNotes"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "includeNotes: "+err.Error())
		return
	}

	set, err := a.resolver.Resolve(r.Context(), collectionID, q.Get("collectionModified"), core.ResolveOptions{IncludeNotes: includeNotes})
	if err != nil {
		if errors.Is(err, core.ErrCollectionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "collection not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	bundle, err := a.exporter.Export(r.Context(), set, core.ExportOptions{PreviewOnly: previewOnly})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	a.metrics.ExportsTotal.WithLabelValues("collection").Inc()
	writeMaybeGzip(w, r, bundle)
}

func (a *api) handleExportDomain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := core.DomainExportOptions{Domain: q.Get("domain")}

	for name, dst := range map[string]*bool{
		"includeDeprecated": &opts.IncludeDeprecated,
		"includeRevoked":    &opts.IncludeRevoked,
		"includeNotes":      &opts.IncludeNotes,
	} {
		v, err := queryBool(q.Get(name))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", name+": "+err.Error())
			return
		}
		*dst = v
	}

	bundle, err := a.exporter.ExportDomain(r.Context(), opts)
	if err != nil {
		if errors.Is(err, core.ErrDomainRequired) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	a.metrics.ExportsTotal.WithLabelValues("domain").Inc()
	writeMaybeGzip(w, r, bundle)
}

// --- Collections ---

func (a *api) handleListCollections(w http.ResponseWriter, r *http.Request) {
	objs, err := a.st.Query(r.Context(), &store.Query{
		Types:             []string{models.TypeCollection},
		LatestOnly:        true,
		IncludeRevoked:    true,
		IncludeDeprecated: true,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if objs == nil {
		objs = []*models.Object{}
	}
	writeJSON(w, http.StatusOK, objs)
}

func (a *api) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !strings.HasPrefix(id, models.TypeCollection+"--") {
		writeError(w, http.StatusBadRequest, "bad_request", "not a collection id")
		return
	}

	var (
		objs []*models.Object
		err  error
	)
	switch v := r.URL.Query().Get("versions"); v {
	case "all":
		objs, err = a.st.Versions(r.Context(), id)
		if err == nil && len(objs) == 0 {
			err = store.ErrNotFound
		}
	case "", "latest":
		var latest *models.Object
		latest, err = a.st.Latest(r.Context(), id)
		if err == nil {
			objs = []*models.Object{latest}
		}
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("versions must be 'all' or 'latest', got %q", v))
		return
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "collection not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, objs)
}

// --- Helpers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func queryBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}

var (
	errBodyTooLarge = errors.New("request body too large")
	errBodyEmpty    = errors.New("request body is empty")
)

// readBody returns the request body, inflating it when the client sent it
// gzip-encoded. At most maxSize bytes are accepted after inflation.
func readBody(r *http.Request, maxSize int64) ([]byte, error) {
	body := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body")
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(io.LimitReader(body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w (limit %d bytes)", errBodyTooLarge, maxSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errBodyEmpty
	}
	return data, nil
}

// writeMaybeGzip responds with gzip if the client accepts it.
func writeMaybeGzip(w http.ResponseWriter, r *http.Request, v interface{}) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		writeJSON(w, http.StatusOK, v)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	gz := gzip.NewWriter(w)
	json.NewEncoder(gz).Encode(v)
	gz.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
