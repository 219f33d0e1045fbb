package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/scanfeed/internal/watch"
)

const (
	healthTimeout = 2 * time.Second
	maxBodyBytes  = 1 << 20
)

// handleHealth runs every dependency check and reports 503 if any fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.deps.Health))
	for name := range s.deps.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.deps.Health[name](ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

func (s *Server) handleListWatchers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"watchers": s.deps.Watchers.Status()})
}

func (s *Server) handleRegisterFolder(w http.ResponseWriter, r *http.Request) {
	var in watch.FolderInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, r, err)
		return
	}

	folder, err := s.deps.Watchers.Register(r.Context(), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleStartWatcher(w http.ResponseWriter, r *http.Request) {
	id, err := folderID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.deps.Watchers.Start(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folder_id": id, "status": "running"})
}

func (s *Server) handleStopWatcher(w http.ResponseWriter, r *http.Request) {
	id, err := folderID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.deps.Watchers.Stop(id); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"folder_id": id, "status": "stopping"})
}

// handleDeactivateFolder marks the folder inactive. With ?drain=true the
// reply waits until every remaining file has been ingested.
func (s *Server) handleDeactivateFolder(w http.ResponseWriter, r *http.Request) {
	id, err := folderID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	drain := false
	if v := r.URL.Query().Get("drain"); v != "" {
		drain, err = strconv.ParseBool(v)
		if err != nil {
			respondError(w, r, fmt.Errorf("%w: drain must be a boolean", errBadRequest))
			return
		}
	}

	res, err := s.deps.Watchers.Deactivate(r.Context(), id, drain)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"folder_id": id,
		"drained":   drain,
		"result":    res,
	})
}

// IngestRequest is the body of POST /ingest.
type IngestRequest struct {
	Path     string `json:"path"`
	Table    string `json:"table"`
	SourceID string `json:"source_id"`
}

// handleIngest loads one file synchronously, outside any watcher. The
// ledger is not consulted or updated.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Path == "" || req.Table == "" || req.SourceID == "" {
		respondError(w, r, fmt.Errorf("%w: path, table and source_id are required", errBadRequest))
		return
	}

	// A disconnecting client must not abort a half-loaded file.
	ctx := context.WithoutCancel(r.Context())
	rows, err := s.deps.Ingester.Ingest(ctx, req.Path, req.Table, req.SourceID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": req.Path, "table": req.Table, "rows": rows})
}

func folderID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid folder id %q", errBadRequest, raw)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
