package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/scanfeed/internal/ingest"
	"github.com/JonMunkholm/scanfeed/internal/ledger"
	"github.com/JonMunkholm/scanfeed/internal/logging"
	"github.com/JonMunkholm/scanfeed/internal/watch"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Committed *int64 `json:"committed_rows,omitempty"`
}

// errBadRequest marks malformed input caught by the handlers themselves.
var errBadRequest = errors.New("bad request")

// classify maps an error to a status code and a stable code string.
func classify(err error) (int, string) {
	var ingestErr *ingest.IngestError
	var ledgerErr *ledger.LedgerError

	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, watch.ErrInvalidFolder):
		return http.StatusBadRequest, "INVALID_FOLDER"
	case errors.Is(err, watch.ErrFolderNotFound):
		return http.StatusNotFound, "FOLDER_NOT_FOUND"
	case errors.Is(err, watch.ErrWatcherNotRunning):
		return http.StatusConflict, "WATCHER_NOT_RUNNING"
	case errors.Is(err, watch.ErrFolderInactive):
		return http.StatusConflict, "FOLDER_INACTIVE"
	case errors.Is(err, ingest.ErrNotFound):
		return http.StatusNotFound, "FILE_NOT_FOUND"
	case errors.Is(err, ingest.ErrSchema):
		return http.StatusUnprocessableEntity, "TABLE_NOT_FOUND"
	case errors.As(err, &ingestErr):
		return http.StatusInternalServerError, "INGEST_FAILED"
	case errors.As(err, &ledgerErr):
		return http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// respondError logs err with the request id and writes an ErrorResponse.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	log := logging.FromContext(r.Context()).With(
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", code,
		"error", err.Error(),
	)
	if status >= http.StatusInternalServerError {
		log.Error("request error")
	} else {
		log.Warn("request error")
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var ingestErr *ingest.IngestError
	if errors.As(err, &ingestErr) {
		n := ingestErr.Committed
		resp.Committed = &n
	}
	writeJSON(w, status, resp)
}
