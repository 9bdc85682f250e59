package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/core"
)

// secondsToDuration converts the protocol's fractional-second intervals.
func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return core.NewInvalidUsage("malformed request body: %v", err)
	}
	return nil
}

// urlID parses the {id} route parameter.
func urlID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, core.NewInvalidUsage("invalid id %q", raw)
	}
	return id, nil
}

func (srv *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf(r.Context(), "Failed to encode response: %v", err)
	}
}

// writeError maps an error to the shared envelope. 423 marks a lock race the
// client should retry; everything unclassified is a 500 and gets logged.
func (srv *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errType := "ServerError"
	status := http.StatusInternalServerError

	var (
		usageErr      *core.InvalidUsageError
		transitionErr *core.InvalidStateTransitionError
		deadlockErr   *core.DeadlockError
		resumableErr  *core.WorkflowNotResumableError
	)
	switch {
	case errors.As(err, &usageErr):
		errType = "InvalidUsageError"
		status = http.StatusBadRequest
	case errors.As(err, &transitionErr):
		errType = "InvalidStateTransitionError"
		status = http.StatusBadRequest
	case errors.As(err, &resumableErr):
		errType = "WorkflowNotResumableError"
		status = http.StatusBadRequest
	case errors.As(err, &deadlockErr):
		errType = "DeadlockError"
		status = http.StatusLocked
	case errors.Is(err, core.ErrNotFound):
		errType = "NotFoundError"
		status = http.StatusNotFound
	case errors.Is(err, core.ErrNoActiveDistributor):
		errType = "NoActiveDistributorError"
	}

	if status == http.StatusInternalServerError {
		logger.Errorf(r.Context(), "Internal server error: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(core.ErrorEnvelope{
		Error: core.ErrorDetail{
			Type:             errType,
			ExceptionMessage: err.Error(),
			StatusCode:       status,
		},
	})
}
