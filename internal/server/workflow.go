package server

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/jobmon-org/jobmon/internal/core"
)

func (srv *Server) bindWorkflow(w http.ResponseWriter, r *http.Request) {
	var req core.BindWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.BindWorkflowResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		wf, created, err := srv.store.BindWorkflow(ctx, tx, req)
		if err != nil {
			return err
		}
		resp = core.BindWorkflowResponse{
			WorkflowID:   wf.ID,
			Status:       wf.Status,
			NewlyCreated: created,
		}
		return nil
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) bindTasks(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.BindTasksRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if len(req.Tasks) == 0 {
		srv.writeError(w, r, core.NewInvalidUsage("tasks must not be empty"))
		return
	}

	var resp core.BindTasksResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		bound, err := srv.store.BindTasks(ctx, tx, workflowID, req.Tasks)
		resp.Tasks = bound
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) setResume(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.SetResumeRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		return srv.store.SetResume(ctx, tx, workflowID, req.ResetRunningJobs)
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, struct{}{})
}

func (srv *Server) resetTasks(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.ResetTasksRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		return srv.store.ResetTasks(ctx, tx, workflowID, req.KeepRunning)
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, struct{}{})
}

func (srv *Server) isResumable(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.IsResumableResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		ok, err := srv.store.IsResumable(ctx, tx, workflowID)
		resp.Resumable = ok
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) workflowStatus(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.WorkflowStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		wf, err := srv.store.GetWorkflow(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		counts, err := srv.store.WorkflowTaskCounts(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		resp = core.WorkflowStatusResponse{
			WorkflowID:  wf.ID,
			Name:        wf.Name,
			Status:      wf.Status,
			CreatedDate: wf.CreatedDate,
			TaskCounts:  counts,
		}
		return nil
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

// parseTaskStatuses splits a comma separated list of single-character codes.
func parseTaskStatuses(raw string) []core.TaskStatus {
	if raw == "" {
		return nil
	}
	var statuses []core.TaskStatus
	for _, code := range strings.Split(raw, ",") {
		code = strings.TrimSpace(code)
		if code != "" {
			statuses = append(statuses, core.TaskStatus(code))
		}
	}
	return statuses
}

func (srv *Server) workflowTaskStatuses(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	statuses := parseTaskStatuses(r.URL.Query().Get("status"))

	var resp core.WorkflowTasksResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		rows, err := srv.store.GetWorkflowTasks(ctx, tx, workflowID, statuses)
		resp.Tasks = rows
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) workflowUsage(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.WorkflowUsageResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		usage, err := srv.store.WorkflowUsage(ctx, tx, workflowID)
		resp = usage
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

// taskStatusUpdates returns the tasks whose status changed since the given
// server time. Clients echo the returned server_time on the next call, which
// sidesteps clock skew between client and server.
func (srv *Server) taskStatusUpdates(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			srv.writeError(w, r, core.NewInvalidUsage("invalid since timestamp %q", raw))
			return
		}
	}

	var resp core.TaskStatusUpdatesResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		deltas, err := srv.store.TaskStatusUpdates(ctx, tx, workflowID, since)
		if err != nil {
			return err
		}
		resp.Tasks = deltas
		resp.ServerTime = time.Now().UTC()
		return nil
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) workflowConcurrency(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.WorkflowConcurrencyResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		c, err := srv.store.WorkflowConcurrency(ctx, tx, workflowID)
		resp = c
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) arrayConcurrency(w http.ResponseWriter, r *http.Request) {
	workflowID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.ArrayConcurrencyResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		arrays, err := srv.store.ArrayConcurrency(ctx, tx, workflowID)
		resp.Arrays = arrays
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) fixStatusInconsistency(w http.ResponseWriter, r *http.Request) {
	var req core.FixStatusInconsistencyRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if req.Step <= 0 {
		srv.writeError(w, r, core.NewInvalidUsage("step must be positive"))
		return
	}

	var resp core.FixStatusInconsistencyResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		maxID, err := srv.store.FixStatusInconsistency(ctx, tx, req.StartID, req.Step)
		resp.MaxID = maxID
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}
