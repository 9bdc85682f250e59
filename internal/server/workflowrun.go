package server

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"github.com/jobmon-org/jobmon/internal/core"
)

func (srv *Server) registerWorkflowRun(w http.ResponseWriter, r *http.Request) {
	var req core.RegisterWorkflowRunRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if req.User == "" {
		srv.writeError(w, r, core.NewInvalidUsage("user is required"))
		return
	}

	var resp core.RegisterWorkflowRunResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		run, err := srv.store.RegisterWorkflowRun(ctx, tx, req.WorkflowID, req.User, req.ServerVersion)
		if err != nil {
			return err
		}
		resp = core.RegisterWorkflowRunResponse{
			WorkflowRunID: run.ID,
			Status:        run.Status,
		}
		return nil
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

// linkWorkflowRun is the race gate for resume: at most one run per workflow
// ever observes the LINKING status. Losers read back their unchanged status
// and give up client-side.
func (srv *Server) linkWorkflowRun(w http.ResponseWriter, r *http.Request) {
	runID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LinkWorkflowRunRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.LinkWorkflowRunResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.LinkWorkflowRun(ctx, tx, runID, secondsToDuration(req.NextReportIncrement))
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) updateWorkflowRunStatus(w http.ResponseWriter, r *http.Request) {
	runID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.UpdateWorkflowRunStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.UpdateWorkflowRunStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.UpdateWorkflowRunStatus(ctx, tx, runID, req.Status)
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) logWorkflowRunHeartbeat(w http.ResponseWriter, r *http.Request) {
	runID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LogHeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.LogHeartbeatResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.LogWorkflowRunHeartbeat(ctx, tx, runID, secondsToDuration(req.NextReportIncrement))
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) requestTriage(w http.ResponseWriter, r *http.Request) {
	runID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.RequestTriageResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		res, err := srv.store.RequestTriage(ctx, tx, runID)
		resp = res
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) lostWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	var statuses []core.WorkflowRunStatus
	for _, code := range strings.Split(r.URL.Query().Get("statuses"), ",") {
		code = strings.TrimSpace(code)
		if code != "" {
			statuses = append(statuses, core.WorkflowRunStatus(code))
		}
	}
	version := r.URL.Query().Get("version")

	var resp core.LostWorkflowRunsResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		runs, err := srv.store.LostWorkflowRuns(ctx, tx, statuses, version)
		resp.WorkflowRuns = runs
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) reapWorkflowRun(w http.ResponseWriter, r *http.Request) {
	runID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.ReapWorkflowRunResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		runStatus, wfStatus, err := srv.store.ReapWorkflowRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		resp = core.ReapWorkflowRunResponse{
			Status:         runStatus,
			WorkflowStatus: wfStatus,
		}
		return nil
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}
