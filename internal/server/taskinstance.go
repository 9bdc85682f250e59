package server

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/jobmon-org/jobmon/internal/core"
)

// Worker and distributor reports all answer with the instance's authoritative
// status. A worker whose instance was ordered killed learns it from the
// KILL_SELF code in this response rather than from an error.

func (srv *Server) getTaskInstance(w http.ResponseWriter, r *http.Request) {
	tiID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var resp core.TaskInstanceDetailResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		resp, err = srv.store.GetTaskInstance(ctx, tx, tiID)
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) logRunning(w http.ResponseWriter, r *http.Request) {
	tiID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LogRunningRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.TaskInstanceStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.LogRunning(ctx, tx, tiID, req)
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) logDone(w http.ResponseWriter, r *http.Request) {
	tiID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LogDoneRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.TaskInstanceStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.LogDone(ctx, tx, tiID, req)
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) logReportBy(w http.ResponseWriter, r *http.Request) {
	tiID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LogReportByRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.TaskInstanceStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.LogReportBy(ctx, tx, tiID, req)
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) logErrorWorkerNode(w http.ResponseWriter, r *http.Request) {
	tiID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LogErrorWorkerNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.TaskInstanceStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.LogErrorWorkerNode(ctx, tx, tiID, req)
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) logKnownError(w http.ResponseWriter, r *http.Request) {
	tiID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LogKnownErrorRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.TaskInstanceStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.LogKnownError(ctx, tx, tiID, req)
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) logUnknownError(w http.ResponseWriter, r *http.Request) {
	tiID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LogUnknownErrorRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.TaskInstanceStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.LogUnknownError(ctx, tx, tiID, req)
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) logNoDistributorID(w http.ResponseWriter, r *http.Request) {
	tiID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LogNoDistributorIDRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.TaskInstanceStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		status, err := srv.store.LogNoDistributorID(ctx, tx, tiID, req)
		resp.Status = status
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}
