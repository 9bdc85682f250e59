package server

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/jobmon-org/jobmon/internal/core"
)

func (srv *Server) queueTaskBatch(w http.ResponseWriter, r *http.Request) {
	var req core.QueueTaskBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if len(req.TaskIDs) == 0 {
		srv.writeError(w, r, core.NewInvalidUsage("task_ids must not be empty"))
		return
	}

	var resp core.QueueTaskBatchResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		res, err := srv.store.QueueTaskBatch(ctx, tx, req)
		resp = res
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) transitionBatchToLaunched(w http.ResponseWriter, r *http.Request) {
	batchID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.TransitionBatchToLaunchedRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		return srv.store.TransitionBatchToLaunched(ctx, tx, batchID, secondsToDuration(req.NextReportIncrement))
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, struct{}{})
}

func (srv *Server) logDistributorIDs(w http.ResponseWriter, r *http.Request) {
	batchID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.LogDistributorIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		return srv.store.LogDistributorIDs(ctx, tx, batchID, req.DistributorIDs)
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, struct{}{})
}

func (srv *Server) instantiateTaskInstances(w http.ResponseWriter, r *http.Request) {
	var req core.InstantiateTaskInstancesRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.InstantiateTaskInstancesResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		batches, err := srv.store.InstantiateTaskInstances(ctx, tx, req.DistributorInstanceID)
		resp.Batches = batches
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}
