package server

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/jobmon-org/jobmon/internal/core"
)

func (srv *Server) registerDistributorInstance(w http.ResponseWriter, r *http.Request) {
	var req core.RegisterDistributorInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if req.ClusterName == "" {
		srv.writeError(w, r, core.NewInvalidUsage("cluster_name is required"))
		return
	}

	var resp core.RegisterDistributorInstanceResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		di, err := srv.store.RegisterDistributorInstance(ctx, tx, req)
		resp.DistributorInstanceID = di.ID
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) distributorHeartbeat(w http.ResponseWriter, r *http.Request) {
	diID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.DistributorHeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.DistributorHeartbeatResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		expunged, err := srv.store.LogDistributorInstanceHeartbeat(ctx, tx, diID, req.NextReportIncrement)
		resp.Expunged = expunged
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) expungeDistributorInstances(w http.ResponseWriter, r *http.Request) {
	var resp core.ExpungeDistributorInstancesResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		ids, err := srv.store.ExpungeDistributorInstances(ctx, tx)
		resp.ExpungedIDs = ids
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

// syncTaskInstances returns the instances in one status owned by a
// distributor instance, the delta feed its work loop runs on.
func (srv *Server) syncTaskInstances(w http.ResponseWriter, r *http.Request) {
	diID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		srv.writeError(w, r, core.NewInvalidUsage("status is required"))
		return
	}

	var resp core.SyncTaskInstancesResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		refs, err := srv.store.SyncTaskInstances(ctx, tx, diID, core.TaskInstanceStatus(status))
		resp.TaskInstances = refs
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}
