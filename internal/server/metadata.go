package server

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jobmon-org/jobmon/internal/cmn/hashing"
	"github.com/jobmon-org/jobmon/internal/core"
)

func (srv *Server) bindTool(w http.ResponseWriter, r *http.Request) {
	var req core.BindToolRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		srv.writeError(w, r, core.NewInvalidUsage("tool_name is required"))
		return
	}

	var resp core.BindToolResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		id, err := srv.store.GetOrCreateTool(ctx, tx, req.Name)
		resp.ToolID = id
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) addToolVersion(w http.ResponseWriter, r *http.Request) {
	var req core.AddToolVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.AddToolVersionResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		id, err := srv.store.AddToolVersion(ctx, tx, req.ToolID)
		resp.ToolVersionID = id
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) listToolVersions(w http.ResponseWriter, r *http.Request) {
	toolID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.ListToolVersionsResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		ids, err := srv.store.ListToolVersions(ctx, tx, toolID)
		resp.ToolVersionIDs = ids
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) bindTaskTemplate(w http.ResponseWriter, r *http.Request) {
	var req core.BindTaskTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		srv.writeError(w, r, core.NewInvalidUsage("task_template_name is required"))
		return
	}

	var resp core.BindTaskTemplateResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		id, err := srv.store.GetOrCreateTaskTemplate(ctx, tx, req.ToolVersionID, req.Name)
		resp.TaskTemplateID = id
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) addTaskTemplateVersion(w http.ResponseWriter, r *http.Request) {
	templateID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.AddTaskTemplateVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if req.CommandTemplate == "" {
		srv.writeError(w, r, core.NewInvalidUsage("command_template is required"))
		return
	}

	argClasses := make(map[string]core.ArgClass)
	for class, names := range map[core.ArgClass][]string{
		core.NodeArg: req.NodeArgs,
		core.TaskArg: req.TaskArgs,
		core.OpArg:   req.OpArgs,
	} {
		for _, name := range names {
			if _, dup := argClasses[name]; dup {
				srv.writeError(w, r, core.NewInvalidUsage("arg %q appears in more than one class", name))
				return
			}
			argClasses[name] = class
		}
	}

	// Identical templates always hash identically, so rebinding from a new
	// client session finds the existing version.
	argMappingHash := hashing.Concat(
		req.CommandTemplate,
		hashing.SortedList(req.NodeArgs),
		hashing.SortedList(req.TaskArgs),
		hashing.SortedList(req.OpArgs),
	)

	var resp core.AddTaskTemplateVersionResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		id, err := srv.store.GetOrCreateTaskTemplateVersion(ctx, tx, templateID, req.CommandTemplate, argMappingHash, argClasses)
		resp.TaskTemplateVersionID = id
		resp.ArgMappingHash = argMappingHash
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

// addNodes binds nodes in one transaction and their arg values in a second.
// Node rows are the contended resource during a bulk bind; arg values are
// immutable per node, so a failure between the two leaves nothing stale.
func (srv *Server) addNodes(w http.ResponseWriter, r *http.Request) {
	var req core.AddNodesRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if len(req.Nodes) == 0 {
		srv.writeError(w, r, core.NewInvalidUsage("nodes must not be empty"))
		return
	}

	var resp core.AddNodesResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		refs, err := srv.store.AddNodes(ctx, tx, req.Nodes)
		resp.Nodes = refs
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		for i, spec := range req.Nodes {
			if len(spec.NodeArgs) == 0 {
				continue
			}
			if err := srv.store.AddNodeArgs(ctx, tx, resp.Nodes[i].NodeID, spec.NodeArgs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) addDag(w http.ResponseWriter, r *http.Request) {
	var req core.AddDagRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if req.Hash == "" {
		srv.writeError(w, r, core.NewInvalidUsage("dag_hash is required"))
		return
	}

	var resp core.AddDagResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		id, created, err := srv.store.GetOrCreateDag(ctx, tx, req.Hash)
		resp.DagID = id
		resp.Created = created
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) addEdges(w http.ResponseWriter, r *http.Request) {
	dagID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.AddEdgesRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		return srv.store.AddEdges(ctx, tx, dagID, req.Edges, req.MarkCreated)
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, struct{}{})
}

func (srv *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var resp core.GetClusterResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		cluster, err := srv.store.GetClusterByName(ctx, tx, name)
		if err != nil {
			return err
		}
		resp = core.GetClusterResponse{
			ClusterID: cluster.ID,
			Name:      cluster.Name,
			Type:      cluster.Type,
		}
		return nil
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	clusterName := chi.URLParam(r, "name")
	queueName := chi.URLParam(r, "queue")

	var resp core.GetQueueResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		queue, err := srv.store.GetQueueByName(ctx, tx, clusterName, queueName)
		if err != nil {
			return err
		}
		resp = core.GetQueueResponse{
			QueueID:    queue.ID,
			Name:       queue.Name,
			Parameters: queue.Parameters,
		}
		return nil
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}
