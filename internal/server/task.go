package server

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"strings"

	"github.com/jobmon-org/jobmon/internal/core"
)

func (srv *Server) bindTaskResources(w http.ResponseWriter, r *http.Request) {
	var req core.BindTaskResourcesRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.BindTaskResourcesResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		id, err := srv.store.GetOrCreateTaskResources(ctx, tx, req.QueueID, req.RequestedResources)
		resp.TaskResourcesID = id
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) updateTaskResources(w http.ResponseWriter, r *http.Request) {
	taskID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	var req core.UpdateTaskResourcesRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}

	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		return srv.store.UpdateTaskResources(ctx, tx, taskID, req.TaskResourcesID)
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, struct{}{})
}

func (srv *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.TaskStatusResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		res, err := srv.store.GetTaskWithInstances(ctx, tx, taskID)
		resp = res
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) taskDependencies(w http.ResponseWriter, r *http.Request) {
	taskID, err := urlID(r)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}

	var resp core.TaskDependenciesResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		up, down, err := srv.store.GetTaskDependencies(ctx, tx, taskID)
		resp.Upstream = up
		resp.Downstream = down
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

// parseIDList splits a comma separated list of int64 ids.
func parseIDList(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, core.NewInvalidUsage("invalid task id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (srv *Server) recursiveTasks(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDList(r.URL.Query().Get("task_ids"))
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	if len(ids) == 0 {
		srv.writeError(w, r, core.NewInvalidUsage("task_ids is required"))
		return
	}
	var up bool
	switch direction := r.URL.Query().Get("direction"); direction {
	case "up":
		up = true
	case "down":
		up = false
	default:
		srv.writeError(w, r, core.NewInvalidUsage("direction must be up or down, got %q", direction))
		return
	}

	var resp core.RecursiveTasksResponse
	err = srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		found, err := srv.store.RecursiveTasks(ctx, tx, ids, up)
		resp.TaskIDs = found
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}

func (srv *Server) updateTaskStatuses(w http.ResponseWriter, r *http.Request) {
	var req core.UpdateTaskStatusesRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if max := srv.config.Server.UpdateStatusMaxIDs; max > 0 && len(req.TaskIDs) > max {
		srv.writeError(w, r, core.NewInvalidUsage("too many task ids: %d exceeds the limit of %d", len(req.TaskIDs), max))
		return
	}

	var resp core.UpdateTaskStatusesResponse
	err := srv.store.Tx(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		n, err := srv.store.UpdateTaskStatuses(ctx, tx, req)
		resp.TasksUpdated = n
		return err
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, resp)
}
