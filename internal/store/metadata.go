package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jobmon-org/jobmon/internal/core"
)

// Get-or-create operations use insert-ignore followed by a select, so a
// losing racer still reads the winner's row.

func (s *Store) GetOrCreateTool(ctx context.Context, q Querier, name string) (int64, error) {
	_, err := q.ExecContext(ctx,
		s.rebind("INSERT INTO tool (name) VALUES (?) ON CONFLICT DO NOTHING"), name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert tool: %w", err)
	}
	var id int64
	err = q.QueryRowContext(ctx,
		s.rebind("SELECT id FROM tool WHERE name = ?"), name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to select tool: %w", err)
	}
	return id, nil
}

func (s *Store) AddToolVersion(ctx context.Context, q Querier, toolID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		s.rebind("INSERT INTO tool_version (tool_id) VALUES (?) RETURNING id"), toolID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert tool version: %w", err)
	}
	return id, nil
}

// ListToolVersions returns the tool's version ids oldest first. Clients bind
// against the newest and only cut a fresh version explicitly.
func (s *Store) ListToolVersions(ctx context.Context, q Querier, toolID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		s.rebind("SELECT id FROM tool_version WHERE tool_id = ? ORDER BY id"), toolID)
	if err != nil {
		return nil, fmt.Errorf("failed to select tool versions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetOrCreateTaskTemplate(ctx context.Context, q Querier, toolVersionID int64, name string) (int64, error) {
	_, err := q.ExecContext(ctx, s.rebind(
		"INSERT INTO task_template (tool_version_id, name) VALUES (?, ?) ON CONFLICT DO NOTHING"),
		toolVersionID, name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task template: %w", err)
	}
	var id int64
	err = q.QueryRowContext(ctx, s.rebind(
		"SELECT id FROM task_template WHERE tool_version_id = ? AND name = ?"),
		toolVersionID, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to select task template: %w", err)
	}
	return id, nil
}

// GetOrCreateTaskTemplateVersion content-addresses the template version on
// its arg mapping hash and records the arg classification for new versions.
func (s *Store) GetOrCreateTaskTemplateVersion(ctx context.Context, q Querier, templateID int64, commandTemplate, argMappingHash string, argClasses map[string]core.ArgClass) (int64, error) {
	res, err := q.ExecContext(ctx, s.rebind(
		"INSERT INTO task_template_version (task_template_id, command_template, arg_mapping_hash) VALUES (?, ?, ?) ON CONFLICT DO NOTHING"),
		templateID, commandTemplate, argMappingHash)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task template version: %w", err)
	}

	var id int64
	err = q.QueryRowContext(ctx, s.rebind(
		"SELECT id FROM task_template_version WHERE task_template_id = ? AND arg_mapping_hash = ?"),
		templateID, argMappingHash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to select task template version: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return id, nil
	}
	for name, class := range argClasses {
		argID, err := s.GetOrCreateArg(ctx, q, name)
		if err != nil {
			return 0, err
		}
		_, err = q.ExecContext(ctx, s.rebind(
			"INSERT INTO template_arg_map (task_template_version_id, arg_id, arg_class) VALUES (?, ?, ?) ON CONFLICT DO NOTHING"),
			id, argID, string(class))
		if err != nil {
			return 0, fmt.Errorf("failed to insert template arg map: %w", err)
		}
	}
	return id, nil
}

func (s *Store) GetOrCreateArg(ctx context.Context, q Querier, name string) (int64, error) {
	_, err := q.ExecContext(ctx,
		s.rebind("INSERT INTO arg (name) VALUES (?) ON CONFLICT DO NOTHING"), name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert arg: %w", err)
	}
	var id int64
	err = q.QueryRowContext(ctx,
		s.rebind("SELECT id FROM arg WHERE name = ?"), name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to select arg: %w", err)
	}
	return id, nil
}

// AddNodes bulk get-or-creates nodes and returns the id of every requested
// (template version, args hash) pair.
func (s *Store) AddNodes(ctx context.Context, q Querier, specs []core.NodeSpec) ([]core.NodeRef, error) {
	refs := make([]core.NodeRef, 0, len(specs))
	for _, spec := range specs {
		_, err := q.ExecContext(ctx, s.rebind(
			"INSERT INTO node (task_template_version_id, node_args_hash) VALUES (?, ?) ON CONFLICT DO NOTHING"),
			spec.TaskTemplateVersionID, spec.NodeArgsHash)
		if err != nil {
			return nil, fmt.Errorf("failed to insert node: %w", err)
		}
	}
	for _, spec := range specs {
		var id int64
		err := q.QueryRowContext(ctx, s.rebind(
			"SELECT id FROM node WHERE task_template_version_id = ? AND node_args_hash = ?"),
			spec.TaskTemplateVersionID, spec.NodeArgsHash).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to select node: %w", err)
		}
		refs = append(refs, core.NodeRef{
			NodeID:                id,
			TaskTemplateVersionID: spec.TaskTemplateVersionID,
			NodeArgsHash:          spec.NodeArgsHash,
		})
	}
	return refs, nil
}

// AddNodeArgs records the arg values of one node. Values never change for a
// given node, so duplicate inserts are ignored.
func (s *Store) AddNodeArgs(ctx context.Context, q Querier, nodeID int64, args map[string]string) error {
	for name, val := range args {
		argID, err := s.GetOrCreateArg(ctx, q, name)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, s.rebind(
			"INSERT INTO node_arg (node_id, arg_id, val) VALUES (?, ?, ?) ON CONFLICT DO NOTHING"),
			nodeID, argID, val)
		if err != nil {
			return fmt.Errorf("failed to insert node arg: %w", err)
		}
	}
	return nil
}

// GetOrCreateDag returns the dag id for the hash, reporting whether this
// call created it. A pre-existing dag with created_date set needs no edges.
func (s *Store) GetOrCreateDag(ctx context.Context, q Querier, hash string) (int64, bool, error) {
	res, err := q.ExecContext(ctx,
		s.rebind("INSERT INTO dag (hash) VALUES (?) ON CONFLICT DO NOTHING"), hash)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert dag: %w", err)
	}
	var id int64
	err = q.QueryRowContext(ctx,
		s.rebind("SELECT id FROM dag WHERE hash = ?"), hash).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to select dag: %w", err)
	}
	n, _ := res.RowsAffected()
	return id, n > 0, nil
}

// AddEdges stores node adjacencies for the dag and optionally marks the dag
// complete by stamping created_date.
func (s *Store) AddEdges(ctx context.Context, q Querier, dagID int64, edges []core.EdgeSpec, markCreated bool) error {
	for _, e := range edges {
		up, err := json.Marshal(e.UpstreamNodeIDs)
		if err != nil {
			return err
		}
		down, err := json.Marshal(e.DownstreamNodeIDs)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, s.rebind(
			"INSERT INTO edge (dag_id, node_id, upstream_node_ids, downstream_node_ids) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING"),
			dagID, e.NodeID, string(up), string(down))
		if err != nil {
			return fmt.Errorf("failed to insert edge: %w", err)
		}
	}
	if markCreated {
		_, err := q.ExecContext(ctx, s.rebind(
			"UPDATE dag SET created_date = ? WHERE id = ? AND created_date IS NULL"),
			now(), dagID)
		if err != nil {
			return fmt.Errorf("failed to mark dag created: %w", err)
		}
	}
	return nil
}

// GetEdges loads the adjacency rows of a dag.
func (s *Store) GetEdges(ctx context.Context, q Querier, dagID int64) ([]core.Edge, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT node_id, upstream_node_ids, downstream_node_ids FROM edge WHERE dag_id = ?"), dagID)
	if err != nil {
		return nil, fmt.Errorf("failed to select edges: %w", err)
	}
	defer rows.Close()

	var edges []core.Edge
	for rows.Next() {
		var (
			e        core.Edge
			upJSON   string
			downJSON string
		)
		if err := rows.Scan(&e.NodeID, &upJSON, &downJSON); err != nil {
			return nil, err
		}
		e.DagID = dagID
		if err := json.Unmarshal([]byte(upJSON), &e.UpstreamNodeIDs); err != nil {
			return nil, fmt.Errorf("failed to decode upstream ids: %w", err)
		}
		if err := json.Unmarshal([]byte(downJSON), &e.DownstreamNodeIDs); err != nil {
			return nil, fmt.Errorf("failed to decode downstream ids: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *Store) GetClusterByName(ctx context.Context, q Querier, name string) (core.Cluster, error) {
	var c core.Cluster
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT id, name, cluster_type FROM cluster WHERE name = ?"), name).
		Scan(&c.ID, &c.Name, &c.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("cluster %q: %w", name, core.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("failed to select cluster: %w", err)
	}
	return c, nil
}

func (s *Store) GetQueueByName(ctx context.Context, q Querier, clusterName, queueName string) (core.Queue, error) {
	var (
		qu         core.Queue
		paramsJSON string
	)
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT q.id, q.cluster_id, q.name, q.parameters FROM queue q JOIN cluster c ON c.id = q.cluster_id WHERE c.name = ? AND q.name = ?"),
		clusterName, queueName).
		Scan(&qu.ID, &qu.ClusterID, &qu.Name, &paramsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return qu, fmt.Errorf("queue %q on cluster %q: %w", queueName, clusterName, core.ErrNotFound)
	}
	if err != nil {
		return qu, fmt.Errorf("failed to select queue: %w", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &qu.Parameters); err != nil {
		return qu, fmt.Errorf("failed to decode queue parameters: %w", err)
	}
	return qu, nil
}
