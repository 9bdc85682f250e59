package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jobmon-org/jobmon/internal/core"
)

// RegisterDistributorInstance records a freshly started distributor process
// under its cluster, with its first heartbeat lease already set.
func (s *Store) RegisterDistributorInstance(ctx context.Context, q Querier, req core.RegisterDistributorInstanceRequest) (core.DistributorInstance, error) {
	var di core.DistributorInstance

	cluster, err := s.GetClusterByName(ctx, q, req.ClusterName)
	if err != nil {
		return di, err
	}

	di.ClusterID = cluster.ID
	di.WorkflowRunID = req.WorkflowRunID
	di.ReportByDate = now().Add(secondsToDuration(req.NextReportIncrement))
	err = q.QueryRowContext(ctx, s.rebind(
		"INSERT INTO distributor_instance (cluster_id, workflow_run_id, report_by_date, expunged) VALUES (?, ?, ?, FALSE) RETURNING id"),
		cluster.ID, req.WorkflowRunID, di.ReportByDate).Scan(&di.ID)
	if err != nil {
		return di, fmt.Errorf("failed to register distributor instance: %w", err)
	}
	return di, nil
}

func (s *Store) GetDistributorInstance(ctx context.Context, q Querier, id int64) (core.DistributorInstance, error) {
	var di core.DistributorInstance
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT id, cluster_id, workflow_run_id, report_by_date, expunged FROM distributor_instance WHERE id = ?"),
		id).Scan(&di.ID, &di.ClusterID, &di.WorkflowRunID, &di.ReportByDate, &di.Expunged)
	if errors.Is(err, sql.ErrNoRows) {
		return di, fmt.Errorf("distributor instance: %w", core.ErrNotFound)
	}
	if err != nil {
		return di, fmt.Errorf("failed to select distributor instance: %w", err)
	}
	return di, nil
}

// LogDistributorInstanceHeartbeat extends the instance's lease and reports
// whether it has been expunged. An expunged instance gets no extension; its
// process is expected to shut down.
func (s *Store) LogDistributorInstanceHeartbeat(ctx context.Context, q Querier, id int64, nextReportIncrement float64) (bool, error) {
	di, err := s.GetDistributorInstance(ctx, q, id)
	if err != nil {
		return false, err
	}
	if di.Expunged {
		return true, nil
	}
	_, err = q.ExecContext(ctx, s.rebind(
		"UPDATE distributor_instance SET report_by_date = ? WHERE id = ? AND expunged = FALSE"),
		now().Add(secondsToDuration(nextReportIncrement)), id)
	if err != nil {
		return false, fmt.Errorf("failed to extend distributor lease: %w", err)
	}
	return false, nil
}

// ExpungeDistributorInstances sweeps every live instance whose lease has
// lapsed and returns the ids it retired. Task instances still waiting on an
// expunged distributor would wait forever, so their tasks are handed back
// for another attempt.
func (s *Store) ExpungeDistributorInstances(ctx context.Context, q Querier) ([]int64, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT id FROM distributor_instance WHERE expunged = FALSE AND report_by_date < ?"), now())
	if err != nil {
		return nil, fmt.Errorf("failed to select lapsed distributor instances: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = q.ExecContext(ctx, s.rebind(
		"UPDATE distributor_instance SET expunged = TRUE WHERE id IN ("+placeholders(len(ids))+")"),
		int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to expunge distributor instances: %w", err)
	}

	args := append(int64Args(ids), string(core.InstanceQueued), string(core.InstanceInstantiated))
	rows, err = q.QueryContext(ctx, s.rebind(
		"SELECT ti.id FROM task_instance ti JOIN batch b ON b.id = ti.batch_id "+
			"WHERE b.distributor_instance_id IN ("+placeholders(len(ids))+") AND ti.status IN (?, ?)"),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select stranded instances: %w", err)
	}
	stranded, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	for _, tiID := range stranded {
		_, err := s.logInstanceError(ctx, q, tiID, core.InstanceNoDistributorID,
			"distributor instance expunged before launch")
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}
