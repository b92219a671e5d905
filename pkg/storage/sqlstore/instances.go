package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

const (
	instanceColumns = `instance_key, definition_key, definition_id, definition_version, business_key, status, version,
		created_at, completed_at, variables, failure_reason, seq, parent_key, parent_activity_instance`
	activityColumns = `activity_key, instance_key, activity_id, status, scope_key, variables, created_at, ended_at,
		completed_seq, waiting_join, arrived_via, topic, retries, due_at, message_name, correlation_key,
		child_instance_key, failure_reason`
	scopeColumns = `scope_key, instance_key, parent_key, fork_key, siblings, variables`
)

var _ storage.InstanceStorageReader = &Storage{}

func (s *Storage) LoadInstance(ctx context.Context, key int64) (runtime.InstanceState, error) {
	var state runtime.InstanceState
	// read the three tables in one transaction so tokens and scopes belong to the same version
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inst, err := scanInstance(tx.QueryRowContext(ctx, s.rebind(`SELECT `+instanceColumns+` FROM process_instance WHERE instance_key = ?`), key))
		if err != nil {
			return err
		}
		state.Instance = inst

		state.Activities, err = s.queryActivities(ctx, tx, `WHERE instance_key = ? ORDER BY activity_key`, key)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT `+scopeColumns+` FROM branch_scope WHERE instance_key = ? ORDER BY scope_key`), key)
		if err != nil {
			return fmt.Errorf("load scopes of %d: %w", key, err)
		}
		defer rows.Close()
		state.Scopes = make([]runtime.BranchScope, 0)
		for rows.Next() {
			var (
				scope       runtime.BranchScope
				instanceKey int64
				vars        string
			)
			if err := rows.Scan(&scope.Key, &instanceKey, &scope.ParentKey, &scope.ForkKey, &scope.Siblings, &vars); err != nil {
				return fmt.Errorf("scan scope: %w", err)
			}
			if scope.Variables, err = decodeVariables(vars); err != nil {
				return err
			}
			state.Scopes = append(state.Scopes, scope)
		}
		return rows.Err()
	})
	return state, err
}

func (s *Storage) ListResumable(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT instance_key FROM process_instance WHERE status = ? ORDER BY created_at, instance_key`), string(runtime.ProcessActive))
	if err != nil {
		return nil, fmt.Errorf("list resumable instances: %w", err)
	}
	defer rows.Close()

	res := make([]int64, 0)
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan instance key: %w", err)
		}
		res = append(res, key)
	}
	return res, rows.Err()
}

func (s *Storage) FindActivityInstances(ctx context.Context, filter storage.ActivityInstanceFilter) ([]runtime.ActivityInstance, error) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 7)
	if filter.ProcessInstanceKey != 0 {
		where = append(where, "instance_key = ?")
		args = append(args, filter.ProcessInstanceKey)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ActivityId != "" {
		where = append(where, "activity_id = ?")
		args = append(args, filter.ActivityId)
	}
	if filter.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, filter.Topic)
	}
	if filter.MessageName != "" {
		where = append(where, "message_name = ? AND correlation_key = ?")
		args = append(args, filter.MessageName, filter.CorrelationKey)
	}
	if filter.DueBefore != nil {
		where = append(where, "due_at IS NOT NULL AND due_at <= ?")
		args = append(args, toMillis(*filter.DueBefore))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	clause += " ORDER BY created_at, activity_key"
	if filter.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryActivities(ctx, s.db, clause, args...)
}

func (s *Storage) FindChildInstances(ctx context.Context, parentKey int64) ([]runtime.ProcessInstance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+instanceColumns+` FROM process_instance WHERE parent_key = ? ORDER BY instance_key`), parentKey)
	if err != nil {
		return nil, fmt.Errorf("find children of %d: %w", parentKey, err)
	}
	defer rows.Close()

	res := make([]runtime.ProcessInstance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Storage) queryActivities(ctx context.Context, q querier, clause string, args ...any) ([]runtime.ActivityInstance, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT `+activityColumns+` FROM activity_instance `+clause), args...)
	if err != nil {
		return nil, fmt.Errorf("query activity instances: %w", err)
	}
	defer rows.Close()

	res := make([]runtime.ActivityInstance, 0)
	for rows.Next() {
		var (
			a         runtime.ActivityInstance
			status    string
			vars      string
			createdAt int64
			endedAt   sql.NullInt64
			dueAt     sql.NullInt64
		)
		err := rows.Scan(&a.Key, &a.ProcessInstanceKey, &a.ActivityId, &status, &a.ScopeKey, &vars, &createdAt, &endedAt,
			&a.CompletedSeq, &a.WaitingJoin, &a.ArrivedVia, &a.Topic, &a.Retries, &dueAt, &a.MessageName, &a.CorrelationKey,
			&a.ChildInstanceKey, &a.FailureReason)
		if err != nil {
			return nil, fmt.Errorf("scan activity instance: %w", err)
		}
		a.Status = runtime.ActivityStatus(status)
		a.CreatedAt = fromMillis(createdAt)
		a.EndedAt = fromNullMillis(endedAt)
		a.DueAt = fromNullMillis(dueAt)
		if a.Variables, err = decodeVariables(vars); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanInstance(row scanner) (runtime.ProcessInstance, error) {
	var (
		inst        runtime.ProcessInstance
		status      string
		createdAt   int64
		completedAt sql.NullInt64
		vars        string
	)
	err := row.Scan(&inst.Key, &inst.DefinitionKey, &inst.DefinitionId, &inst.DefinitionVersion, &inst.BusinessKey, &status,
		&inst.Version, &createdAt, &completedAt, &vars, &inst.FailureReason, &inst.Seq, &inst.ParentKey, &inst.ParentActivityInstance)
	if errors.Is(err, sql.ErrNoRows) {
		return inst, storage.ErrNotFound
	}
	if err != nil {
		return inst, fmt.Errorf("scan process instance: %w", err)
	}
	inst.Status = runtime.ProcessStatus(status)
	inst.CreatedAt = fromMillis(createdAt)
	inst.CompletedAt = fromNullMillis(completedAt)
	if inst.Variables, err = decodeVariables(vars); err != nil {
		return inst, err
	}
	return inst, nil
}

var _ storage.InstanceStorageWriter = &Storage{}

func (s *Storage) CreateInstance(ctx context.Context, state runtime.InstanceState) error {
	inst := state.Instance
	inst.Version = 1
	return s.inTx(ctx, func(tx *sql.Tx) error {
		vars, err := encodeVariables(inst.Variables)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO process_instance (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			inst.Key, inst.DefinitionKey, inst.DefinitionId, inst.DefinitionVersion, inst.BusinessKey, string(inst.Status), inst.Version,
			toMillis(inst.CreatedAt), toNullMillis(inst.CompletedAt), vars, inst.FailureReason, inst.Seq, inst.ParentKey, inst.ParentActivityInstance)
		if err != nil {
			return s.mapWriteErr(err, "create process instance %d", inst.Key)
		}
		return s.writeChildren(ctx, tx, inst.Key, storage.Mutation{Activities: state.Activities, Scopes: state.Scopes})
	})
}

func (s *Storage) ApplyTransition(ctx context.Context, instanceKey int64, expectedVersion int64, mutation storage.Mutation) (int64, error) {
	inst := mutation.Instance
	newVersion := expectedVersion + 1
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		vars, err := encodeVariables(inst.Variables)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE process_instance
			SET status = ?, version = ?, completed_at = ?, variables = ?, failure_reason = ?, seq = ?, business_key = ?
			WHERE instance_key = ? AND version = ?`),
			string(inst.Status), newVersion, toNullMillis(inst.CompletedAt), vars, inst.FailureReason, inst.Seq, inst.BusinessKey,
			instanceKey, expectedVersion)
		if err != nil {
			return fmt.Errorf("update process instance %d: %w", instanceKey, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update process instance %d: %w", instanceKey, err)
		}
		if affected == 0 {
			var stored int64
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT version FROM process_instance WHERE instance_key = ?`), instanceKey).Scan(&stored)
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("read version of %d: %w", instanceKey, err)
			}
			return fmt.Errorf("%w: process instance %d expected version %d, found %d", storage.ErrConcurrencyConflict, instanceKey, expectedVersion, stored)
		}
		return s.writeChildren(ctx, tx, instanceKey, mutation)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *Storage) writeChildren(ctx context.Context, tx *sql.Tx, instanceKey int64, mutation storage.Mutation) error {
	for _, a := range mutation.Activities {
		if a.ProcessInstanceKey != instanceKey {
			return fmt.Errorf("activity instance %d belongs to process instance %d, not %d", a.Key, a.ProcessInstanceKey, instanceKey)
		}
		vars, err := encodeVariables(a.Variables)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO activity_instance (`+activityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (activity_key) DO UPDATE SET
				status = excluded.status, scope_key = excluded.scope_key, variables = excluded.variables,
				ended_at = excluded.ended_at, completed_seq = excluded.completed_seq, waiting_join = excluded.waiting_join,
				arrived_via = excluded.arrived_via, topic = excluded.topic, retries = excluded.retries, due_at = excluded.due_at,
				message_name = excluded.message_name, correlation_key = excluded.correlation_key,
				child_instance_key = excluded.child_instance_key, failure_reason = excluded.failure_reason`),
			a.Key, a.ProcessInstanceKey, a.ActivityId, string(a.Status), a.ScopeKey, vars, toMillis(a.CreatedAt), toNullMillis(a.EndedAt),
			a.CompletedSeq, a.WaitingJoin, a.ArrivedVia, a.Topic, a.Retries, toNullMillis(a.DueAt), a.MessageName, a.CorrelationKey,
			a.ChildInstanceKey, a.FailureReason)
		if err != nil {
			return s.mapWriteErr(err, "write activity instance %d", a.Key)
		}
	}
	for _, scope := range mutation.Scopes {
		vars, err := encodeVariables(scope.Variables)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO branch_scope (`+scopeColumns+`) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (scope_key) DO UPDATE SET variables = excluded.variables, siblings = excluded.siblings`),
			scope.Key, instanceKey, scope.ParentKey, scope.ForkKey, scope.Siblings, vars)
		if err != nil {
			return s.mapWriteErr(err, "write branch scope %d", scope.Key)
		}
	}
	for _, key := range mutation.RemovedScopes {
		_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM branch_scope WHERE scope_key = ? AND instance_key = ?`), key, instanceKey)
		if err != nil {
			return fmt.Errorf("remove branch scope %d: %w", key, err)
		}
	}
	return nil
}
