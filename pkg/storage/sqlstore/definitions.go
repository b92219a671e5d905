package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

const definitionColumns = `def_key, def_id, name, version, checksum, deployed_at, activities, transitions`

var _ storage.DefinitionStorageWriter = &Storage{}

func (s *Storage) SaveDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	activities, err := encodeJSON(definition.Activities)
	if err != nil {
		return err
	}
	transitions, err := encodeJSON(definition.Transitions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO process_definition (`+definitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		definition.Key,
		definition.Id,
		definition.Name,
		definition.Version,
		definition.Checksum,
		toMillis(definition.DeployedAt),
		activities,
		transitions,
	)
	return s.mapWriteErr(err, "save definition %s version %d", definition.Id, definition.Version)
}

var _ storage.DefinitionStorageReader = &Storage{}

func (s *Storage) FindDefinitionByKey(ctx context.Context, key int64) (model.ProcessDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+definitionColumns+` FROM process_definition WHERE def_key = ?`), key)
	return scanDefinition(row)
}

func (s *Storage) FindLatestDefinitionById(ctx context.Context, id string) (model.ProcessDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+definitionColumns+` FROM process_definition WHERE def_id = ? ORDER BY version DESC LIMIT 1`), id)
	return scanDefinition(row)
}

func (s *Storage) FindDefinitionByIdAndVersion(ctx context.Context, id string, version int32) (model.ProcessDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+definitionColumns+` FROM process_definition WHERE def_id = ? AND version = ?`), id, version)
	return scanDefinition(row)
}

func (s *Storage) FindDefinitionsById(ctx context.Context, id string) ([]model.ProcessDefinition, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+definitionColumns+` FROM process_definition WHERE def_id = ? ORDER BY version ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("find definitions %s: %w", id, err)
	}
	defer rows.Close()

	res := make([]model.ProcessDefinition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, def)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (model.ProcessDefinition, error) {
	var (
		def         model.ProcessDefinition
		deployedAt  int64
		activities  string
		transitions string
	)
	err := row.Scan(&def.Key, &def.Id, &def.Name, &def.Version, &def.Checksum, &deployedAt, &activities, &transitions)
	if errors.Is(err, sql.ErrNoRows) {
		return def, storage.ErrNotFound
	}
	if err != nil {
		return def, fmt.Errorf("scan definition: %w", err)
	}
	def.DeployedAt = fromMillis(deployedAt)
	if err := json.Unmarshal([]byte(activities), &def.Activities); err != nil {
		return def, fmt.Errorf("unmarshal activities of %s: %w", def.Id, err)
	}
	if err := json.Unmarshal([]byte(transitions), &def.Transitions); err != nil {
		return def, fmt.Errorf("unmarshal transitions of %s: %w", def.Id, err)
	}
	return def, nil
}
