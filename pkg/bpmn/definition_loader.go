package bpmn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeployDefinition validates def, compiles its expressions and stores it as the next version of def.Id.
// Deploying a graph identical to the latest version returns the latest version unchanged.
// Might return *model.DefinitionValidationError or *expression.ParseError.
func (engine *Engine) DeployDefinition(ctx context.Context, def model.ProcessDefinition) (_ model.ProcessDefinition, retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("deploy:%s", def.Id), trace.WithAttributes(
		attribute.String(otelPkg.AttributeDefinitionId, def.Id),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if _, err := compileDefinition(def); err != nil {
		return model.ProcessDefinition{}, err
	}
	def.Checksum = model.ComputeChecksum(def)

	for range engine.maxTransitionRetries {
		latest, err := engine.persistence.FindLatestDefinitionById(ctx, def.Id)
		switch {
		case err == nil && latest.Checksum == def.Checksum:
			return latest, nil
		case err == nil:
			def.Version = latest.Version + 1
		case errors.Is(err, storage.ErrNotFound):
			def.Version = 1
		default:
			return model.ProcessDefinition{}, &PersistenceError{Op: "deploy definition", Err: err}
		}
		def.Key = engine.generateKey()
		def.DeployedAt = engine.now()

		err = engine.persistence.SaveDefinition(ctx, def)
		if errors.Is(err, storage.ErrAlreadyExists) {
			// another deployment of the same id took the version
			continue
		}
		if err != nil {
			return model.ProcessDefinition{}, &PersistenceError{Op: "deploy definition", Err: err}
		}
		cd, err := compileDefinition(def)
		if err != nil {
			return model.ProcessDefinition{}, err
		}
		engine.definitions.Add(def.Key, cd)
		span.SetAttributes(attribute.Int64(otelPkg.AttributeDefinitionKey, def.Key))
		engine.logger.Info(fmt.Sprintf("Deployed process definition %s version %d with key %d", def.Id, def.Version, def.Key))
		return def, nil
	}
	return model.ProcessDefinition{}, &PersistenceError{Op: "deploy definition", Err: storage.ErrConcurrencyConflict}
}

// DeployBpmn imports a BPMN 2.0 XML document and deploys the process it contains.
func (engine *Engine) DeployBpmn(ctx context.Context, data []byte) (model.ProcessDefinition, error) {
	def, err := bpmn20.Parse(data)
	if err != nil {
		return model.ProcessDefinition{}, errors.Join(newEngineErrorf("failed to import bpmn document"), err)
	}
	return engine.DeployDefinition(ctx, def)
}

// DeployYaml deploys a definition written in the native YAML format.
func (engine *Engine) DeployYaml(ctx context.Context, data []byte) (model.ProcessDefinition, error) {
	def, err := model.ParseYAML(data)
	if err != nil {
		return model.ProcessDefinition{}, errors.Join(newEngineErrorf("failed to read process definition"), err)
	}
	return engine.DeployDefinition(ctx, def)
}

// DeployFromFile picks the format by file extension: .bpmn and .xml are imported as BPMN, .json as
// JSON and everything else as YAML.
func (engine *Engine) DeployFromFile(ctx context.Context, filename string) (model.ProcessDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".bpmn", ".xml":
		return engine.DeployBpmn(ctx, data)
	case ".json":
		def, err := model.ParseJSON(data)
		if err != nil {
			return model.ProcessDefinition{}, errors.Join(newEngineErrorf("failed to read process definition"), err)
		}
		return engine.DeployDefinition(ctx, def)
	default:
		return engine.DeployYaml(ctx, data)
	}
}

// FindDefinitionsById returns all deployed versions of id, ordered by version.
func (engine *Engine) FindDefinitionsById(ctx context.Context, id string) ([]model.ProcessDefinition, error) {
	defs, err := engine.persistence.FindDefinitionsById(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "find definitions", Err: err}
	}
	return defs, nil
}

// FindDefinition returns the definition with key.
func (engine *Engine) FindDefinition(ctx context.Context, key int64) (model.ProcessDefinition, error) {
	cd, err := engine.definition(ctx, key)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	return cd.def, nil
}

// resolveDefinition finds the definition a start request refers to: by key, by id and version,
// or the latest version of id.
func (engine *Engine) resolveDefinition(ctx context.Context, key int64, id string, version int32) (*compiledDefinition, error) {
	if key != 0 {
		return engine.definition(ctx, key)
	}
	if id == "" {
		return nil, newEngineErrorf("neither a definition key nor a definition id was given")
	}
	var def model.ProcessDefinition
	var err error
	if version > 0 {
		def, err = engine.persistence.FindDefinitionByIdAndVersion(ctx, id, version)
	} else {
		def, err = engine.persistence.FindLatestDefinitionById(ctx, id)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFoundf("process definition %s (version %d)", id, version)
		}
		return nil, &PersistenceError{Op: "find definition", Err: err}
	}
	return engine.definition(ctx, def.Key)
}
