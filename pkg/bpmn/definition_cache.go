package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/expression"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/senseyeio/duration"
)

type compiledMapping struct {
	target string
	source *expression.Expression
}

// compiledDefinition is a definition together with every expression and duration it carries, parsed once.
// It is shared between all instances of the definition and never modified after compilation.
type compiledDefinition struct {
	def          model.ProcessDefinition
	graph        *model.Graph
	guards       map[string]*expression.Expression // by transition id
	inputs       map[string][]compiledMapping      // by activity id
	outputs      map[string][]compiledMapping
	correlations map[string]*expression.Expression
	// timer event durations and task timeouts by activity id
	durations map[string]duration.Duration
}

// compileDefinition validates def and compiles its expressions. Structural problems are reported as
// a *model.DefinitionValidationError, malformed expressions as *expression.ParseError.
func compileDefinition(def model.ProcessDefinition) (*compiledDefinition, error) {
	cd := &compiledDefinition{
		def:          def,
		guards:       map[string]*expression.Expression{},
		inputs:       map[string][]compiledMapping{},
		outputs:      map[string][]compiledMapping{},
		correlations: map[string]*expression.Expression{},
		durations:    map[string]duration.Duration{},
	}
	if err := model.Validate(&cd.def); err != nil {
		return nil, err
	}
	cd.graph = model.NewGraph(&cd.def)

	var parseErrs error
	var problems []string
	for _, t := range cd.def.Transitions {
		if t.Condition == "" {
			continue
		}
		expr, err := expression.Compile(t.Condition)
		if err != nil {
			parseErrs = errors.Join(parseErrs, fmt.Errorf("guard of transition %q: %w", t.Id, err))
			continue
		}
		cd.guards[t.Id] = expr
	}
	for _, a := range cd.def.Activities {
		in, err := compileMappings(a.InputMappings)
		if err != nil {
			parseErrs = errors.Join(parseErrs, fmt.Errorf("input mapping of %q: %w", a.Id, err))
		}
		if len(in) > 0 {
			cd.inputs[a.Id] = in
		}
		out, err := compileMappings(a.OutputMappings)
		if err != nil {
			parseErrs = errors.Join(parseErrs, fmt.Errorf("output mapping of %q: %w", a.Id, err))
		}
		if len(out) > 0 {
			cd.outputs[a.Id] = out
		}
		if a.CorrelationKey != "" {
			expr, err := expression.Compile(a.CorrelationKey)
			if err != nil {
				parseErrs = errors.Join(parseErrs, fmt.Errorf("correlation key of %q: %w", a.Id, err))
			} else {
				cd.correlations[a.Id] = expr
			}
		}
		iso := a.TimerDuration
		if a.Kind == model.KindTask {
			iso = a.Timeout
		}
		if iso == "" {
			continue
		}
		d, err := duration.ParseISO8601(iso)
		if err != nil {
			problems = append(problems, fmt.Sprintf("activity %q has an invalid ISO-8601 duration %q: %s", a.Id, iso, err))
			continue
		}
		cd.durations[a.Id] = d
	}
	if len(problems) > 0 {
		return nil, errors.Join(&model.DefinitionValidationError{DefinitionId: def.Id, Problems: problems}, parseErrs)
	}
	if parseErrs != nil {
		return nil, parseErrs
	}
	return cd, nil
}

func compileMappings(mappings []model.Mapping) ([]compiledMapping, error) {
	res := make([]compiledMapping, 0, len(mappings))
	var errs error
	for _, m := range mappings {
		expr, err := expression.Compile(m.Source)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("target %q: %w", m.Target, err))
			continue
		}
		res = append(res, compiledMapping{target: m.Target, source: expr})
	}
	return res, errs
}

// definition returns the compiled definition with key, loading it from the store on a cache miss.
func (engine *Engine) definition(ctx context.Context, key int64) (*compiledDefinition, error) {
	if cd, ok := engine.definitions.Get(key); ok {
		return cd, nil
	}
	def, err := engine.persistence.FindDefinitionByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFoundf("process definition %d", key)
		}
		return nil, &PersistenceError{Op: "load definition", Err: err}
	}
	cd, err := compileDefinition(def)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("stored process definition %d does not compile", key), err)
	}
	engine.definitions.Add(key, cd)
	return cd, nil
}
