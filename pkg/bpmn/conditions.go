// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/expression"
)

// exclusivelyFilterByCondition returns the first transition, in declaration order, whose guard evaluates
// to true, or else the default transition. Exactly one transition is returned on success.
func exclusivelyFilterByCondition(transitions []*model.Transition, guards map[string]*expression.Expression, vars expression.Variables) ([]*model.Transition, error) {
	var defaultTransition *model.Transition
	ids := strings.Builder{}
	for _, t := range transitions {
		guard, ok := guards[t.Id]
		if !ok {
			if defaultTransition == nil {
				defaultTransition = t
			}
			continue
		}
		ids.WriteString(fmt.Sprintf("[id='%s']", t.Id))
		out, err := guard.EvaluateBool(vars)
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("Error evaluating guard of transition id='%s'", t.Id),
				Err: err,
			}
		}
		if out {
			return []*model.Transition{t}, nil
		}
	}
	if defaultTransition == nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("No default transition, nor matching guards found, for transitions: %s", ids.String()),
		}
	}
	return []*model.Transition{defaultTransition}, nil
}

// inclusivelyFilterByCondition returns every transition whose guard evaluates to true, or the default
// transition when none does. All guards are evaluated.
func inclusivelyFilterByCondition(transitions []*model.Transition, guards map[string]*expression.Expression, vars expression.Variables) ([]*model.Transition, error) {
	var ret []*model.Transition
	var defaultTransition *model.Transition
	for _, t := range transitions {
		guard, ok := guards[t.Id]
		if !ok {
			if defaultTransition == nil {
				defaultTransition = t
			}
			continue
		}
		out, err := guard.EvaluateBool(vars)
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("Error evaluating guard of transition id='%s'", t.Id),
				Err: err,
			}
		}
		if out {
			ret = append(ret, t)
		}
	}
	if len(ret) == 0 {
		if defaultTransition == nil {
			return nil, &ExpressionEvaluationError{Msg: "No default transition, nor matching guards found"}
		}
		ret = append(ret, defaultTransition)
	}
	return ret, nil
}
