package bpmn20

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
)

var ErrUnsupportedElement = errors.New("unsupported bpmn element")

// Parse decodes a BPMN 2.0 document and converts its executable process. Documents holding several
// processes must mark exactly one of them executable.
func Parse(data []byte) (model.ProcessDefinition, error) {
	var defs TDefinitions
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&defs); err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("failed to unmarshal bpmn definitions: %w", err)
	}
	proc, err := defs.executableProcess()
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	return defs.convert(proc)
}

func (defs *TDefinitions) executableProcess() (*TProcess, error) {
	switch len(defs.Processes) {
	case 0:
		return nil, errors.New("bpmn document contains no process")
	case 1:
		return &defs.Processes[0], nil
	}
	var found *TProcess
	for i := range defs.Processes {
		if !defs.Processes[i].IsExecutable {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("bpmn document contains more than one executable process (%s, %s)", found.Id, defs.Processes[i].Id)
		}
		found = &defs.Processes[i]
	}
	if found == nil {
		return nil, errors.New("bpmn document contains several processes and none is executable")
	}
	return found, nil
}

func (defs *TDefinitions) message(id string) (TMessage, bool) {
	for _, m := range defs.Messages {
		if m.Id == id {
			return m, true
		}
	}
	return TMessage{}, false
}

func (defs *TDefinitions) convert(p *TProcess) (model.ProcessDefinition, error) {
	def := model.ProcessDefinition{
		Id:   p.Id,
		Name: p.Name,
	}
	if len(p.EventBasedGateways) > 0 {
		return def, fmt.Errorf("%w: eventBasedGateway %s", ErrUnsupportedElement, p.EventBasedGateways[0].Id)
	}
	if len(p.BoundaryEvents) > 0 {
		return def, fmt.Errorf("%w: boundaryEvent %s", ErrUnsupportedElement, p.BoundaryEvents[0].Id)
	}
	// default flow id of every gateway or task declaring one
	defaults := map[string]string{}

	for _, e := range p.StartEvents {
		def.Activities = append(def.Activities, model.Activity{Id: e.Id, Name: e.Name, Kind: model.KindEvent, EventType: model.EventStart})
	}
	for _, e := range p.EndEvents {
		a := model.Activity{Id: e.Id, Name: e.Name, Kind: model.KindEvent, EventType: model.EventEnd}
		if e.TerminateEventDefinition != nil {
			a.EventType = model.EventTerminate
		}
		def.Activities = append(def.Activities, a)
	}
	for _, t := range p.Tasks {
		a := t.activity()
		a.Topic = t.Id
		def.Activities = append(def.Activities, a)
		defaults[t.Id] = t.Default
	}
	for _, group := range [][]TServiceTask{p.ServiceTasks, p.UserTasks, p.SendTasks} {
		for _, t := range group {
			a, err := t.convert()
			if err != nil {
				return def, err
			}
			def.Activities = append(def.Activities, a)
			defaults[t.Id] = t.Default
		}
	}
	for _, t := range p.ScriptTasks {
		a, err := t.convert()
		if err != nil {
			return def, err
		}
		def.Activities = append(def.Activities, a)
		defaults[t.Id] = t.Default
	}
	gateways := []struct {
		kind  model.ActivityKind
		nodes []TGateway
	}{
		{model.KindExclusiveGateway, p.ExclusiveGateways},
		{model.KindParallelGateway, p.ParallelGateways},
		{model.KindInclusiveGateway, p.InclusiveGateways},
	}
	for _, g := range gateways {
		for _, n := range g.nodes {
			def.Activities = append(def.Activities, model.Activity{Id: n.Id, Name: n.Name, Kind: g.kind})
			defaults[n.Id] = n.Default
		}
	}
	for _, e := range p.IntermediateCatchEvent {
		a, err := defs.catchEvent(e)
		if err != nil {
			return def, err
		}
		def.Activities = append(def.Activities, a)
	}
	for _, c := range p.CallActivities {
		a, err := c.convert()
		if err != nil {
			return def, err
		}
		def.Activities = append(def.Activities, a)
		defaults[c.Id] = c.Default
	}

	for _, sf := range p.SequenceFlows {
		tr := model.Transition{Id: sf.Id, Source: sf.SourceRef, Target: sf.TargetRef}
		if sf.hasExpression() && defaults[sf.SourceRef] != sf.Id {
			tr.Condition = toExpression(sf.ConditionExpression[0].Text)
		}
		def.Transitions = append(def.Transitions, tr)
	}
	return def, nil
}

func (t TTask) activity() model.Activity {
	a := model.Activity{Id: t.Id, Name: t.Name, Kind: model.KindTask}
	for _, m := range t.Input {
		a.InputMappings = append(a.InputMappings, model.Mapping{Target: m.Target, Source: toMappingSource(m.Source)})
	}
	for _, m := range t.Output {
		a.OutputMappings = append(a.OutputMappings, model.Mapping{Target: m.Target, Source: toMappingSource(m.Source)})
	}
	for _, p := range t.CamundaInput {
		a.InputMappings = append(a.InputMappings, model.Mapping{Target: p.Name, Source: strings.TrimSpace(p.Value)})
	}
	for _, p := range t.CamundaOutput {
		a.OutputMappings = append(a.OutputMappings, model.Mapping{Target: p.Name, Source: strings.TrimSpace(p.Value)})
	}
	return a
}

func (t TServiceTask) convert() (model.Activity, error) {
	a := t.activity()
	a.Topic = t.TaskDefinition.TypeName
	if a.Topic == "" {
		a.Topic = t.CamundaTopic
	}
	if a.Topic == "" {
		a.Topic = t.Id
	}
	a.Timeout = strings.TrimSpace(t.TaskDefinition.Timeout)
	if r := strings.TrimSpace(t.TaskDefinition.Retries); r != "" {
		n, err := strconv.Atoi(r)
		if err != nil || n < 0 {
			return a, fmt.Errorf("task %s: invalid retries %q", t.Id, r)
		}
		a.Retries = n
	}
	return a, nil
}

func (t TScriptTask) convert() (model.Activity, error) {
	a := t.activity()
	switch strings.ToLower(t.ScriptFormat) {
	case "", "javascript", "js", "ecmascript":
	default:
		return a, fmt.Errorf("%w: script format %q of %s", ErrUnsupportedElement, t.ScriptFormat, t.Id)
	}
	a.Script = strings.TrimSpace(t.Script.Text)
	if a.Script == "" {
		return a, fmt.Errorf("script task %s has no inline script", t.Id)
	}
	return a, nil
}

func (c TCallActivity) convert() (model.Activity, error) {
	a := c.activity()
	a.Kind = model.KindSubProcess
	a.CalledDefinitionId = c.CalledElement.ProcessId
	if a.CalledDefinitionId == "" {
		a.CalledDefinitionId = c.CalledElementAttr
	}
	if v := strings.TrimSpace(c.CamundaCalledVersion); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return a, fmt.Errorf("call activity %s: invalid called version %q", c.Id, v)
		}
		a.CalledVersion = int32(n)
	}
	return a, nil
}

func (defs *TDefinitions) catchEvent(e TIntermediateCatchEvent) (model.Activity, error) {
	a := model.Activity{Id: e.Id, Name: e.Name, Kind: model.KindEvent}
	for _, m := range e.Output {
		a.OutputMappings = append(a.OutputMappings, model.Mapping{Target: m.Target, Source: toMappingSource(m.Source)})
	}
	switch {
	case e.TimerEventDefinition != nil:
		td := e.TimerEventDefinition
		if td.TimeDuration == nil {
			return a, fmt.Errorf("%w: timer of %s must use timeDuration", ErrUnsupportedElement, e.Id)
		}
		a.EventType = model.EventTimer
		a.TimerDuration = strings.Trim(strings.TrimPrefix(strings.TrimSpace(td.TimeDuration.Text), "="), `" `)
	case e.MessageEventDefinition != nil:
		msg, ok := defs.message(e.MessageEventDefinition.MessageRef)
		if !ok {
			return a, fmt.Errorf("catch event %s references unknown message %q", e.Id, e.MessageEventDefinition.MessageRef)
		}
		a.EventType = model.EventMessage
		a.MessageName = msg.Name
		if a.MessageName == "" {
			a.MessageName = msg.Id
		}
		if ck := strings.TrimSpace(msg.Subscription.CorrelationKey); ck != "" {
			a.CorrelationKey = toMappingSource(ck)
		}
	default:
		return a, fmt.Errorf("%w: intermediate catch event %s without timer or message definition", ErrUnsupportedElement, e.Id)
	}
	return a, nil
}
