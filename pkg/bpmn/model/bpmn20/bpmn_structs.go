// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package bpmn20 imports BPMN 2.0 XML documents (plain, Zeebe and Camunda flavoured) into process definitions.
package bpmn20

import "strings"

type TDefinitions struct {
	Id                 string     `xml:"id,attr"`
	Name               string     `xml:"name,attr"`
	TargetNamespace    string     `xml:"targetNamespace,attr"`
	ExpressionLanguage string     `xml:"expressionLanguage,attr"`
	TypeLanguage       string     `xml:"typeLanguage,attr"`
	Exporter           string     `xml:"exporter,attr"`
	ExporterVersion    string     `xml:"exporterVersion,attr"`
	Processes          []TProcess `xml:"process"`
	Messages           []TMessage `xml:"message"`
}

type TBaseElement struct {
	Id   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

type TFlowElementsContainer struct {
	StartEvents            []TStartEvent             `xml:"startEvent"`
	EndEvents              []TEndEvent               `xml:"endEvent"`
	SequenceFlows          []TSequenceFlow           `xml:"sequenceFlow"`
	Tasks                  []TTask                   `xml:"task"`
	ServiceTasks           []TServiceTask            `xml:"serviceTask"`
	UserTasks              []TServiceTask            `xml:"userTask"`
	SendTasks              []TServiceTask            `xml:"sendTask"`
	ScriptTasks            []TScriptTask             `xml:"scriptTask"`
	ParallelGateways       []TGateway                `xml:"parallelGateway"`
	ExclusiveGateways      []TGateway                `xml:"exclusiveGateway"`
	InclusiveGateways      []TGateway                `xml:"inclusiveGateway"`
	EventBasedGateways     []TGateway                `xml:"eventBasedGateway"`
	IntermediateCatchEvent []TIntermediateCatchEvent `xml:"intermediateCatchEvent"`
	BoundaryEvents         []TBaseElement            `xml:"boundaryEvent"`
	CallActivities         []TCallActivity           `xml:"callActivity"`
}

type TProcess struct {
	TBaseElement
	TFlowElementsContainer
	IsExecutable bool `xml:"isExecutable,attr"`
}

type TSequenceFlow struct {
	TBaseElement
	SourceRef           string        `xml:"sourceRef,attr"`
	TargetRef           string        `xml:"targetRef,attr"`
	ConditionExpression []TExpression `xml:"conditionExpression"`
}

type TExpression struct {
	Text string `xml:",chardata"`
}

// hasExpression reports whether the flow carries a non blank condition.
func (sf TSequenceFlow) hasExpression() bool {
	return len(sf.ConditionExpression) > 0 && strings.TrimSpace(sf.ConditionExpression[0].Text) != ""
}

type TStartEvent struct {
	TBaseElement
}

type TEndEvent struct {
	TBaseElement
	TerminateEventDefinition *TBaseElement `xml:"terminateEventDefinition"`
}

type TTask struct {
	TBaseElement
	Default string       `xml:"default,attr"`
	Input   []TIoMapping `xml:"extensionElements>ioMapping>input"`
	Output  []TIoMapping `xml:"extensionElements>ioMapping>output"`
	// camunda:inputOutput
	CamundaInput  []TCamundaParameter `xml:"extensionElements>inputOutput>inputParameter"`
	CamundaOutput []TCamundaParameter `xml:"extensionElements>inputOutput>outputParameter"`
}

type TServiceTask struct {
	TTask
	Implementation string          `xml:"implementation,attr"`
	CamundaTopic   string          `xml:"topic,attr"`
	TaskDefinition TTaskDefinition `xml:"extensionElements>taskDefinition"`
}

type TScriptTask struct {
	TTask
	ScriptFormat string      `xml:"scriptFormat,attr"`
	Script       TExpression `xml:"script"`
}

type TGateway struct {
	TBaseElement
	Default string `xml:"default,attr"`
}

type TIntermediateCatchEvent struct {
	TBaseElement
	MessageEventDefinition *TMessageEventDefinition `xml:"messageEventDefinition"`
	TimerEventDefinition   *TTimerEventDefinition   `xml:"timerEventDefinition"`
	Output                 []TIoMapping             `xml:"extensionElements>ioMapping>output"`
}

type TMessageEventDefinition struct {
	Id         string `xml:"id,attr"`
	MessageRef string `xml:"messageRef,attr"`
}

type TTimerEventDefinition struct {
	Id           string       `xml:"id,attr"`
	TimeDuration *TExpression `xml:"timeDuration"`
	TimeDate     *TExpression `xml:"timeDate"`
	TimeCycle    *TExpression `xml:"timeCycle"`
}

type TMessage struct {
	TBaseElement
	Subscription TSubscription `xml:"extensionElements>subscription"`
}

type TCallActivity struct {
	TTask
	CalledElement        TCalledElement `xml:"extensionElements>calledElement"`
	CalledElementAttr    string         `xml:"calledElement,attr"`
	CamundaCalledVersion string         `xml:"calledElementVersion,attr"`
}
