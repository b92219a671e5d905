package otel

const (
	Prefix                        = "zenflow-"
	AttributeProcessInstanceKey   = Prefix + "instance-key"
	AttributeDefinitionId         = Prefix + "definition-id"
	AttributeDefinitionKey        = Prefix + "definition-key"
	AttributeActivityId           = Prefix + "activity-id"
	AttributeActivityInstanceKey  = Prefix + "activity-instance-key"
	AttributeActivityKind         = Prefix + "activity-kind"
	AttributeOperation            = Prefix + "operation"
	AttributeTransitionAttempts   = Prefix + "transition-attempts"
	AttributeProcessInstanceState = Prefix + "instance-status"
)
