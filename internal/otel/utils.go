package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// InstanceKeyKey marks request spans of routes that address one process instance.
const InstanceKeyKey = attribute.Key("zenflow.process_instance.key")

// TransferHeaderKey is the context key of a configured transfer header.
type TransferHeaderKey string
