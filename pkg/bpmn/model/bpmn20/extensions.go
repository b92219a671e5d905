package bpmn20

// Vendor extension elements. Zeebe and Camunda namespaces are matched by local name only.

type TIoMapping struct {
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}

type TCamundaParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type TTaskDefinition struct {
	TypeName string `xml:"type,attr"`
	Retries  string `xml:"retries,attr"`
	Timeout  string `xml:"timeout,attr"`
}

type TCalledElement struct {
	ProcessId string `xml:"processId,attr"`
}

type TSubscription struct {
	CorrelationKey string `xml:"correlationKey,attr"`
}
