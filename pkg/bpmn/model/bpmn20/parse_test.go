package bpmn20

import (
	"testing"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderXml = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:zeebe="http://camunda.org/schema/zeebe/1.0" id="defs">
  <bpmn:process id="order" name="Order" isExecutable="true">
    <bpmn:startEvent id="start" />
    <bpmn:serviceTask id="reserve" name="Reserve stock">
      <bpmn:extensionElements>
        <zeebe:taskDefinition type="stock" retries="3" />
        <zeebe:ioMapping>
          <zeebe:input source="=order.items" target="items" />
          <zeebe:output source="=reserved" target="stockReserved" />
        </zeebe:ioMapping>
      </bpmn:extensionElements>
    </bpmn:serviceTask>
    <bpmn:exclusiveGateway id="check" default="toReject" />
    <bpmn:intermediateCatchEvent id="payment">
      <bpmn:messageEventDefinition messageRef="msgPayment" />
    </bpmn:intermediateCatchEvent>
    <bpmn:intermediateCatchEvent id="wait">
      <bpmn:timerEventDefinition><bpmn:timeDuration>PT10S</bpmn:timeDuration></bpmn:timerEventDefinition>
    </bpmn:intermediateCatchEvent>
    <bpmn:endEvent id="end" />
    <bpmn:endEvent id="rejected"><bpmn:terminateEventDefinition /></bpmn:endEvent>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="reserve" />
    <bpmn:sequenceFlow id="f2" sourceRef="reserve" targetRef="check" />
    <bpmn:sequenceFlow id="toPay" sourceRef="check" targetRef="payment">
      <bpmn:conditionExpression>=stockReserved = true and amount &gt; 100</bpmn:conditionExpression>
    </bpmn:sequenceFlow>
    <bpmn:sequenceFlow id="toReject" sourceRef="check" targetRef="rejected" />
    <bpmn:sequenceFlow id="f3" sourceRef="payment" targetRef="wait" />
    <bpmn:sequenceFlow id="f4" sourceRef="wait" targetRef="end" />
  </bpmn:process>
  <bpmn:message id="msgPayment" name="payment-received">
    <bpmn:extensionElements>
      <zeebe:subscription correlationKey="=orderId" />
    </bpmn:extensionElements>
  </bpmn:message>
</bpmn:definitions>`

func activityById(t *testing.T, def model.ProcessDefinition, id string) model.Activity {
	t.Helper()
	for _, a := range def.Activities {
		if a.Id == id {
			return a
		}
	}
	t.Fatalf("activity %s not found", id)
	return model.Activity{}
}

func TestParseZeebeDocument(t *testing.T) {
	// given
	data := []byte(orderXml)

	// when
	def, err := Parse(data)

	// then
	require.NoError(t, err)
	assert.Equal(t, "order", def.Id)
	assert.Equal(t, "Order", def.Name)
	assert.Len(t, def.Activities, 7)
	assert.Len(t, def.Transitions, 6)

	reserve := activityById(t, def, "reserve")
	assert.Equal(t, model.KindTask, reserve.Kind)
	assert.Equal(t, "stock", reserve.Topic)
	assert.Equal(t, 3, reserve.Retries)
	assert.Equal(t, []model.Mapping{{Target: "items", Source: "${order.items}"}}, reserve.InputMappings)
	assert.Equal(t, []model.Mapping{{Target: "stockReserved", Source: "${reserved}"}}, reserve.OutputMappings)

	payment := activityById(t, def, "payment")
	assert.Equal(t, model.EventMessage, payment.EventType)
	assert.Equal(t, "payment-received", payment.MessageName)
	assert.Equal(t, "${orderId}", payment.CorrelationKey)

	wait := activityById(t, def, "wait")
	assert.Equal(t, model.EventTimer, wait.EventType)
	assert.Equal(t, "PT10S", wait.TimerDuration)

	assert.Equal(t, model.EventTerminate, activityById(t, def, "rejected").EventType)
	assert.Equal(t, model.KindExclusiveGateway, activityById(t, def, "check").Kind)

	require.NoError(t, model.Validate(&def))
}

func TestConditionsAndDefaultFlow(t *testing.T) {
	// given
	def, err := Parse([]byte(orderXml))
	require.NoError(t, err)

	// when
	conditions := map[string]string{}
	for _, tr := range def.Transitions {
		conditions[tr.Id] = tr.Condition
	}

	// then
	assert.Equal(t, "${stockReserved == true and amount > 100}", conditions["toPay"])
	assert.Empty(t, conditions["toReject"])
}

func TestCamundaDocument(t *testing.T) {
	// given
	data := []byte(`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"
	    xmlns:camunda="http://camunda.org/schema/1.0/bpmn">
	  <process id="p1" isExecutable="true">
	    <startEvent id="s" />
	    <serviceTask id="bill" camunda:type="external" camunda:topic="billing">
	      <extensionElements>
	        <camunda:inputOutput>
	          <camunda:inputParameter name="total">${price * qty}</camunda:inputParameter>
	        </camunda:inputOutput>
	      </extensionElements>
	    </serviceTask>
	    <callActivity id="ship" calledElement="shipping" camunda:calledElementVersion="2" />
	    <scriptTask id="calc" scriptFormat="javascript"><script>return { done: true }</script></scriptTask>
	    <endEvent id="e" />
	    <sequenceFlow id="a" sourceRef="s" targetRef="bill" />
	    <sequenceFlow id="b" sourceRef="bill" targetRef="ship" />
	    <sequenceFlow id="c" sourceRef="ship" targetRef="calc" />
	    <sequenceFlow id="d" sourceRef="calc" targetRef="e">
	      <conditionExpression><![CDATA[${done}]]></conditionExpression>
	    </sequenceFlow>
	  </process>
	</definitions>`)

	// when
	def, err := Parse(data)

	// then
	require.NoError(t, err)
	bill := activityById(t, def, "bill")
	assert.Equal(t, "billing", bill.Topic)
	assert.Equal(t, []model.Mapping{{Target: "total", Source: "${price * qty}"}}, bill.InputMappings)

	ship := activityById(t, def, "ship")
	assert.Equal(t, model.KindSubProcess, ship.Kind)
	assert.Equal(t, "shipping", ship.CalledDefinitionId)
	assert.Equal(t, int32(2), ship.CalledVersion)

	assert.Equal(t, "return { done: true }", activityById(t, def, "calc").Script)
	assert.Equal(t, "${done}", def.Transitions[3].Condition)
}

func TestUnsupportedElementsAreRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"boundary event", `<boundaryEvent id="b" attachedToRef="t" />`},
		{"event based gateway", `<eventBasedGateway id="g" />`},
		{"timer cycle", `<intermediateCatchEvent id="c"><timerEventDefinition><timeCycle>R3/PT1S</timeCycle></timerEventDefinition></intermediateCatchEvent>`},
		{"groovy script", `<scriptTask id="g" scriptFormat="groovy"><script>x</script></scriptTask>`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// given
			data := []byte(`<definitions><process id="p">` + tc.body + `</process></definitions>`)

			// when
			_, err := Parse(data)

			// then
			assert.ErrorIs(t, err, ErrUnsupportedElement)
		})
	}
}

func TestProcessSelection(t *testing.T) {
	// given
	data := []byte(`<definitions>
	  <process id="lib" isExecutable="false" />
	  <process id="main" isExecutable="true"><startEvent id="s" /></process>
	</definitions>`)

	// when
	def, err := Parse(data)

	// then
	require.NoError(t, err)
	assert.Equal(t, "main", def.Id)

	_, err = Parse([]byte(`<definitions><process id="a" /><process id="b" /></definitions>`))
	assert.Error(t, err)
	_, err = Parse([]byte(`<definitions />`))
	assert.Error(t, err)
}

func TestUnknownMessageReference(t *testing.T) {
	// given
	data := []byte(`<definitions><process id="p">
	  <intermediateCatchEvent id="m"><messageEventDefinition messageRef="nope" /></intermediateCatchEvent>
	</process></definitions>`)

	// when
	_, err := Parse(data)

	// then
	assert.ErrorContains(t, err, "unknown message")
}

func TestFeelEquality(t *testing.T) {
	assert.Equal(t, "a == 1", feelEquality("a = 1"))
	assert.Equal(t, "a != 1 and b >= 2 and c <= 3", feelEquality("a != 1 and b >= 2 and c <= 3"))
	assert.Equal(t, `s == "x=y"`, feelEquality(`s = "x=y"`))
	assert.Equal(t, "a == b", feelEquality("a == b"))
}
