package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pbinitiative/zenflow/internal/config"
	apierror "github.com/pbinitiative/zenflow/internal/rest/error"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderProcess = `
id: order
activities:
  - {id: start, kind: event, eventType: start}
  - {id: pack, kind: task, topic: packing}
  - {id: paid, kind: event, eventType: message, messageName: paid, correlationKey: "${orderId}"}
  - {id: end, kind: event, eventType: end}
transitions:
  - {id: f1, source: start, target: pack}
  - {id: f2, source: pack, target: paid}
  - {id: f3, source: paid, target: end}
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	conf := config.Config{HttpServer: config.HttpServer{Context: "/", Addr: ":0"}}
	s := NewServer(bpmn.NewEngine(), conf, nil, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path, contentType string, body []byte, out any) int {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestProcessLifecycleOverHttp(t *testing.T) {
	ts := newTestServer(t)

	// given a deployed definition
	var def DefinitionSummary
	status := call(t, ts, http.MethodPost, "/v1/process-definitions", "application/yaml", []byte(orderProcess), &def)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "order", def.Id)
	assert.Equal(t, int32(1), def.Version)

	// when an instance is started
	var started StartProcessResponse
	status = call(t, ts, http.MethodPost, "/v1/process-instances", "application/json",
		jsonBody(t, bpmn.StartCommand{DefinitionId: "order", Variables: map[string]any{"orderId": "o-7"}}), &started)

	// then it waits at the packing task
	require.Equal(t, http.StatusCreated, status)
	var snapshot runtime.Snapshot
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, fmt.Sprintf("/v1/process-instances/%d", started.Key), "", nil, &snapshot))
	require.Len(t, snapshot.ActiveActivities, 1)
	assert.Equal(t, "pack", snapshot.ActiveActivities[0].ActivityId)

	// when a worker fetches and completes the task
	var tasks []bpmn.Task
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/v1/tasks?topic=packing&limit=5", "", nil, &tasks))
	require.Len(t, tasks, 1)
	status = call(t, ts, http.MethodPost,
		fmt.Sprintf("/v1/process-instances/%d/activities/%d/complete", started.Key, tasks[0].Key), "application/json",
		jsonBody(t, CompleteRequest{Variables: map[string]any{"parcel": "P-1"}}), nil)
	require.Equal(t, http.StatusNoContent, status)

	// and the payment message arrives
	var correlated MessageResponse
	status = call(t, ts, http.MethodPost, "/v1/messages", "application/json",
		jsonBody(t, MessageRequest{Name: "paid", CorrelationKey: "o-7"}), &correlated)

	// then the instance completes
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, correlated.Correlated)
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, fmt.Sprintf("/v1/process-instances/%d", started.Key), "", nil, &snapshot))
	assert.Equal(t, runtime.ProcessCompleted, snapshot.Instance.Status)
	assert.Equal(t, "P-1", snapshot.Variables["parcel"])

	var history []runtime.HistoryEvent
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, fmt.Sprintf("/v1/process-instances/%d/history", started.Key), "", nil, &history))
	assert.NotEmpty(t, history)

	var versions []DefinitionSummary
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/v1/process-definitions?id=order", "", nil, &versions))
	assert.Len(t, versions, 1)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	var def DefinitionSummary
	require.Equal(t, http.StatusCreated, call(t, ts, http.MethodPost, "/v1/process-definitions", "application/yaml", []byte(orderProcess), &def))
	var started StartProcessResponse
	require.Equal(t, http.StatusCreated, call(t, ts, http.MethodPost, "/v1/process-instances", "application/json",
		jsonBody(t, bpmn.StartCommand{DefinitionKey: def.Key, Variables: map[string]any{"orderId": "o-1"}}), &started))
	require.Equal(t, http.StatusNoContent, call(t, ts, http.MethodPost, fmt.Sprintf("/v1/process-instances/%d/cancel", started.Key), "application/json",
		jsonBody(t, CancelRequest{Reason: "test"}), nil))

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        []byte
		status      int
		code        string
	}{
		{"unknown instance", http.MethodGet, "/v1/process-instances/123", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"unknown definition", http.MethodPost, "/v1/process-instances", "application/json", []byte(`{"definitionId":"nope"}`), http.StatusNotFound, "NOT_FOUND"},
		{"cancel twice", http.MethodPost, fmt.Sprintf("/v1/process-instances/%d/cancel", started.Key), "", nil, http.StatusConflict, "ALREADY_TERMINAL"},
		{"suspend cancelled", http.MethodPost, fmt.Sprintf("/v1/process-instances/%d/suspend", started.Key), "", nil, http.StatusConflict, "ALREADY_TERMINAL"},
		{"invalid key", http.MethodGet, "/v1/process-instances/abc", "", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"malformed body", http.MethodPost, "/v1/process-instances", "application/json", []byte(`{`), http.StatusBadRequest, "BAD_REQUEST"},
		{"missing topic", http.MethodGet, "/v1/tasks", "", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"invalid definition", http.MethodPost, "/v1/process-definitions", "application/yaml", []byte("id: broken\nactivities:\n  - {id: end, kind: event, eventType: end}\n"), http.StatusUnprocessableEntity, "DEFINITION_INVALID"},
		{"invalid expression", http.MethodPost, "/v1/process-definitions", "application/yaml", []byte(`
id: badexpr
activities:
  - {id: start, kind: event, eventType: start}
  - {id: gw, kind: exclusive-gateway}
  - {id: a, kind: event, eventType: end}
  - {id: b, kind: event, eventType: end}
transitions:
  - {id: f1, source: start, target: gw}
  - {id: f2, source: gw, target: a, condition: "${amount >}"}
  - {id: f3, source: gw, target: b}
`), http.StatusUnprocessableEntity, "EXPRESSION_INVALID"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// when
			var body apierror.ApiError
			status := call(t, ts, tc.method, tc.path, tc.contentType, tc.body, &body)

			// then
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestSystemEndpoints(t *testing.T) {
	// given
	ts := newTestServer(t)

	// when
	var status map[string]string
	code := call(t, ts, http.MethodGet, "/system/status", "", nil, &status)

	// then
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, status["engine"], "Zenflow-Engine")

	resp, err := ts.Client().Get(ts.URL + "/system/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

const pickerProcess = `
id: picker
activities:
  - {id: start, kind: event, eventType: start}
  - {id: choose, kind: task, topic: choose}
  - {id: decide, kind: exclusive-gateway}
  - {id: second, kind: task, topic: second}
  - {id: other, kind: task, topic: other}
  - {id: end, kind: event, eventType: end}
transitions:
  - {id: f1, source: start, target: choose}
  - {id: f2, source: choose, target: decide}
  - {id: toSecond, source: decide, target: second, condition: "${items[pick] == 'b' and count * 2 == 6}"}
  - {id: toOther, source: decide, target: other}
  - {id: f5, source: second, target: end}
  - {id: f6, source: other, target: end}
`

func TestJsonIntegersStayIntegers(t *testing.T) {
	// given
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, call(t, ts, http.MethodPost, "/v1/process-definitions", "application/yaml", []byte(pickerProcess), nil))
	var started StartProcessResponse
	require.Equal(t, http.StatusCreated, call(t, ts, http.MethodPost, "/v1/process-instances", "application/json",
		[]byte(`{"definitionId": "picker", "variables": {"items": ["a", "b"]}}`), &started))
	var tasks []bpmn.Task
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/v1/tasks?topic=choose", "", nil, &tasks))
	require.Len(t, tasks, 1)

	// when the worker answers with plain JSON numbers
	status := call(t, ts, http.MethodPost,
		fmt.Sprintf("/v1/process-instances/%d/activities/%d/complete", started.Key, tasks[0].Key), "application/json",
		[]byte(`{"variables": {"pick": 1, "count": 3}}`), nil)

	// then they are used as integers
	require.Equal(t, http.StatusNoContent, status)
	var snapshot runtime.Snapshot
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, fmt.Sprintf("/v1/process-instances/%d", started.Key), "", nil, &snapshot))
	assert.Equal(t, runtime.ProcessActive, snapshot.Instance.Status, snapshot.Instance.FailureReason)
	require.Len(t, snapshot.ActiveActivities, 1)
	assert.Equal(t, "second", snapshot.ActiveActivities[0].ActivityId)
}
