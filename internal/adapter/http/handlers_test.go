package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	hghttp "github.com/hivegrid/hivegrid/internal/adapter/http"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/domain/task"
	"github.com/hivegrid/hivegrid/internal/port/executor"
	"github.com/hivegrid/hivegrid/internal/service"
)

func newTestServer(t *testing.T, delegationCfg config.Delegation) *httptest.Server {
	t.Helper()

	delegation := service.NewDelegationManager(delegationCfg, nil, nil)
	conflicts := service.NewConflictManager(config.Defaults().Conflict, service.NewDetector(nil), nil, nil, nil)

	factory := func(string) executor.Executor {
		return executor.Func(func(_ context.Context, req *task.Request) (*task.Result, error) {
			return &task.Result{TaskID: req.ID, Success: true}, nil
		})
	}

	r := chi.NewRouter()
	hghttp.MountRoutes(r, hghttp.NewHandlers(delegation, conflicts, factory))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRegisterAndGetAgent(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp := postJSON(t, srv.URL+"/api/v1/agents", `{"id":"agent-a","name":"Worker A","capabilities":["analysis"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["id"] != "agent-a" {
		t.Fatalf("expected registered agent in response, got %v", body)
	}

	resp, err := http.Get(srv.URL + "/api/v1/agents/agent-a")
	if err != nil {
		t.Fatalf("GET agent: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["name"] != "Worker A" {
		t.Fatalf("expected agent name, got %v", body)
	}
	caps, _ := body["capabilities"].([]any)
	if len(caps) != 1 || caps[0] != "analysis" {
		t.Fatalf("expected capabilities in agent JSON, got %v", body["capabilities"])
	}
}

func doDelete(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("build DELETE %s: %v", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	return resp
}

func TestRegisterAgentMissingID(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp := postJSON(t, srv.URL+"/api/v1/agents", `{"name":"anonymous"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp, err := http.Get(srv.URL + "/api/v1/agents/ghost")
	if err != nil {
		t.Fatalf("GET agent: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp := postJSON(t, srv.URL+"/api/v1/tasks", `{"description":"summarize logs","type":"analysis","priority":2}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	id, _ := body["task_id"].(string)
	if id == "" {
		t.Fatalf("expected task_id in response, got %v", body)
	}

	resp, err := http.Get(srv.URL + "/api/v1/tasks/" + id)
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["task_id"] != id {
		t.Fatalf("expected task status for %s, got %v", id, body)
	}
}

func TestSubmitTaskRequiresDescription(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp := postJSON(t, srv.URL+"/api/v1/tasks", `{"type":"analysis"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitTaskQueueFull(t *testing.T) {
	cfg := config.Defaults().Delegation
	cfg.MaxQueueSize = 1
	srv := newTestServer(t, cfg)

	resp := postJSON(t, srv.URL+"/api/v1/tasks", `{"description":"first","type":"general"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for first task, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/v1/tasks", `{"description":"second","type":"general"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 when queue is full, got %d", resp.StatusCode)
	}
}

func TestCancelQueuedTaskOverHTTP(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp := postJSON(t, srv.URL+"/api/v1/tasks", `{"description":"cancel me","type":"general"}`)
	body := decodeBody(t, resp)
	id, _ := body["task_id"].(string)
	if id == "" {
		t.Fatalf("expected task_id, got %v", body)
	}

	resp = doDelete(t, srv.URL+"/api/v1/tasks/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["status"] != "cancelled" {
		t.Fatalf("expected cancelled status, got %v", body)
	}

	// Cancelling a terminal task conflicts; an unknown one is absent.
	resp = doDelete(t, srv.URL+"/api/v1/tasks/"+id)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 re-cancelling, got %d", resp.StatusCode)
	}
	resp = doDelete(t, srv.URL+"/api/v1/tasks/nope")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/nope")
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestResourceLifecycle(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp := postJSON(t, srv.URL+"/api/v1/resources", `{"id":"gpu-0","type":"compute","capacity":2}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["id"] != "gpu-0" {
		t.Fatalf("expected resource snapshot, got %v", body)
	}

	resp, err := http.Get(srv.URL + "/api/v1/resources")
	if err != nil {
		t.Fatalf("GET resources: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(list))
	}

	resp = doDelete(t, srv.URL+"/api/v1/resources/gpu-0")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 unregistering resource, got %d", resp.StatusCode)
	}
	resp = doDelete(t, srv.URL+"/api/v1/resources/gpu-0")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered resource, got %d", resp.StatusCode)
	}
}

func TestCreateResourceRejectsZeroCapacity(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp := postJSON(t, srv.URL+"/api/v1/resources", `{"id":"gpu-0","type":"compute","capacity":0}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestReleaseResourceByNonHolder(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp := postJSON(t, srv.URL+"/api/v1/resources", `{"id":"gpu-0","type":"compute","capacity":2}`)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/resources/gpu-0/release", `{"agent_id":"agent-a","amount":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 releasing unheld resource, got %d", resp.StatusCode)
	}
}

func TestConflictEndpoints(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp, err := http.Get(srv.URL + "/api/v1/conflicts")
	if err != nil {
		t.Fatalf("GET conflicts: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/v1/conflicts/stats")
	if err != nil {
		t.Fatalf("GET conflict stats: %v", err)
	}
	body := decodeBody(t, resp)
	if _, ok := body["detected"]; !ok {
		t.Fatalf("expected stats payload, got %v", body)
	}

	resp, err = http.Get(srv.URL + "/api/v1/conflicts/ghost")
	if err != nil {
		t.Fatalf("GET conflict: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if _, ok := body["pending_tasks"]; !ok {
		t.Fatalf("expected delegation status payload, got %v", body)
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv := newTestServer(t, config.Defaults().Delegation)

	resp, err := http.Get(srv.URL + "/api/v1/")
	if err != nil {
		t.Fatalf("GET version: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["version"] == "" {
		t.Fatalf("expected version field, got %v", body)
	}
}
