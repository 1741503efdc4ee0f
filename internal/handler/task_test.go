package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/HengLine/ai-diffusion-aigc/internal/client"
	"github.com/HengLine/ai-diffusion-aigc/internal/model"
	"github.com/HengLine/ai-diffusion-aigc/internal/queue"
	"github.com/HengLine/ai-diffusion-aigc/internal/workflow"
)

const testTemplate = `{
	"1": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": 20, "cfg": 8.0}},
	"2": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
	"3": {"class_type": "SaveImage", "inputs": {}}
}`

type idleEngine struct{}

func (idleEngine) Ping(ctx context.Context) bool { return true }
func (idleEngine) Submit(ctx context.Context, graph workflow.Graph) (string, error) {
	return "job-1", nil
}
func (idleEngine) Wait(ctx context.Context, jobID string) ([]client.Artifact, error) {
	return nil, nil
}
func (idleEngine) Fetch(ctx context.Context, a client.Artifact) ([]byte, error) {
	return nil, nil
}
func (idleEngine) UploadImage(ctx context.Context, localPath, subfolder string) (string, error) {
	return filepath.Base(localPath), nil
}

// testApp wires the task routes against a manager whose workers are not
// started, so submitted tasks stay queued and responses are deterministic.
func testApp(t *testing.T) (*fiber.App, *queue.Manager) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wf.json"), []byte(testTemplate), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	templates := make(map[model.TaskKind]string, len(model.ValidTaskKinds))
	for _, kind := range model.ValidTaskKinds {
		templates[kind] = "wf"
	}
	manager := queue.NewManager(queue.Config{
		Workers:   1,
		OutputDir: filepath.Join(dir, "outputs"),
		Templates: templates,
	}, idleEngine{}, workflow.NewStore(dir), nil, nil)
	t.Cleanup(manager.Close)

	h := NewTaskHandler(manager, validator.New())
	app := fiber.New()
	api := app.Group("/api")
	tasks := api.Group("/tasks")
	tasks.Get("/", h.List)
	tasks.Post("/:kind", h.Submit)
	tasks.Get("/:taskId", h.Status)
	tasks.Post("/:taskId/cancel", h.Cancel)
	api.Get("/queue", h.QueueStats)
	return app, manager
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var decoded map[string]any
	if len(raw) > 0 && strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, decoded
}

func TestSubmitAccepted(t *testing.T) {
	app, _ := testApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/tasks/text2img",
		`{"prompt": "a cat", "steps": 8, "width": 512, "height": 512}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["taskId"] == "" || body["taskId"] == nil {
		t.Error("taskId missing")
	}
	if body["status"] != "queued" {
		t.Errorf("status = %v, want queued", body["status"])
	}
	if body["queuePosition"] != float64(1) {
		t.Errorf("queuePosition = %v, want 1", body["queuePosition"])
	}
	if _, ok := body["estimatedWaitSeconds"]; !ok {
		t.Error("estimatedWaitSeconds missing")
	}
}

func TestSubmitUnknownKind(t *testing.T) {
	app, _ := testApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/tasks/upscale", `{"prompt": "x"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "VALIDATION_ERROR" {
		t.Errorf("error code = %v, want VALIDATION_ERROR", errObj["code"])
	}
}

func TestSubmitMissingRequiredParam(t *testing.T) {
	app, _ := testApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/tasks/img2img", `{"prompt": "a cat"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	app, _ := testApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/tasks/text2img", `{"prompt": `)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitValidationDetails(t *testing.T) {
	app, _ := testApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/tasks/text2img",
		`{"prompt": "a cat", "steps": 9000}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]any)
	details, _ := errObj["details"].(map[string]any)
	if details["Steps"] != "max" {
		t.Errorf("details = %v, want Steps:max", details)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	app, manager := testApp(t)

	task, _, _, err := manager.Submit(model.KindText2Img, map[string]any{"prompt": "a cat"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resp, body := doJSON(t, app, http.MethodGet, "/api/tasks/"+task.ID, "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["id"] != task.ID {
		t.Errorf("id = %v, want %s", body["id"], task.ID)
	}
	if body["status"] != "queued" {
		t.Errorf("status = %v, want queued", body["status"])
	}
}

func TestStatusNotFound(t *testing.T) {
	app, _ := testApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/api/tasks/does-not-exist", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "NOT_FOUND" {
		t.Errorf("error code = %v, want NOT_FOUND", errObj["code"])
	}
}

func TestCancelQueuedTask(t *testing.T) {
	app, manager := testApp(t)

	task, _, _, err := manager.Submit(model.KindText2Img, map[string]any{"prompt": "a cat"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resp, body := doJSON(t, app, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "cancelled" {
		t.Errorf("status = %v, want cancelled", body["status"])
	}
}

func TestCancelUnknownTask(t *testing.T) {
	app, _ := testApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/tasks/does-not-exist/cancel", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTasks(t *testing.T) {
	app, manager := testApp(t)

	for i := 0; i < 3; i++ {
		if _, _, _, err := manager.Submit(model.KindText2Img, map[string]any{"prompt": "x"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/?limit=2", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("GET /api/tasks: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var list []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("list has %d tasks, want 2", len(list))
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	app, manager := testApp(t)

	if _, _, _, err := manager.Submit(model.KindText2Img, map[string]any{"prompt": "x"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resp, body := doJSON(t, app, http.MethodGet, "/api/queue", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["queued"] != float64(1) {
		t.Errorf("queued = %v, want 1", body["queued"])
	}
	if body["workers"] != float64(1) {
		t.Errorf("workers = %v, want 1", body["workers"])
	}
}
