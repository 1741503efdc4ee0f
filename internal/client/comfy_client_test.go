package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HengLine/ai-diffusion-aigc/internal/workflow"
)

func testClient(baseURL string) *ComfyClient {
	return NewComfyClient(Config{
		BaseURL:        baseURL,
		PollInterval:   5 * time.Millisecond,
		PollBackoffMax: 10 * time.Millisecond,
		MaxWait:        500 * time.Millisecond,
	})
}

func sampleGraph() workflow.Graph {
	return workflow.Graph{
		"1": {"class_type": "KSampler", "inputs": map[string]any{"steps": 8}},
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			t.Errorf("path = %q, want /system_stats", r.URL.Path)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if !c.Ping(context.Background()) {
		t.Error("Ping = false against a live server")
	}

	srv.Close()
	if c.Ping(context.Background()) {
		t.Error("Ping = true against a closed server")
	}
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prompt" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Prompt   map[string]any `json:"prompt"`
			ClientID string         `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode submit body: %v", err)
		}
		if len(body.Prompt) != 1 {
			t.Errorf("prompt has %d nodes, want 1", len(body.Prompt))
		}
		if body.ClientID == "" {
			t.Error("client_id missing")
		}
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "job-1"})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	id, err := c.Submit(context.Background(), sampleGraph())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job-1" {
		t.Errorf("prompt id = %q, want job-1", id)
	}
}

func TestSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "invalid_prompt", "message": "missing node"}}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Submit(context.Background(), sampleGraph())
	if !errors.Is(err, ErrEngineRejected) {
		t.Fatalf("err = %v, want ErrEngineRejected", err)
	}
}

func TestSubmitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Submit(context.Background(), sampleGraph())
	if !errors.Is(err, ErrEngineUnreachable) {
		t.Fatalf("err = %v, want ErrEngineUnreachable", err)
	}
}

func TestPollStates(t *testing.T) {
	var entry string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(entry))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	ctx := context.Background()

	entry = `{}`
	status, _, err := c.Poll(ctx, "job-1")
	if err != nil || status != JobPending {
		t.Errorf("absent entry: status=%v err=%v, want pending", status, err)
	}

	entry = `{"job-1": {"outputs": {}, "status": {"status_str": "running"}}}`
	status, _, err = c.Poll(ctx, "job-1")
	if err != nil || status != JobRunning {
		t.Errorf("no outputs: status=%v err=%v, want running", status, err)
	}

	entry = `{"job-1": {
		"outputs": {
			"9": {"images": [{"filename": "a_00001.png", "subfolder": "", "type": "output"}]},
			"12": {"gifs": [{"filename": "a.webp", "subfolder": "anim", "type": "output"}]}
		},
		"status": {"status_str": "success", "completed": true}
	}}`
	status, artifacts, err := c.Poll(ctx, "job-1")
	if err != nil || status != JobDone {
		t.Fatalf("with outputs: status=%v err=%v, want done", status, err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(artifacts))
	}
	// Node "12" sorts before "9" lexically.
	if artifacts[0].Kind != "gif" || artifacts[0].Filename != "a.webp" {
		t.Errorf("first artifact = %+v", artifacts[0])
	}
	if artifacts[1].Kind != "image" || artifacts[1].Filename != "a_00001.png" {
		t.Errorf("second artifact = %+v", artifacts[1])
	}

	entry = `{"job-1": {
		"outputs": {},
		"status": {
			"status_str": "error",
			"messages": [["execution_error", {"exception_message": "CUDA out of memory"}]]
		}
	}}`
	status, _, err = c.Poll(ctx, "job-1")
	if status != JobErrored {
		t.Errorf("error entry: status=%v, want errored", status)
	}
	if !errors.Is(err, ErrEngineErrored) {
		t.Errorf("err = %v, want ErrEngineErrored", err)
	}
}

func TestWaitCompletes(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 3 {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"job-1": {
			"outputs": {"9": {"images": [{"filename": "out.png", "subfolder": "", "type": "output"}]}},
			"status": {"status_str": "success", "completed": true}
		}}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	artifacts, err := c.Wait(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Filename != "out.png" {
		t.Errorf("artifacts = %+v", artifacts)
	}
	if polls < 3 {
		t.Errorf("polls = %d, want at least 3", polls)
	}
}

func TestWaitTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewComfyClient(Config{
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		MaxWait:      30 * time.Millisecond,
	})
	_, err := c.Wait(context.Background(), "job-1")
	if !errors.Is(err, ErrEngineTimeout) {
		t.Fatalf("err = %v, want ErrEngineTimeout", err)
	}
}

func TestWaitHonorsCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	c := testClient(srv.URL)
	_, err := c.Wait(ctx, "job-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view" {
			t.Errorf("path = %q, want /view", r.URL.Path)
		}
		if r.URL.Query().Get("filename") == "missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	data, err := c.Fetch(context.Background(), Artifact{Filename: "out.png", FolderType: "output"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("data = %q", data)
	}

	_, err = c.Fetch(context.Background(), Artifact{Filename: "missing.png", FolderType: "output"})
	if !errors.Is(err, ErrArtifactUnavailable) {
		t.Fatalf("err = %v, want ErrArtifactUnavailable", err)
	}
}

func TestUploadImage(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cat.png")
	if err := os.WriteFile(src, []byte("fake-png"), 0o644); err != nil {
		t.Fatalf("write source image: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/image" {
			t.Errorf("path = %q, want /upload/image", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		f, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		f.Close()
		json.NewEncoder(w).Encode(map[string]string{
			"name":      header.Filename,
			"subfolder": r.FormValue("subfolder"),
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	rel, err := c.UploadImage(context.Background(), src, "uploads")
	if err != nil {
		t.Fatalf("UploadImage: %v", err)
	}
	if rel != "uploads/cat.png" {
		t.Errorf("rel = %q, want uploads/cat.png", rel)
	}
}

func TestArtifactRelPath(t *testing.T) {
	a := Artifact{Filename: "out.png"}
	if a.RelPath() != "out.png" {
		t.Errorf("RelPath = %q", a.RelPath())
	}
	a.Subfolder = "batch1"
	if a.RelPath() != "batch1/out.png" {
		t.Errorf("RelPath = %q", a.RelPath())
	}
}
