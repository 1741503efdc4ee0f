package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/HengLine/ai-diffusion-aigc/internal/workflow"
)

// JobStatus is the engine-side state of one submitted graph.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobErrored JobStatus = "errored"
)

// Artifact describes one output file the engine produced.
type Artifact struct {
	Kind       string `json:"kind"` // image, video, gif
	Filename   string `json:"filename"`
	Subfolder  string `json:"subfolder"`
	FolderType string `json:"folderType"` // engine storage type, usually "output"
}

// RelPath is the engine-relative location of the artifact.
func (a Artifact) RelPath() string {
	if a.Subfolder == "" {
		return a.Filename
	}
	return path.Join(a.Subfolder, a.Filename)
}

// Config holds the tunables for talking to the engine.
type Config struct {
	BaseURL        string
	ClientID       string
	PingTimeout    time.Duration
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollBackoffMax time.Duration
	MaxWait        time.Duration
}

// ComfyClient talks to a ComfyUI server over its HTTP API. The engine runs
// asynchronously and exposes no callback channel, so completion is observed
// by polling the history endpoint.
type ComfyClient struct {
	httpClient *http.Client
	pingClient *http.Client
	cfg        Config
}

// maxConsecutivePollFailures bounds transport errors tolerated inside one
// poll loop before the attempt is declared unreachable.
const maxConsecutivePollFailures = 10

func NewComfyClient(cfg Config) *ComfyClient {
	if cfg.ClientID == "" {
		cfg.ClientID = "hengline-aigc"
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollBackoffMax <= 0 {
		cfg.PollBackoffMax = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	return &ComfyClient{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		pingClient: &http.Client{Timeout: cfg.PingTimeout},
		cfg:        cfg,
	}
}

// Ping probes engine liveness with a short timeout.
func (c *ComfyClient) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.pingClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Submit posts a bound graph and returns the engine's job id.
func (c *ComfyClient) Submit(ctx context.Context, graph workflow.Graph) (string, error) {
	payload := map[string]any{
		"prompt":    graph,
		"client_id": c.cfg.ClientID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[ComfyUI] → POST %s/prompt (%d nodes)", c.cfg.BaseURL, len(graph))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrEngineUnreachable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to parse
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The engine returns a structured error payload for malformed
		// graphs; keep it verbatim for diagnosis.
		log.Printf("[ComfyUI] ✗ submit rejected (%d): %s", resp.StatusCode, respBody)
		return "", fmt.Errorf("%w (status %d): %s", ErrEngineRejected, resp.StatusCode, respBody)
	default:
		return "", fmt.Errorf("%w: status %d: %s", ErrEngineUnreachable, resp.StatusCode, respBody)
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || result.PromptID == "" {
		return "", fmt.Errorf("%w: submit response has no prompt_id: %s", ErrEngineRejected, respBody)
	}

	log.Printf("[ComfyUI] Submitted, prompt_id=%s", result.PromptID)
	return result.PromptID, nil
}

// Poll reads the job's history entry once. A missing entry means the job is
// still queued engine-side; an entry without outputs means it is running.
func (c *ComfyClient) Poll(ctx context.Context, jobID string) (JobStatus, []Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/history/"+url.PathEscape(jobID), nil)
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read response: %v", ErrEngineUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("%w: history status %d", ErrEngineUnreachable, resp.StatusCode)
	}

	var history map[string]historyEntry
	if err := json.Unmarshal(respBody, &history); err != nil {
		return "", nil, fmt.Errorf("%w: parse history: %v", ErrEngineUnreachable, err)
	}

	entry, ok := history[jobID]
	if !ok {
		return JobPending, nil, nil
	}
	if entry.Status.StatusStr == "error" {
		return JobErrored, nil, fmt.Errorf("%w: %s", ErrEngineErrored, entry.errorMessage())
	}
	if len(entry.Outputs) == 0 {
		return JobRunning, nil, nil
	}
	return JobDone, entry.artifacts(), nil
}

// Wait polls the job until it completes, errors, or the configured max wait
// elapses. Transport failures back off exponentially and are tolerated up to
// a bound before the attempt counts as unreachable.
func (c *ComfyClient) Wait(ctx context.Context, jobID string) ([]Artifact, error) {
	deadline := time.Now().Add(c.cfg.MaxWait)
	interval := c.cfg.PollInterval
	failures := 0

	for attempt := 1; ; attempt++ {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: job %s still incomplete after %v", ErrEngineTimeout, jobID, c.cfg.MaxWait)
		}

		status, artifacts, err := c.Poll(ctx, jobID)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && isTransient(err):
			failures++
			log.Printf("[ComfyUI] Poll #%d (job=%s) transport error (%d consecutive): %v", attempt, jobID, failures, err)
			if failures >= maxConsecutivePollFailures {
				return nil, fmt.Errorf("%w: %d consecutive poll failures", ErrEngineUnreachable, failures)
			}
			interval = minDuration(interval*2, c.cfg.PollBackoffMax)
		case err != nil:
			return nil, err
		case status == JobDone:
			log.Printf("[ComfyUI] Job %s done with %d artifact(s)", jobID, len(artifacts))
			return artifacts, nil
		default:
			failures = 0
			interval = c.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Fetch downloads one artifact's bytes.
func (c *ComfyClient) Fetch(ctx context.Context, a Artifact) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", a.Filename)
	q.Set("subfolder", a.Subfolder)
	q.Set("type", a.FolderType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrArtifactUnavailable, a.RelPath())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: view status %d for %s", ErrArtifactUnavailable, resp.StatusCode, a.RelPath())
	}
	return io.ReadAll(resp.Body)
}

// UploadImage pushes a local source image to the engine's input storage and
// returns the engine-relative path to reference it in a graph.
func (c *ComfyClient) UploadImage(ctx context.Context, localPath, subfolder string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if subfolder != "" {
		mw.WriteField("subfolder", subfolder)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrEngineUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w (status %d): %s", ErrEngineRejected, resp.StatusCode, respBody)
	}

	var result struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || result.Name == "" {
		return "", fmt.Errorf("%w: upload response: %s", ErrEngineRejected, respBody)
	}

	rel := result.Name
	if result.Subfolder != "" {
		rel = path.Join(result.Subfolder, result.Name)
	}
	log.Printf("[ComfyUI] Uploaded %s as %s", localPath, rel)
	return rel, nil
}

// historyEntry mirrors the fields we read from /history responses.
type historyEntry struct {
	Outputs map[string]nodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string  `json:"status_str"`
		Completed bool    `json:"completed"`
		Messages  [][]any `json:"messages"`
	} `json:"status"`
}

type nodeOutput struct {
	Images []artifactInfo `json:"images"`
	Videos []artifactInfo `json:"videos"`
	Gifs   []artifactInfo `json:"gifs"`
}

type artifactInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// artifacts flattens node outputs into an ordered artifact list. Node ids
// are visited in sorted order so the sequence is stable across polls.
func (e historyEntry) artifacts() []Artifact {
	ids := make([]string, 0, len(e.Outputs))
	for id := range e.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Artifact
	for _, id := range ids {
		no := e.Outputs[id]
		for _, a := range no.Images {
			out = append(out, Artifact{Kind: "image", Filename: a.Filename, Subfolder: a.Subfolder, FolderType: a.Type})
		}
		for _, a := range no.Videos {
			out = append(out, Artifact{Kind: "video", Filename: a.Filename, Subfolder: a.Subfolder, FolderType: a.Type})
		}
		for _, a := range no.Gifs {
			out = append(out, Artifact{Kind: "gif", Filename: a.Filename, Subfolder: a.Subfolder, FolderType: a.Type})
		}
	}
	return out
}

// errorMessage digs a human-readable message out of the status block.
func (e historyEntry) errorMessage() string {
	for _, msg := range e.Status.Messages {
		if len(msg) < 2 {
			continue
		}
		if kind, ok := msg[0].(string); !ok || kind != "execution_error" {
			continue
		}
		if detail, ok := msg[1].(map[string]any); ok {
			if m, ok := detail["exception_message"].(string); ok && m != "" {
				return m
			}
		}
	}
	return "engine reported execution error"
}

func isTransient(err error) bool {
	// Only transport-level trouble is worth another poll; everything else
	// is an engine verdict.
	return errors.Is(err, ErrEngineUnreachable)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
