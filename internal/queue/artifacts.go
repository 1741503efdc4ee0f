package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/HengLine/ai-diffusion-aigc/internal/client"
)

// saveArtifacts downloads every artifact of a finished job into a
// per-task directory under the configured output root. Paths come back
// in the engine's output order.
func (m *Manager) saveArtifacts(ctx context.Context, taskID string, artifacts []client.Artifact) ([]string, error) {
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%w: job produced no outputs", client.ErrArtifactUnavailable)
	}

	dir := filepath.Join(m.cfg.OutputDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		data, err := m.engine.Fetch(ctx, a)
		if err != nil {
			return nil, err
		}
		dst := filepath.Join(dir, filepath.Base(a.Filename))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, fmt.Errorf("write artifact %s: %w", a.Filename, err)
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

func localFileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func removeResultDir(outputDir, taskID string) {
	if outputDir == "" || taskID == "" {
		return
	}
	dir := filepath.Join(outputDir, taskID)
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("[Queue] Failed to remove result directory %s: %v", dir, err)
	}
}
