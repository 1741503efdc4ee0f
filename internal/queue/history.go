package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HengLine/ai-diffusion-aigc/internal/model"
)

// Journal persists task state transitions as line-delimited JSON records,
// one file per day. Replaying the journal at startup restores task history
// and requeues work that was interrupted mid-flight.
type Journal struct {
	dir string
	mu  sync.Mutex
}

type journalRecord struct {
	LoggedAt time.Time   `json:"loggedAt"`
	Task     *model.Task `json:"task"`
}

const journalPrefix = "tasks-"

func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Append writes the task's current state as one JSON line. Records are
// full-state, so the latest line per task id wins on replay.
func (j *Journal) Append(t *model.Task) error {
	now := time.Now()
	rec := journalRecord{LoggedAt: now, Task: t}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	name := filepath.Join(j.dir, journalPrefix+now.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

// Replay reads every journal file and returns the latest known state of
// each task, ordered by creation time.
func (j *Journal) Replay() ([]*model.Task, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.journalFiles()
	if err != nil {
		return nil, err
	}

	latest := make(map[string]journalRecord)
	for _, file := range files {
		if err := replayFile(file, latest); err != nil {
			// A damaged history file should not prevent startup.
			log.Printf("[Journal] Skipping unreadable journal %s: %v", file, err)
		}
	}

	tasks := make([]*model.Task, 0, len(latest))
	for _, rec := range latest {
		tasks = append(tasks, rec.Task)
	}
	sort.Slice(tasks, func(i, k int) bool {
		return tasks[i].CreatedAt.Before(tasks[k].CreatedAt)
	})
	return tasks, nil
}

// RemoveOlderThan deletes journal files whose date falls before the cutoff.
// Returns how many files were removed.
func (j *Journal) RemoveOlderThan(cutoff time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.journalFiles()
	if err != nil {
		return 0, err
	}

	removed := 0
	day := cutoff.Format("2006-01-02")
	for _, file := range files {
		base := filepath.Base(file)
		date := strings.TrimSuffix(strings.TrimPrefix(base, journalPrefix), ".jsonl")
		if date < day {
			if err := os.Remove(file); err != nil {
				return removed, fmt.Errorf("remove journal %s: %w", base, err)
			}
			removed++
		}
	}
	return removed, nil
}

func (j *Journal) journalFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(j.dir, journalPrefix+"*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("list journals: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func replayFile(file string, latest map[string]journalRecord) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Task == nil || rec.Task.ID == "" {
			continue
		}
		if prev, ok := latest[rec.Task.ID]; !ok || rec.LoggedAt.After(prev.LoggedAt) {
			latest[rec.Task.ID] = rec
		}
	}
	return scanner.Err()
}
