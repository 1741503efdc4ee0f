package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HengLine/ai-diffusion-aigc/internal/model"
)

func TestJournalAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	a := &model.Task{ID: "a", Kind: model.KindText2Img, Status: model.StatusQueued, CreatedAt: time.Now().Add(-time.Minute)}
	b := &model.Task{ID: "b", Kind: model.KindImg2Img, Status: model.StatusQueued, CreatedAt: time.Now()}

	if err := j.Append(a); err != nil {
		t.Fatalf("Append a: %v", err)
	}
	if err := j.Append(b); err != nil {
		t.Fatalf("Append b: %v", err)
	}

	// Later record for the same id supersedes the first.
	a.MarkRunning()
	a.MarkSucceeded([]string{"out.png"})
	if err := j.Append(a); err != nil {
		t.Fatalf("Append a again: %v", err)
	}

	tasks, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Replay returned %d tasks, want 2", len(tasks))
	}
	// Ordered by creation time.
	if tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Errorf("order = %s, %s; want a, b", tasks[0].ID, tasks[1].ID)
	}
	if tasks[0].Status != model.StatusSucceeded {
		t.Errorf("task a status = %s, want succeeded", tasks[0].Status)
	}
	if len(tasks[0].ResultPaths) != 1 || tasks[0].ResultPaths[0] != "out.png" {
		t.Errorf("task a results = %v", tasks[0].ResultPaths)
	}
}

func TestJournalReplayEmptyDir(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	tasks, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("Replay returned %d tasks, want 0", len(tasks))
	}
}

func TestJournalReplaySkipsDamagedLines(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	good := &model.Task{ID: "good", Kind: model.KindText2Img, Status: model.StatusQueued, CreatedAt: time.Now()}
	if err := j.Append(good); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Corrupt the day file with junk lines around the good record.
	name := filepath.Join(dir, journalPrefix+time.Now().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	f.WriteString("{broken json\n\n{\"loggedAt\": \"2026-01-01T00:00:00Z\"}\n")
	f.Close()

	tasks, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "good" {
		t.Fatalf("Replay = %v, want just the good record", tasks)
	}
}

func TestJournalRemoveOlderThan(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	old := filepath.Join(dir, journalPrefix+"2026-01-01.jsonl")
	if err := os.WriteFile(old, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write old journal: %v", err)
	}
	current := &model.Task{ID: "cur", Kind: model.KindText2Img, Status: model.StatusQueued, CreatedAt: time.Now()}
	if err := j.Append(current); err != nil {
		t.Fatalf("Append: %v", err)
	}

	removed, err := j.RemoveOlderThan(time.Now().AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("RemoveOlderThan: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old journal file still present")
	}

	tasks, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "cur" {
		t.Errorf("Replay after cleanup = %v, want the current task", tasks)
	}
}
