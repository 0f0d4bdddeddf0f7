package store

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/anteroom/anteroom/pkg/models"
)

func TestRewindDeletesTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, _ := s.CreateConversation(ctx, "t")
	for i := 0; i < 5; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		s.AppendMessage(ctx, conv.ID, role, "m")
	}

	res, err := s.Rewind(ctx, conv.ID, 1, false, "", "")
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if res.DeletedMessages != 3 {
		t.Errorf("deleted = %d", res.DeletedMessages)
	}

	msgs, _ := s.ListMessages(ctx, conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("got %d survivors", len(msgs))
	}
	for i, m := range msgs {
		if m.Position != i {
			t.Errorf("survivor position = %d", m.Position)
		}
	}

	// Appending after a rewind continues the dense sequence.
	msg, err := s.AppendMessage(ctx, conv.ID, models.RoleUser, "again")
	if err != nil {
		t.Fatalf("append after rewind: %v", err)
	}
	if msg.Position != 2 {
		t.Errorf("position after rewind = %d", msg.Position)
	}
}

func TestRewindNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, _ := s.CreateConversation(ctx, "t")
	s.AppendMessage(ctx, conv.ID, models.RoleUser, "m")

	res, err := s.Rewind(ctx, conv.ID, 5, true, "", "")
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if res.DeletedMessages != 0 || len(res.RevertedFiles) != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestRewindRemovesDeletedAttachmentFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dataRoot := t.TempDir()

	conv, _ := s.CreateConversation(ctx, "t")
	s.AppendMessage(ctx, conv.ID, models.RoleUser, "keep")
	msg, _ := s.AppendMessage(ctx, conv.ID, models.RoleUser, "drop")
	att, err := s.SaveAttachment(ctx, msg.ID, conv.ID, "f.txt", "text/plain", []byte("x"), dataRoot)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := s.Rewind(ctx, conv.ID, 0, false, "", dataRoot); err != nil {
		t.Fatalf("rewind: %v", err)
	}

	path, _ := ResolveAttachmentPath(dataRoot, att.StoragePath)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("attachment file survived rewind")
	}
}

func TestRewindUndoFiles(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	workDir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = workDir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	tracked := filepath.Join(workDir, "tracked.txt")
	os.WriteFile(tracked, []byte("original"), 0o600)
	run("add", "tracked.txt")
	run("commit", "-m", "init")

	// Simulate the tool writes the turn made.
	os.WriteFile(tracked, []byte("modified"), 0o600)
	untracked := filepath.Join(workDir, "untracked.txt")
	os.WriteFile(untracked, []byte("new"), 0o600)

	s := newTestStore(t)
	conv, _ := s.CreateConversation(ctx, "t")
	s.AppendMessage(ctx, conv.ID, models.RoleUser, "keep")
	msg, _ := s.AppendMessage(ctx, conv.ID, models.RoleAssistant, "")
	s.RecordToolCall(ctx, msg.ID, "c1", "write_file", "",
		json.RawMessage(`{"path":"tracked.txt","content":"modified"}`))
	s.RecordToolCall(ctx, msg.ID, "c2", "write_file", "",
		json.RawMessage(`{"path":"untracked.txt","content":"new"}`))
	s.RecordToolCall(ctx, msg.ID, "c3", "read_file", "",
		json.RawMessage(`{"path":"ignored.txt"}`))

	res, err := s.Rewind(ctx, conv.ID, 0, true, workDir, "")
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if len(res.RevertedFiles) != 1 || res.RevertedFiles[0] != "tracked.txt" {
		t.Errorf("reverted = %v", res.RevertedFiles)
	}
	if len(res.SkippedFiles) != 1 || res.SkippedFiles[0] != "untracked.txt" {
		t.Errorf("skipped = %v", res.SkippedFiles)
	}

	content, _ := os.ReadFile(tracked)
	if string(content) != "original" {
		t.Errorf("tracked content = %q", content)
	}
}
