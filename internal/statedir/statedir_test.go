package statedir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesLayout(t *testing.T) {
	base := t.TempDir()
	ctxDir := filepath.Join(base, "contexts", "default")

	d, err := Open(ctxDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, sub := range []string{TranscriptDirName, ToolCacheDirName} {
		if info, err := statDir(filepath.Join(d.Path, sub)); err != nil || !info {
			t.Errorf("expected subdirectory %s to exist", sub)
		}
	}
}

func statDir(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func TestMetaRoundTripAndTouch(t *testing.T) {
	d, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	m, err := d.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta empty: %v", err)
	}
	if m.CreatedAt != 0 {
		t.Errorf("fresh meta should be zero value")
	}

	m.CreatedAt = 1000
	if err := d.WriteMeta(m); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}

	if err := d.Touch(1500); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, err := d.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if got.CreatedAt != 1000 || got.LastActivityAt != 1500 {
		t.Errorf("got %+v, want CreatedAt=1000 LastActivityAt=1500", got)
	}
}

func TestShouldAutoDestroy(t *testing.T) {
	d, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := d.WriteMeta(Meta{LastActivityAt: 1000, DestroyAfterSecondsIdle: 100}); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}

	should, err := d.ShouldAutoDestroy(1050)
	if err != nil {
		t.Fatalf("ShouldAutoDestroy: %v", err)
	}
	if should {
		t.Errorf("should not auto-destroy yet at 1050")
	}

	should, err = d.ShouldAutoDestroy(1150)
	if err != nil {
		t.Fatalf("ShouldAutoDestroy: %v", err)
	}
	if !should {
		t.Errorf("should auto-destroy at 1150")
	}
}

func TestEditableFilesRoundTrip(t *testing.T) {
	d, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := d.WriteTodos("- item one"); err != nil {
		t.Fatalf("WriteTodos: %v", err)
	}
	got, err := d.ReadTodos()
	if err != nil {
		t.Fatalf("ReadTodos: %v", err)
	}
	if got != "- item one" {
		t.Errorf("ReadTodos = %q, want %q", got, "- item one")
	}

	empty, err := d.ReadGoals()
	if err != nil {
		t.Fatalf("ReadGoals: %v", err)
	}
	if empty != "" {
		t.Errorf("ReadGoals on unwritten file = %q, want empty", empty)
	}
}

func TestInboxDrainIsAtomicAndEmpty(t *testing.T) {
	d, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := d.DeliverMessage(InboxMessage{ID: "m1", From: "peer", Content: "hi", Timestamp: 1000}); err != nil {
		t.Fatalf("DeliverMessage: %v", err)
	}
	if err := d.DeliverMessage(InboxMessage{ID: "m2", From: "peer", Content: "again", Timestamp: 1001}); err != nil {
		t.Fatalf("DeliverMessage: %v", err)
	}

	msgs, err := d.DrainInbox()
	if err != nil {
		t.Fatalf("DrainInbox: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("DrainInbox returned %d messages, want 2", len(msgs))
	}

	second, err := d.DrainInbox()
	if err != nil {
		t.Fatalf("second DrainInbox: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second DrainInbox returned %d messages, want 0", len(second))
	}
}

func TestDestroyRemovesDirectory(t *testing.T) {
	base := t.TempDir()
	ctxDir := filepath.Join(base, "ctx")
	d, err := Open(ctxDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if ok, _ := statDir(ctxDir); ok {
		t.Errorf("directory still exists after Destroy")
	}
}
