package journal

import (
	"path/filepath"
	"testing"

	"github.com/lumencanvas/clasp-sub004/internal/dispatch"
	"github.com/lumencanvas/clasp-sub004/internal/value"
)

func TestAppendAndLen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	for i := 0; i < 3; i++ {
		err := j.Append(dispatch.JournalEntry{
			Address:     "/a/b",
			Value:       value.Int(int64(i)),
			Revision:    uint64(i + 1),
			Writer:      "w1",
			TimestampUs: uint64(i),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := j.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 3 {
		t.Fatalf("got %d entries, want 3", n)
	}
}

func TestAppendRefusesWhenFull(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.db"), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	err = j.Append(dispatch.JournalEntry{Address: "/a", Value: value.Int(1)})
	if err != dispatch.ErrJournalFull {
		t.Fatalf("got %v, want ErrJournalFull once maxBytes is exceeded", err)
	}
}
