package blob

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"audiopaste/pkg/domain"

	"github.com/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(t.TempDir(), ".webm")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	content := []byte("webm audio payload")
	path, err := s.Put("deadbeef", content)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(path, "deadbeef.webm") {
		t.Errorf("unexpected blob path: %s", path)
	}
	got, err := s.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestPutReplacesInPlace(t *testing.T) {
	s := newTestStore(t)
	p1, err := s.Put("cafe0001", []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.Put("cafe0001", []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("rewrite moved the blob: %s vs %s", p1, p2)
	}
	got, _ := s.Get(p2)
	if string(got) != "second" {
		t.Errorf("expected replaced content, got %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(filepath.Join(s.Root(), "nope.webm"))
	if !errors.Is(err, domain.ErrBlobMissing) {
		t.Errorf("expected ErrBlobMissing, got %v", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete(filepath.Join(s.Root(), "nope.webm"))
	if !errors.Is(err, domain.ErrBlobMissing) {
		t.Errorf("expected ErrBlobMissing, got %v", err)
	}
}

func TestContains(t *testing.T) {
	s := newTestStore(t)
	path, err := s.Put("feedface", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Contains(path) {
		t.Errorf("stored blob reported outside root: %s", path)
	}
	if s.Contains("/etc/passwd") {
		t.Error("absolute path outside root reported as contained")
	}
	escape := filepath.Join(s.Root(), "..", "elsewhere.webm")
	if s.Contains(escape) {
		t.Errorf("traversal path reported as contained: %s", escape)
	}
}

func TestListIgnoresStrays(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put("aaaa1111", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put("bbbb2222", []byte("two")); err != nil {
		t.Fatal(err)
	}
	// Strays: an in-flight temp file and an unrelated file.
	if err := os.WriteFile(filepath.Join(s.Root(), "cccc3333.webm.tmp"), []byte("partial"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Root(), "notes.txt"), []byte("hi"), 0o640); err != nil {
		t.Fatal(err)
	}
	infos, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 blobs, got %d", len(infos))
	}
	for _, info := range infos {
		if !strings.HasSuffix(info.Path, ".webm") {
			t.Errorf("non-suffixed file listed: %s", info.Path)
		}
		if info.ModTime.IsZero() {
			t.Errorf("zero mod time for %s", info.Path)
		}
	}
}
