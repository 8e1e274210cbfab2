package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airsalso/dokodemodoor/internal/core"
)

func TestReadInRoot_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "deliverables"), 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "deliverables", "a.md")
	if err := os.WriteFile(p, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	for _, rel := range []string{"deliverables/a.md", p} {
		b, err := ReadInRoot(dir, rel)
		if err != nil {
			t.Fatalf("ReadInRoot(%q) error: %v", rel, err)
		}
		if string(b) != "hello" {
			t.Fatalf("unexpected content: %q", string(b))
		}
	}
}

func TestReadInRoot_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(filepath.Dir(dir), "secret.txt")

	for _, rel := range []string{"../secret.txt", "a/../../secret.txt", outside} {
		_, err := ReadInRoot(dir, rel)
		if err == nil {
			t.Fatalf("expected error for %q", rel)
		}
		if !core.IsKind(err, core.KindSecurity) {
			t.Errorf("ReadInRoot(%q) kind = %s, want security", rel, core.KindOf(err))
		}
	}
}

func TestReadInRoot_Missing(t *testing.T) {
	if _, err := ReadInRoot(t.TempDir(), "nope.md"); !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestCopyTree_OverwritesAndKeeps(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	mustWrite(t, filepath.Join(src, "a.md"), "new a")
	mustWrite(t, filepath.Join(src, "nested", "b.json"), "{}")
	mustWrite(t, filepath.Join(dst, "a.md"), "old a")
	mustWrite(t, filepath.Join(dst, "only-dst.txt"), "keep me")

	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	tests := map[string]string{
		"a.md":          "new a",
		"nested/b.json": "{}",
		"only-dst.txt":  "keep me",
	}
	for rel, want := range tests {
		got, err := os.ReadFile(filepath.Join(dst, rel))
		if err != nil {
			t.Fatalf("reading %s: %v", rel, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", rel, got, want)
		}
	}
}

func TestCopyTree_MissingSource(t *testing.T) {
	if err := CopyTree(filepath.Join(t.TempDir(), "absent"), t.TempDir()); err != nil {
		t.Errorf("CopyTree on missing source: %v", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "session.json")

	if err := WriteFileAtomic(path, []byte(`{"v":1}`), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"v":2}`), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("content = %q", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteFileAtomic_LeftoverTempDoesNotTouchTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	if err := WriteFileAtomic(path, []byte(`{"complete":true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	// A writer that crashed before rename leaves only a temp sibling behind.
	mustWrite(t, filepath.Join(dir, ".session.json.12345"), `{"compl`)

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"complete":true}` {
		t.Errorf("target changed by an interrupted write: %q", got)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
