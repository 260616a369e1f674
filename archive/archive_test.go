// archive/archive_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
)

func makeTree(t *testing.T) (string, map[string][]byte, []string) {
	root := t.TempDir()
	contents := map[string][]byte{
		"a.txt":           []byte("hello"),
		"sub/b.bin":       make([]byte, 100000),
		"sub/deeper/c.md": []byte("# notes\n"),
		"empty":           nil,
	}
	_, _ = rand.Read(contents["sub/b.bin"])

	mtime := time.Date(2022, 5, 6, 7, 8, 9, 0, time.UTC)
	var files []string
	for name, b := range contents {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, b, 0640); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
		files = append(files, p)
	}
	return root, contents, files
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, store := range []bool{false, true} {
		root, contents, files := makeTree(t)
		zipPath := filepath.Join(t.TempDir(), "payload.zip")
		stats, err := CreateFile(ctx, zipPath, root, files, Options{Store: store})
		if err != nil {
			t.Fatal(err)
		}
		if stats.Files != len(contents) {
			t.Errorf("archived %d files, expected %d", stats.Files, len(contents))
		}

		names, err := List(zipPath)
		if err != nil {
			t.Fatal(err)
		}
		expected := []string{"a.txt", "empty", "sub/b.bin", "sub/deeper/c.md"}
		if len(names) != len(expected) {
			t.Fatalf("got entries %v", names)
		}
		for i := range names {
			if names[i] != expected[i] {
				t.Errorf("entry %d: got %s, expected %s", i, names[i], expected[i])
			}
		}

		dest := t.TempDir()
		extracted, err := Extract(ctx, zipPath, dest)
		if err != nil {
			t.Fatal(err)
		}
		if len(extracted) != len(contents) {
			t.Errorf("extracted %d files", len(extracted))
		}
		for name, b := range contents {
			p := filepath.Join(dest, filepath.FromSlash(name))
			got, err := os.ReadFile(p)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, b) {
				t.Errorf("%s: contents mismatch", name)
			}
			fi, _ := os.Stat(p)
			if fi.ModTime().Year() != 2022 {
				t.Errorf("%s: modification time not restored: %s", name, fi.ModTime())
			}
		}
	}
}

func TestDeterministic(t *testing.T) {
	root, _, files := makeTree(t)
	var a, b bytes.Buffer
	if _, err := Create(context.Background(), &a, root, files, Options{Store: true}); err != nil {
		t.Fatal(err)
	}
	// Same files, different order.
	rev := append([]string(nil), files...)
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	if _, err := Create(context.Background(), &b, root, rev, Options{Store: true}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Errorf("archives of the same files differ")
	}
}

func TestOutsideRoot(t *testing.T) {
	root, _, _ := makeTree(t)
	other := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(other, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := Create(context.Background(), &buf, root, []string{other}, Options{}); err == nil {
		t.Errorf("expected error for file outside root")
	}
}

func TestVanishedFile(t *testing.T) {
	root, contents, files := makeTree(t)
	files = append(files, filepath.Join(root, "gone"))
	var buf bytes.Buffer
	stats, err := Create(context.Background(), &buf, root, files, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Files != len(contents) {
		t.Errorf("archived %d files", stats.Files)
	}
	if len(stats.Skipped) != 1 || stats.Skipped[0] != filepath.Join(root, "gone") {
		t.Errorf("skipped %v", stats.Skipped)
	}
}

func TestUnreadableFile(t *testing.T) {
	root, contents, files := makeTree(t)
	locked := filepath.Join(root, "sub", "b.bin")

	// Running as root, so permissions can't be relied on to block the
	// read.
	defer func(f func(string) (*os.File, error)) { openFile = f }(openFile)
	openFile = func(name string) (*os.File, error) {
		if name == locked {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
		}
		return os.Open(name)
	}

	zipPath := filepath.Join(t.TempDir(), "payload.zip")
	stats, err := CreateFile(context.Background(), zipPath, root, files, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Files != len(contents)-1 {
		t.Errorf("archived %d files, expected %d", stats.Files, len(contents)-1)
	}
	if len(stats.Skipped) != 1 || stats.Skipped[0] != locked {
		t.Errorf("skipped %v, expected %s", stats.Skipped, locked)
	}

	names, err := List(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if n == "sub/b.bin" {
			t.Errorf("unreadable file archived")
		}
	}
}

func TestUnsafeEntries(t *testing.T) {
	for _, name := range []string{"../evil", "/etc/passwd", `a\..\..\b`, "a/../../b"} {
		zipPath := filepath.Join(t.TempDir(), "evil.zip")
		f, err := os.Create(zipPath)
		if err != nil {
			t.Fatal(err)
		}
		zw := zip.NewWriter(f)
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("gotcha"))
		zw.Close()
		f.Close()

		dest := t.TempDir()
		if _, err := Extract(context.Background(), zipPath, dest); !errors.Is(err, ErrUnsafePath) {
			t.Errorf("%s: expected ErrUnsafePath, got %v", name, err)
		}
	}
}

func TestCancelled(t *testing.T) {
	root, _, files := makeTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	if _, err := CreateFile(ctx, filepath.Join(dir, "p.zip"), root, files, Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("cancelled archive left %d files behind", len(entries))
	}
}
