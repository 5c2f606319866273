// Copyright 2024 Red Hat, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guestfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
)

func newTestFS(t *testing.T, readOnly bool) *FS {
	t.Helper()
	return New(t.TempDir(), readOnly)
}

func TestPathEscapeRejected(t *testing.T) {
	fs := newTestFS(t, false)
	_, err := fs.ReadFile("/../../../etc/passwd")
	if !coreerr.Is(err, coreerr.PathEscape) {
		t.Fatalf("err = %v, want PathEscape", err)
	}
}

func TestPathEscapeViaDotDotMiddle(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.Mkdir("/a/b", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	_, err := fs.ReadFile("/a/b/../../../../etc/shadow")
	if !coreerr.Is(err, coreerr.PathEscape) {
		t.Fatalf("err = %v, want PathEscape", err)
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	fs := newTestFS(t, false)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(fs.root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}
	_, err := fs.ReadFile("/escape/secret")
	if !coreerr.Is(err, coreerr.PathEscape) {
		t.Fatalf("err = %v, want PathEscape", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t, false)
	data := []byte("hello guest")
	if err := fs.Write("/greeting.txt", data, 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := fs.ReadFile("/greeting.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadFile = %q, want %q", got, data)
	}
}

func TestWriteRejectedWhenReadOnly(t *testing.T) {
	fs := newTestFS(t, true)
	err := fs.Write("/x", []byte("y"), 0o644)
	if !coreerr.Is(err, coreerr.ReadOnly) {
		t.Fatalf("err = %v, want ReadOnly", err)
	}
}

func TestRmOnDirectoryFails(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.Mkdir("/adir", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	err := fs.Rm("/adir")
	if !coreerr.Is(err, coreerr.NotAFile) {
		t.Fatalf("err = %v, want NotAFile", err)
	}
}

func TestRmRfOnNonexistentIsOk(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.RmRf("/never/existed"); err != nil {
		t.Fatalf("RmRf on nonexistent path should be Ok, got %v", err)
	}
}

func TestLsSortedByName(t *testing.T) {
	fs := newTestFS(t, false)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := fs.Write("/"+name, []byte("x"), 0o644); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	entries, err := fs.Ls("/")
	if err != nil {
		t.Fatalf("Ls: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(entries) != len(want) {
		t.Fatalf("len(entries) = %d, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Name != want[i] {
			t.Errorf("entries[%d].Name = %q, want %q", i, e.Name, want[i])
		}
	}
}

func TestChecksumKnownVector(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.Write("/f", []byte("abc"), 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sum, err := fs.Checksum(SHA256, "/f")
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if sum != want {
		t.Errorf("Checksum = %s, want %s", sum, want)
	}
}

func TestTarOutTarInRoundTrip(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.Mkdir("/src/sub", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.Write("/src/top.txt", []byte("top"), 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Write("/src/sub/nested.txt", []byte("nested"), 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var buf bytes.Buffer
	if err := fs.TarOut("/src", Gzip, &buf); err != nil {
		t.Fatalf("TarOut: %v", err)
	}

	if err := fs.Mkdir("/dst", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.TarIn(&buf, Gzip, "/dst"); err != nil {
		t.Fatalf("TarIn: %v", err)
	}

	got, err := fs.ReadFile("/dst/top.txt")
	if err != nil {
		t.Fatalf("ReadFile(top.txt): %v", err)
	}
	if string(got) != "top" {
		t.Errorf("top.txt = %q, want %q", got, "top")
	}
	got, err = fs.ReadFile("/dst/sub/nested.txt")
	if err != nil {
		t.Fatalf("ReadFile(sub/nested.txt): %v", err)
	}
	if string(got) != "nested" {
		t.Errorf("sub/nested.txt = %q, want %q", got, "nested")
	}
}

func TestTarOutRejectsBzip2(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.Mkdir("/src", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	var buf bytes.Buffer
	err := fs.TarOut("/src", Bzip2, &buf)
	if err == nil {
		t.Fatal("TarOut with Bzip2 should fail, bzip2 is decompress-only")
	}
}

func TestTarOutRequiresDirectory(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.Write("/notadir", []byte("x"), 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var buf bytes.Buffer
	err := fs.TarOut("/notadir", None, &buf)
	if !coreerr.Is(err, coreerr.NotADirectory) {
		t.Fatalf("err = %v, want NotADirectory", err)
	}
}

func TestDownloadUploadRoundTrip(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.Write("/guest-file", []byte("payload"), 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	hostTmp := filepath.Join(t.TempDir(), "downloaded")
	if err := fs.Download("/guest-file", hostTmp); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(hostTmp)
	if err != nil {
		t.Fatalf("ReadFile host: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("downloaded = %q, want %q", data, "payload")
	}

	if err := fs.Upload(hostTmp, "/uploaded"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := fs.ReadFile("/uploaded")
	if err != nil {
		t.Fatalf("ReadFile(/uploaded): %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("uploaded = %q, want %q", got, "payload")
	}
}

func TestMarkReadOnlyScopesToSubtree(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.Mkdir("/ro-mount", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	fs.MarkReadOnly("/ro-mount")

	if err := fs.Write("/ro-mount/f", []byte("x"), 0o644); !coreerr.Is(err, coreerr.ReadOnly) {
		t.Fatalf("write under marked-read-only subtree: err = %v, want ReadOnly", err)
	}
	if err := fs.Write("/ro-mount-sibling", []byte("x"), 0o644); err != nil {
		t.Fatalf("write outside the read-only subtree should succeed, got %v", err)
	}
}

func TestMarkReadOnlyDoesNotAffectUnrelatedPrefix(t *testing.T) {
	fs := newTestFS(t, false)
	fs.MarkReadOnly("/ro")
	if err := fs.Write("/rowriteable", []byte("x"), 0o644); err != nil {
		t.Fatalf("a path merely sharing a prefix with a marked subtree should stay writable, got %v", err)
	}
}

func TestResolvePathReturnsHostPath(t *testing.T) {
	fs := newTestFS(t, false)
	if err := fs.Write("/f", []byte("x"), 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p, err := fs.ResolvePath("/f")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Errorf("ResolvePath returned %q, not a real file on disk: %v", p, err)
	}
}

func TestExistsFalseForEscapingPath(t *testing.T) {
	fs := newTestFS(t, false)
	if fs.Exists("/../../etc/passwd") {
		t.Error("Exists should report false for a path-escape attempt, not panic or leak info")
	}
}
