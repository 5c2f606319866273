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

package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ssahani/guestkit-sub004/internal/pkg/format"
)

func TestQemuFormatName(t *testing.T) {
	cases := []struct {
		in   format.Format
		want string
	}{
		{format.Qcow2, "qcow2"},
		{format.Vmdk, "vmdk"},
		{format.Vhdx, "vhdx"},
		{format.Vhd, "vpc"},
		{format.Vdi, "vdi"},
		{format.Raw, "raw"},
		{format.Unknown, "raw"},
	}
	for _, c := range cases {
		if got := qemuFormatName(c.in); got != c.want {
			t.Errorf("qemuFormatName(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDetachNilIsNoop(t *testing.T) {
	var bd *BoundDevice
	if err := bd.Detach(); err != nil {
		t.Errorf("Detach on a nil BoundDevice should be a no-op, got %v", err)
	}
}

func TestDetachEmptyDevicePathIsNoop(t *testing.T) {
	bd := &BoundDevice{}
	if err := bd.Detach(); err != nil {
		t.Errorf("Detach with no DevicePath should be a no-op, got %v", err)
	}
}

// BlockdevGetSize64 on a non-block regular file must fail (ENOTTY from the
// BLKGETSIZE64 ioctl), not panic — exercised here so Detach's "already gone"
// short-circuit (which relies on this failing cleanly) has test coverage.
func TestBlockdevGetSize64OnRegularFileFails(t *testing.T) {
	p := filepath.Join(t.TempDir(), "notablockdev")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if _, err := BlockdevGetSize64(p); err == nil {
		t.Error("BlockdevGetSize64 on a regular file should fail, not return a size")
	}
}

func TestDetachOnRegularFileDevicePathIsNoop(t *testing.T) {
	p := filepath.Join(t.TempDir(), "notablockdev")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	bd := &BoundDevice{DevicePath: p}
	if err := bd.Detach(); err != nil {
		t.Errorf("Detach should treat an unreadable-size device as already gone, got %v", err)
	}
}
