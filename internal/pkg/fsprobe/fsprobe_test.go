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

package fsprobe

import (
	"os"
	"path/filepath"
	"testing"
)

func writeImage(t *testing.T, size int, patches map[int][]byte) string {
	t.Helper()
	buf := make([]byte, size)
	for offset, data := range patches {
		copy(buf[offset:], data)
	}
	p := filepath.Join(t.TempDir(), "img")
	if err := os.WriteFile(p, buf, 0o644); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return p
}

func TestProbeExt4(t *testing.T) {
	p := writeImage(t, 2*defaultPageSize, map[int][]byte{
		ext2MagicOffset:               {0x53, 0xEF},
		ext2SuperblockOffset + 92:     {0x04, 0, 0, 0}, // journal
		ext2SuperblockOffset + 96:     {0x40, 0, 0, 0}, // extents -> ext4
		ext2SuperblockOffset + 120:    []byte("root\x00\x00"),
	})
	fs, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if fs.FSType != Ext4 {
		t.Errorf("FSType = %v, want Ext4", fs.FSType)
	}
	if fs.Label != "root" {
		t.Errorf("Label = %q, want root", fs.Label)
	}
}

func TestProbeExt2NoJournalNoExtents(t *testing.T) {
	p := writeImage(t, 2*defaultPageSize, map[int][]byte{
		ext2MagicOffset: {0x53, 0xEF},
	})
	fs, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if fs.FSType != Ext2 {
		t.Errorf("FSType = %v, want Ext2", fs.FSType)
	}
}

func TestProbeXfs(t *testing.T) {
	p := writeImage(t, 2*defaultPageSize, map[int][]byte{
		0: []byte("XFSB"),
	})
	fs, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if fs.FSType != Xfs {
		t.Errorf("FSType = %v, want Xfs", fs.FSType)
	}
}

func TestProbeBtrfs(t *testing.T) {
	p := writeImage(t, btrfsSuperblockOffset+defaultPageSize, map[int][]byte{
		btrfsMagicOffset: []byte("_BHRfS_M"),
	})
	fs, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if fs.FSType != Btrfs {
		t.Errorf("FSType = %v, want Btrfs", fs.FSType)
	}
}

func TestProbeLuks(t *testing.T) {
	p := writeImage(t, defaultPageSize, map[int][]byte{
		0: {'L', 'U', 'K', 'S', 0xba, 0xbe},
	})
	fs, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if fs.FSType != Luks {
		t.Errorf("FSType = %v, want Luks", fs.FSType)
	}
}

func TestProbeLvmPV(t *testing.T) {
	p := writeImage(t, defaultPageSize, map[int][]byte{
		lvmLabelOffset: []byte("LABELONE"),
	})
	fs, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if fs.FSType != LvmPV {
		t.Errorf("FSType = %v, want LvmPV", fs.FSType)
	}
}

func TestProbeSwap(t *testing.T) {
	p := writeImage(t, defaultPageSize, map[int][]byte{
		defaultPageSize - 10: []byte("SWAPSPACE2"),
	})
	fs, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if fs.FSType != Swap {
		t.Errorf("FSType = %v, want Swap", fs.FSType)
	}
}

func TestProbeUnknownIsNotAnError(t *testing.T) {
	p := writeImage(t, defaultPageSize, nil)
	fs, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe on an unrecognized signature should not error, got %v", err)
	}
	if fs.FSType != Unknown {
		t.Errorf("FSType = %v, want Unknown", fs.FSType)
	}
}

func TestProbeMissingFile(t *testing.T) {
	_, err := Probe(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("Probe on a missing file should error")
	}
}

func TestTypeStringKnownAndUnknown(t *testing.T) {
	if Ext4.String() != "ext4" {
		t.Errorf("Ext4.String() = %q, want ext4", Ext4.String())
	}
	if LvmPV.String() != "LVM2_member" {
		t.Errorf("LvmPV.String() = %q, want LVM2_member", LvmPV.String())
	}
	var t1 Type = 999
	if t1.String() != "unknown" {
		t.Errorf("String() = %q, want unknown", t1.String())
	}
}

func TestBytesToUUIDStringFormat(t *testing.T) {
	b := []byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06,
		0x07, 0x08,
		0x09, 0x0a,
		0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}
	got := bytesToUUIDString(b)
	want := "01020304-0506-0708-090a-0b0c0d0e0f10"
	if got != want {
		t.Errorf("bytesToUUIDString = %q, want %q", got, want)
	}
}
