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

package format

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestProbeRaw(t *testing.T) {
	data := make([]byte, 4096)
	p := writeTemp(t, "disk.raw", data)

	img, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if img.Format != Raw {
		t.Errorf("Format = %s, want Raw", img.Format)
	}
	if img.VirtualSize != uint64(len(data)) {
		t.Errorf("VirtualSize = %d, want %d", img.VirtualSize, len(data))
	}
}

func TestProbeQcow2(t *testing.T) {
	head := make([]byte, 4096)
	copy(head, "QFI\xfb")
	binary.BigEndian.PutUint64(head[24:], 10<<30) // 10 GiB virtual size

	p := writeTemp(t, "disk.qcow2", head)
	img, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if img.Format != Qcow2 {
		t.Errorf("Format = %s, want Qcow2", img.Format)
	}
	if img.VirtualSize != 10<<30 {
		t.Errorf("VirtualSize = %d, want %d", img.VirtualSize, uint64(10<<30))
	}
}

func TestProbeVmdkDescriptor(t *testing.T) {
	data := make([]byte, 4096)
	copy(data, "# Disk Descriptor File\nversion=1\n")

	p := writeTemp(t, "disk.vmdk", data)
	img, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if img.Format != Vmdk {
		t.Errorf("Format = %s, want Vmdk", img.Format)
	}
}

func TestProbeVhdFooter(t *testing.T) {
	data := make([]byte, 4096+512)
	copy(data[len(data)-512:], "conectix")

	p := writeTemp(t, "disk.vhd", data)
	img, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if img.Format != Vhd {
		t.Errorf("Format = %s, want Vhd", img.Format)
	}
}

func TestProbeTooSmall(t *testing.T) {
	p := writeTemp(t, "tiny", []byte{1, 2, 3})
	_, err := Probe(p)
	if !coreerr.Is(err, coreerr.UnreadableImage) {
		t.Fatalf("err = %v, want UnreadableImage", err)
	}
}

func TestProbeMissingFile(t *testing.T) {
	_, err := Probe(filepath.Join(t.TempDir(), "nope.raw"))
	if !coreerr.Is(err, coreerr.UnreadableImage) {
		t.Fatalf("err = %v, want UnreadableImage", err)
	}
}

func TestProbeUnknownOddSize(t *testing.T) {
	data := make([]byte, 513)
	p := writeTemp(t, "odd", data)
	img, err := Probe(p)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if img.Format != Unknown {
		t.Errorf("Format = %s, want Unknown", img.Format)
	}
}

func TestFormatStringUnknown(t *testing.T) {
	var f Format = 99
	if f.String() != "Unknown" {
		t.Errorf("String() = %q, want Unknown", f.String())
	}
}
