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

package mount

import (
	"os"
	"testing"

	"github.com/ssahani/guestkit-sub004/internal/pkg/fsprobe"
)

func TestNewManagerCreatesScopedRoot(t *testing.T) {
	m, err := NewManager(t.TempDir(), "guestkit-test", true)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, err := os.Stat(m.Root()); err != nil {
		t.Fatalf("scoped root missing: %v", err)
	}
}

func TestCloseRemovesRoot(t *testing.T) {
	m, err := NewManager(t.TempDir(), "guestkit-test", true)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	root := m.Root()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("root %s should be removed after Close", root)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m, err := NewManager(t.TempDir(), "guestkit-test", true)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestResortByPathLengthOrdersShortestFirst(t *testing.T) {
	m := &Manager{
		active: []*Mountpoint{
			{GuestPath: "/boot/efi"},
			{GuestPath: "/"},
			{GuestPath: "/boot"},
		},
	}
	m.resortByPathLength()

	want := []string{"/", "/boot", "/boot/efi"}
	for i, mp := range m.active {
		if mp.GuestPath != want[i] {
			t.Errorf("active[%d] = %q, want %q", i, mp.GuestPath, want[i])
		}
	}
}

func TestFsTypeName(t *testing.T) {
	cases := []struct {
		in   fsprobe.Type
		want string
	}{
		{fsprobe.Ext4, "ext4"},
		{fsprobe.Vfat, "vfat"},
		{fsprobe.Exfat, "exfat"},
		{fsprobe.Unknown, ""},
	}
	for _, c := range cases {
		if got := fsTypeName(c.in); got != c.want {
			t.Errorf("fsTypeName(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestUmountOnUnknownGuestPathIsNoop(t *testing.T) {
	m := &Manager{}
	if err := m.Umount("/never/mounted"); err != nil {
		t.Errorf("Umount on an unmounted guest path should be a no-op, got %v", err)
	}
}

func TestUmountAllClearsActiveOnEmptyManager(t *testing.T) {
	m := &Manager{}
	m.UmountAll()
	if len(m.Active()) != 0 {
		t.Error("UmountAll on an empty manager should leave Active() empty")
	}
}
