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

package inspect

import "testing"

func TestReadMountplan(t *testing.T) {
	fs := newFixtureFS(t)
	mustWrite(t, fs, "/etc/fstab", `# comment
UUID=1111-2222 / ext4 defaults 0 1
LABEL=BOOT /boot vfat ro,noauto 0 2
tmpfs /tmp tmpfs defaults 0 0
none swap swap sw 0 0
`)
	plan, err := ReadMountplan(fs)
	if err != nil {
		t.Fatalf("ReadMountplan: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 real entries (tmpfs/swap filtered), got %d (%v)", len(plan), plan)
	}
	if plan[0].Source != "UUID=1111-2222" || plan[0].Mountpoint != "/" {
		t.Errorf("entry 0 = %+v", plan[0])
	}
	if plan[1].Source != "LABEL=BOOT" || plan[1].Mountpoint != "/boot" {
		t.Errorf("entry 1 = %+v", plan[1])
	}
	if len(plan[1].Options) != 2 || plan[1].Options[0] != "ro" || plan[1].Options[1] != "noauto" {
		t.Errorf("entry 1 Options = %v, want [ro noauto]", plan[1].Options)
	}
}

func TestReadMountplanMissingFstab(t *testing.T) {
	fs := newFixtureFS(t)
	plan, err := ReadMountplan(fs)
	if err != nil {
		t.Fatalf("ReadMountplan: %v", err)
	}
	if plan != nil {
		t.Errorf("expected nil plan with no fstab, got %v", plan)
	}
}

func TestResolveMountplan(t *testing.T) {
	plan := []MountplanEntry{
		{Source: "UUID=root-uuid", Mountpoint: "/"},
		{Source: "LABEL=BOOT", Mountpoint: "/boot"},
		{Source: "UUID=missing-uuid", Mountpoint: "/data"},
		{Source: "/dev/sda3", Mountpoint: "/var"},
		{Source: "PARTUUID=abcd", Mountpoint: "/home"},
		{Source: "garbage", Mountpoint: "/srv"},
	}
	byUUID := map[string]string{"root-uuid": "/dev/sda2"}
	byLabel := map[string]string{"BOOT": "/dev/sda1"}

	resolved, unresolved := ResolveMountplan(plan, byUUID, byLabel)

	if resolved["/"] != "/dev/sda2" {
		t.Errorf("resolved[/] = %q, want /dev/sda2", resolved["/"])
	}
	if resolved["/boot"] != "/dev/sda1" {
		t.Errorf("resolved[/boot] = %q, want /dev/sda1", resolved["/boot"])
	}
	if resolved["/var"] != "/dev/sda3" {
		t.Errorf("resolved[/var] = %q, want /dev/sda3", resolved["/var"])
	}
	if len(unresolved) != 3 {
		t.Fatalf("expected 3 unresolved entries, got %d (%+v)", len(unresolved), unresolved)
	}
}

func TestResolveSourceUnrecognized(t *testing.T) {
	device, reason := resolveSource("garbage", nil, nil)
	if device != "" || reason == "" {
		t.Errorf("resolveSource(garbage) = %q,%q, want empty device and a non-empty reason", device, reason)
	}
}

func TestIsVirtualFSType(t *testing.T) {
	for _, fstype := range []string{"proc", "sysfs", "tmpfs", "cgroup2"} {
		if !isVirtualFSType(fstype) {
			t.Errorf("isVirtualFSType(%q) = false, want true", fstype)
		}
	}
	if isVirtualFSType("ext4") {
		t.Error("isVirtualFSType(ext4) = true, want false")
	}
}
