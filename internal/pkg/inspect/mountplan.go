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

import (
	"strings"

	"github.com/ssahani/guestkit-sub004/internal/pkg/guestfs"
)

// MountplanEntry is one line of an OS root's static mount plan, read from
// /etc/fstab. Matching it against the partitions/volumes L3/L4 actually
// surfaced is what lets a caller mount a guest's full tree (not just its
// root) without guessing, per §4.8.1's "fstab cross-reference" note.
type MountplanEntry struct {
	Source     string
	Mountpoint string
	FSType     string
	Options    []string
}

// UnresolvedMountpoint is a SPEC_FULL supplement: an fstab entry whose
// Source (a UUID=, LABEL=, or PARTUUID= reference) didn't match any
// filesystem this engine discovered, surfaced so a caller building a full
// mount plan knows which guest paths it cannot honor rather than silently
// skipping them.
type UnresolvedMountpoint struct {
	Entry  MountplanEntry
	Reason string
}

// ReadMountplan parses /etc/fstab, skipping comments, blank lines, swap
// entries, and virtual filesystems (proc, sysfs, devtmpfs, tmpfs, cgroup,
// cgroup2, devpts, securityfs) that have no backing block device to resolve.
func ReadMountplan(fs *guestfs.FS) ([]MountplanEntry, error) {
	data, err := fs.ReadFile("/etc/fstab")
	if err != nil {
		return nil, nil
	}

	var out []MountplanEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if isVirtualFSType(fields[2]) || fields[2] == "swap" {
			continue
		}
		out = append(out, MountplanEntry{
			Source:     fields[0],
			Mountpoint: fields[1],
			FSType:     fields[2],
			Options:    strings.Split(fields[3], ","),
		})
	}
	return out, nil
}

func isVirtualFSType(t string) bool {
	switch t {
	case "proc", "sysfs", "devtmpfs", "tmpfs", "cgroup", "cgroup2", "devpts", "securityfs":
		return true
	default:
		return false
	}
}

// ResolveMountplan matches each plan entry's Source against the
// discovered filesystems (keyed by UUID and Label), returning the device
// path to mount at each Mountpoint and the subset that couldn't be
// resolved.
func ResolveMountplan(plan []MountplanEntry, byUUID, byLabel map[string]string) (resolved map[string]string, unresolved []UnresolvedMountpoint) {
	resolved = map[string]string{}
	for _, e := range plan {
		dev, reason := resolveSource(e.Source, byUUID, byLabel)
		if dev == "" {
			unresolved = append(unresolved, UnresolvedMountpoint{Entry: e, Reason: reason})
			continue
		}
		resolved[e.Mountpoint] = dev
	}
	return resolved, unresolved
}

func resolveSource(source string, byUUID, byLabel map[string]string) (device, reason string) {
	switch {
	case strings.HasPrefix(source, "UUID="):
		id := strings.Trim(strings.TrimPrefix(source, "UUID="), `"`)
		if dev, ok := byUUID[id]; ok {
			return dev, ""
		}
		return "", "no filesystem with UUID " + id
	case strings.HasPrefix(source, "LABEL="):
		label := strings.Trim(strings.TrimPrefix(source, "LABEL="), `"`)
		if dev, ok := byLabel[label]; ok {
			return dev, ""
		}
		return "", "no filesystem with label " + label
	case strings.HasPrefix(source, "PARTUUID="), strings.HasPrefix(source, "PARTLABEL="):
		return "", "partition-table identifier resolution requires partition metadata, not filesystem metadata"
	case strings.HasPrefix(source, "/dev/"):
		return source, ""
	default:
		return "", "unrecognized fstab source syntax"
	}
}
