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

// Package mount implements the Mount Manager (L6): acquires a scoped
// mountpoint directory under a handle-owned temp root and mounts a
// filesystem there via the host's `mount` binary, enforcing the
// shortest-path-first ordering contract from §4.6. The Mount/Unmount
// interface shape follows emma-csi-driver's LinuxMounter; teardown-order
// bookkeeping follows mantle's MakeDiskTemplate (mount, defer-ordered
// umount) generalized to an arbitrary number of mountpoints.
package mount

import (
	"os"
	"sort"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/ssahani/guestkit-sub004/internal/pkg/corelog"
	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
	"github.com/ssahani/guestkit-sub004/internal/pkg/executil"
	"github.com/ssahani/guestkit-sub004/internal/pkg/fsprobe"
)

var plog = capnslog.NewPackageLogger(corelog.ModulePath, "mount")

// Mountpoint is the §3 data-model record.
type Mountpoint struct {
	GuestPath      string
	Device         string
	FSType         fsprobe.Type
	Options        []string
	BackingTempdir string
}

// Manager owns a handle's temp root and the ordered list of active mounts,
// enforcing shortest-path-first mount order and reverse-order teardown.
type Manager struct {
	root    string
	active  []*Mountpoint
	readOnly bool
}

// NewManager creates a scoped temp root under baseDir (os.TempDir() if
// empty) named "<prefix>-<random>", per §6 "Persistent state: None... live
// in ephemeral per-handle temp directories".
func NewManager(baseDir, prefix string, readOnly bool) (*Manager, error) {
	root, err := os.MkdirTemp(baseDir, prefix+"-")
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Io, "mount.NewManager", err)
	}
	return &Manager{root: root, readOnly: readOnly}, nil
}

// Root returns the handle's scoped temp root.
func (m *Manager) Root() string {
	return m.root
}

// Active returns the currently mounted filesystems, in mount order.
func (m *Manager) Active() []*Mountpoint {
	out := make([]*Mountpoint, len(m.active))
	copy(out, m.active)
	return out
}

// Mount mounts device at guestPath (relative to the handle's temp root)
// with the given options. Read-only handles force "ro". A single mount
// failure never tears down prior successful mounts; it is returned as
// MountFailed, per §4.6.
func (m *Manager) Mount(device, guestPath string, fsType fsprobe.Type, options []string) (*Mountpoint, error) {
	const op = "mount.Mount"

	hostPath := m.hostPath(guestPath)
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.MountFailed, op, err)
	}

	opts := append([]string{}, options...)
	if m.readOnly {
		opts = append(opts, "ro")
	}

	args := []string{}
	if fsType != fsprobe.Unknown {
		args = append(args, "-t", fsTypeName(fsType))
	}
	if len(opts) > 0 {
		args = append(args, "-o", strings.Join(opts, ","))
	}
	args = append(args, device, hostPath)

	_, stderr, err := executil.Run(executil.DefaultToolTimeout, "mount", args...)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MountFailed, op, errors.Wrapf(err, "mount %s on %s: %s", device, hostPath, stderr))
	}

	mp := &Mountpoint{
		GuestPath:      guestPath,
		Device:         device,
		FSType:         fsType,
		Options:        opts,
		BackingTempdir: hostPath,
	}
	m.active = append(m.active, mp)
	m.resortByPathLength()
	plog.Infof("mounted %s at %s (guest %s)", device, hostPath, guestPath)
	return mp, nil
}

// Umount unmounts the filesystem at guestPath. The entry is removed from
// the active list regardless of whether the underlying umount succeeded,
// so repeated calls are idempotent; the error (if any) is still returned
// for the caller to log.
func (m *Manager) Umount(guestPath string) error {
	const op = "mount.Umount"

	idx := -1
	for i, mp := range m.active {
		if mp.GuestPath == guestPath {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	mp := m.active[idx]
	m.active = append(m.active[:idx], m.active[idx+1:]...)

	_, stderr, err := executil.Run(executil.DefaultToolTimeout, "umount", mp.BackingTempdir)
	if err != nil {
		return coreerr.Wrap(coreerr.UmountFailed, op, errors.Wrapf(err, "umount %s: %s", mp.BackingTempdir, stderr))
	}
	return nil
}

// UmountAll unmounts every active mount in reverse (longest-path-first)
// order, per §4.6's umount_all contract. Per-mount failures are logged but
// never abort the remaining teardown; UmountAll always attempts every
// mount. It leaves the scoped temp root in place; Close removes it.
func (m *Manager) UmountAll() {
	for i := len(m.active) - 1; i >= 0; i-- {
		mp := m.active[i]
		if _, stderr, err := executil.Run(executil.DefaultToolTimeout, "umount", mp.BackingTempdir); err != nil {
			plog.Warningf("umount %s: %v (%s)", mp.BackingTempdir, err, stderr)
		}
	}
	m.active = nil
}

// Close removes the handle's scoped temp root. Callers must UmountAll
// first; Close is a no-op if the directory is already gone.
func (m *Manager) Close() error {
	if m.root == "" {
		return nil
	}
	return os.RemoveAll(m.root)
}

func (m *Manager) hostPath(guestPath string) string {
	return m.root + "/" + strings.TrimPrefix(guestPath, "/")
}

// resortByPathLength keeps m.active ordered ascending by guest-path length
// so "/" precedes "/boot" precedes "/boot/efi", per §4.6's ordering
// contract. It is re-applied after every Mount in case the plan isn't
// presented to Mount in sorted order already.
func (m *Manager) resortByPathLength() {
	sort.SliceStable(m.active, func(i, j int) bool {
		return len(m.active[i].GuestPath) < len(m.active[j].GuestPath)
	})
}

func fsTypeName(t fsprobe.Type) string {
	switch t {
	case fsprobe.Ext2, fsprobe.Ext3, fsprobe.Ext4, fsprobe.Xfs, fsprobe.Btrfs, fsprobe.Ntfs, fsprobe.F2fs:
		return t.String()
	case fsprobe.Vfat:
		return "vfat"
	case fsprobe.Exfat:
		return "exfat"
	default:
		return ""
	}
}

// ParseMountinfo reads /proc/self/mountinfo and returns the set of mount
// points currently under root. No other package in the core calls it, and
// Close removes the temp root without consulting it.
func ParseMountinfo(root string) ([]string, error) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		mountPoint := fields[4]
		if strings.HasPrefix(mountPoint, root) {
			out = append(out, mountPoint)
		}
	}
	return out, nil
}
