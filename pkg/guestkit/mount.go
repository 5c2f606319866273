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

package guestkit

import (
	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
	"github.com/ssahani/guestkit-sub004/internal/pkg/fsprobe"
	"github.com/ssahani/guestkit-sub004/internal/pkg/guestfs"
)

// MountRO and Mount expose a discovered device at guestPath under the
// handle's scoped mount tree, per §6's `mount_ro`/`mount`. A read-only
// handle (every drive added via AddDriveRO) forces ro regardless of
// which variant is called, per §3's "read-only drives cannot acquire any
// R/W mount" invariant.
func (h *Handle) MountRO(devicePath, guestPath string) error {
	return h.mount(devicePath, guestPath, true)
}

func (h *Handle) Mount(devicePath, guestPath string) error {
	return h.mount(devicePath, guestPath, false)
}

func (h *Handle) mount(devicePath, guestPath string, forceRO bool) error {
	const op = "guestkit.mount"
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Launched {
		return coreerr.New(coreerr.NotMounted, op)
	}
	if err := h.ensureMountMgr(); err != nil {
		return err
	}

	fsType := fsprobe.Unknown
	if fsRec, ok := h.fses[devicePath]; ok {
		fsType = fsRec.FSType
	}

	// A drive added via AddDriveRO must never acquire an R/W mount, even
	// through the generic Mount() entry point — forceRO alone only covers
	// the MountRO() wrapper.
	ro, _ := h.isReadOnlyDevice(devicePath)
	ro = ro || forceRO

	opts := []string{}
	if ro {
		opts = append(opts, "ro")
	}

	mp, err := h.mountMgr.Mount(devicePath, guestPath, fsType, opts)
	if err != nil {
		return err
	}
	h.pushTeardown("umount "+guestPath, func() error {
		return h.mountMgr.Umount(mp.GuestPath)
	})

	if h.fs == nil {
		h.fs = guestfs.New(h.mountMgr.Root(), h.allReadOnly())
	}
	if ro {
		// Scope the read-only restriction to this mountpoint's subtree so
		// a mixed handle's R/W drives stay writable through the same FS.
		h.fs.MarkReadOnly(guestPath)
	}
	return nil
}

// Umount releases a single mountpoint, per §6's `umount`. NotMounted if
// guestPath isn't currently mounted.
func (h *Handle) Umount(guestPath string) error {
	const op = "guestkit.umount"
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mountMgr == nil {
		return coreerr.New(coreerr.NotMounted, op)
	}
	return h.mountMgr.Umount(guestPath)
}

// UmountAll releases every active mountpoint in reverse order, per §6's
// `umount_all`. Idempotent: a handle with nothing mounted is a no-op.
func (h *Handle) UmountAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mountMgr == nil {
		return
	}
	h.mountMgr.UmountAll()
}
