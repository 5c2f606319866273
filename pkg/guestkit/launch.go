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
	"github.com/ssahani/guestkit-sub004/internal/pkg/blockdev"
	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
	"github.com/ssahani/guestkit-sub004/internal/pkg/format"
	"github.com/ssahani/guestkit-sub004/internal/pkg/fsprobe"
	"github.com/ssahani/guestkit-sub004/internal/pkg/partition"
	"github.com/ssahani/guestkit-sub004/internal/pkg/volume"
)

// Launch performs §4.9's launch sequence: probe every drive (L1), bind
// each (L2), scan partitions (L3), pre-classify filesystems (L5,
// peek-only), activate LVM (L4; LUKS devices are recorded but not
// opened), and populate the handle's cached
// inventory. A failure at any step aborts launch and runs the teardown
// queue accumulated so far. Valid only from Fresh or Configured;
// re-launching an already-Launched handle fails with AlreadyLaunched.
func (h *Handle) Launch() error {
	const op = "guestkit.launch"
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Launched {
		return coreerr.New(coreerr.AlreadyLaunched, op)
	}
	if h.state == Closed {
		return coreerr.New(coreerr.BadState, op)
	}

	for _, d := range h.drives {
		if err := h.launchDrive(d); err != nil {
			h.shutdownLocked()
			return err
		}
	}

	h.state = Launched
	return nil
}

// launchDrive runs L1–L5 (plus L4 activation) for a single drive and
// records every acquisition on the teardown queue immediately, so a
// later failure in this same drive's pipeline still tears down what
// already succeeded.
func (h *Handle) launchDrive(d drive) error {
	const op = "guestkit.launch"

	img, err := format.Probe(d.path)
	if err != nil {
		return err
	}

	bd, err := h.bindWithRetry(img, d.readOnly)
	if err != nil {
		return err
	}
	h.bound[d.path] = bd
	h.pushTeardown("detach "+bd.DevicePath, bd.Detach)

	parts, err := partition.Scan(bd.DevicePath)
	if err != nil {
		// A disk with no partition table at all is not fatal to the
		// handle: the whole device is classified as a single
		// filesystem instead; the device stays bound and torn down
		// normally.
		if coreerr.Is(err, coreerr.NoPartitionTable) {
			return h.classifyAndActivate(bd.DevicePath)
		}
		return err
	}
	h.parts[bd.DevicePath] = parts

	for _, p := range parts {
		if err := h.classifyAndActivate(p.DevicePath); err != nil {
			return err
		}
	}
	return nil
}

// classifyAndActivate runs L5's peek-only classification on devicePath
// and, for LVM PV / LUKS signatures, triggers L4 activation, recursing
// into the resulting child devices (LVs, LUKS maps) for their own
// filesystem classification.
func (h *Handle) classifyAndActivate(devicePath string) error {
	fs, err := fsprobe.Probe(devicePath)
	if err != nil {
		return err
	}
	h.fses[devicePath] = fs

	switch fs.FSType {
	case fsprobe.LvmPV:
		return h.activateLVM(devicePath)
	case fsprobe.Luks:
		// No caller-supplied passphrase at launch time; §4.4 records the
		// device without opening it. A later explicit OpenLuks call
		// with a passphrase can unlock it.
		return nil
	default:
		return nil
	}
}

func (h *Handle) activateLVM(devicePath string) error {
	lvs, vgs, err := volume.ActivateLVM(devicePath)
	if err != nil {
		return err
	}
	for _, vg := range vgs {
		vgCopy := vg
		h.pushTeardown("deactivate VG "+vgCopy, func() error {
			return volume.DeactivateVG(vgCopy)
		})
	}
	if len(lvs) == 0 {
		return nil
	}
	h.lvs[devicePath] = lvs
	for _, lv := range lvs {
		if err := h.classifyAndActivate(lv.DevicePath); err != nil {
			return err
		}
	}
	return nil
}

// OpenLuks opens a LUKS device recorded (but not opened) during launch,
// using a caller-supplied passphrase, then classifies the resulting
// mapping. Requires Launched.
func (h *Handle) OpenLuks(devicePath string, passphrase []byte) error {
	const op = "guestkit.open_luks"
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Launched {
		return coreerr.New(coreerr.BadState, op)
	}
	mapping, err := volume.OpenLUKS(devicePath, passphrase, h.handleTag)
	if err != nil {
		return err
	}
	h.luks[devicePath] = mapping
	h.pushTeardown("close LUKS "+mapping.MapName, func() error {
		return volume.CloseLUKS(mapping.MapName)
	})
	return h.classifyAndActivate(mapping.DevicePath)
}

// bindWithRetry binds img, retrying exactly once after garbage-collecting
// stale loop devices if the first attempt fails with NoFreeBlockDevice,
// per §4.2/§5's single-retry policy.
func (h *Handle) bindWithRetry(img *format.DiskImage, readOnly bool) (*blockdev.BoundDevice, error) {
	bd, err := blockdev.Bind(img, readOnly)
	if err == nil {
		return bd, nil
	}
	if !coreerr.Is(err, coreerr.NoFreeBlockDevice) {
		return nil, err
	}
	if _, gcErr := blockdev.GCStaleLoopDevices(); gcErr != nil {
		plog.Warningf("GC stale loop devices: %v", gcErr)
	}
	return blockdev.Bind(img, readOnly)
}
