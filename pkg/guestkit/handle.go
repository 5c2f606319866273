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

// Package guestkit implements the Handle/Lifecycle layer (L9): it
// orchestrates the Format Probe, Block Binder, Partition Scanner, Volume
// Manager, Filesystem Probe, Mount Manager, Guest FS API, and Inspection
// Engine into the single stateful entity callers interact with. The
// state-machine and teardown-queue discipline follow mantle's Cluster/
// QEMUMachine ownership pattern (acquire-then-defer-release, generalized
// to a queue since a handle can hold an unbounded number of acquisitions).
package guestkit

import (
	"os"
	"sort"
	"sync"

	"github.com/coreos/pkg/capnslog"

	"github.com/ssahani/guestkit-sub004/internal/pkg/blockdev"
	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
	"github.com/ssahani/guestkit-sub004/internal/pkg/corelog"
	"github.com/ssahani/guestkit-sub004/internal/pkg/fsprobe"
	"github.com/ssahani/guestkit-sub004/internal/pkg/guestfs"
	"github.com/ssahani/guestkit-sub004/internal/pkg/inspect"
	"github.com/ssahani/guestkit-sub004/internal/pkg/mount"
	"github.com/ssahani/guestkit-sub004/internal/pkg/partition"
	"github.com/ssahani/guestkit-sub004/internal/pkg/volume"
)

var plog = capnslog.NewPackageLogger(corelog.ModulePath, "guestkit")

// State is the §4.9 handle state machine.
type State int

const (
	Fresh State = iota
	Configured
	Launched
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Configured:
		return "configured"
	case Launched:
		return "launched"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// drive is one host image added to the handle before launch.
type drive struct {
	path     string
	readOnly bool
}

// teardownStep is one reverse-order cleanup action. Errors are logged,
// never propagated, per §4.6's cleanup guarantee and §9's design note.
type teardownStep struct {
	name string
	run  func() error
}

// osRoot bundles everything the inspection cache keeps per discovered
// root filesystem, per §9's "OsRoot -> GuestIdentity -> mountpoint plan"
// cache shape.
type osRoot struct {
	device       string
	identity     *inspect.GuestIdentity
	mountplan    []inspect.MountplanEntry
	mounted      bool
	mountedAt    map[string]string // guest_path -> device, once mounted
}

// Handle is the top-level entity of §3/§4.9. All mutation happens from
// one logical owner; a handle is not safe for concurrent use from
// multiple goroutines (see spec §5's scheduling model), but the mutex
// guards against accidental concurrent teardown during shutdown/drop.
type Handle struct {
	mu    sync.Mutex
	state State

	drives []drive

	teardown []teardownStep

	bound map[string]*blockdev.BoundDevice // image path -> bound device
	parts map[string][]partition.Partition // device path -> partitions
	fses  map[string]*fsprobe.Filesystem   // leaf device -> filesystem
	lvs   map[string][]volume.LogicalVolume
	luks  map[string]*volume.LuksMapping

	roots map[string]*osRoot // OsRoot device path -> cached inspection

	mountMgr *mount.Manager
	fs       *guestfs.FS

	handleTag string
	verbose   bool
	trace     bool
}

// New returns a Handle in the Fresh state.
func New() *Handle {
	return &Handle{
		state:     Fresh,
		bound:     map[string]*blockdev.BoundDevice{},
		parts:     map[string][]partition.Partition{},
		fses:      map[string]*fsprobe.Filesystem{},
		lvs:       map[string][]volume.LogicalVolume{},
		luks:      map[string]*volume.LuksMapping{},
		roots:     map[string]*osRoot{},
		handleTag: volume.NewHandleTag(),
	}
}

// SetVerbose and SetTrace are diagnostics-only knobs, per §6.
func (h *Handle) SetVerbose(v bool) {
	h.verbose = v
	corelog.SetVerbose(v)
}

func (h *Handle) SetTrace(v bool) {
	h.trace = v
	corelog.SetTrace(v)
}

// AddDriveRO and AddDrive register a host image path before launch.
// Valid only in Fresh or Configured state; anything else is BadState.
func (h *Handle) AddDriveRO(path string) error {
	return h.addDrive(path, true)
}

func (h *Handle) AddDrive(path string) error {
	return h.addDrive(path, false)
}

func (h *Handle) addDrive(path string, readOnly bool) error {
	const op = "guestkit.add_drive"
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Fresh && h.state != Configured {
		return coreerr.New(coreerr.BadState, op)
	}
	if _, err := os.Stat(path); err != nil {
		return coreerr.Wrap(coreerr.Io, op, err)
	}
	h.drives = append(h.drives, drive{path: path, readOnly: readOnly})
	h.state = Configured
	return nil
}

// pushTeardown records a cleanup action to run, in reverse order, on
// shutdown. It is always the last thing done after a successful
// acquisition, per §9.
func (h *Handle) pushTeardown(name string, run func() error) {
	h.teardown = append(h.teardown, teardownStep{name: name, run: run})
}

// Shutdown executes the full teardown queue in reverse order regardless
// of partial failure, then marks the handle Closed. Idempotent: a second
// call is a no-op returning nil, per §8's round-trip law.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdownLocked()
}

func (h *Handle) shutdownLocked() error {
	if h.state == Closed {
		return nil
	}
	for i := len(h.teardown) - 1; i >= 0; i-- {
		step := h.teardown[i]
		if err := step.run(); err != nil {
			plog.Warningf("teardown step %q failed: %v", step.name, err)
		}
	}
	h.teardown = nil
	h.state = Closed
	return nil
}

// Close is an alias for Shutdown matching Go's io.Closer convention, so a
// Handle can be used with defer h.Close().
func (h *Handle) Close() error {
	return h.Shutdown()
}

// driveForImage finds the drive entry matching an image path.
func (h *Handle) driveForImage(path string) (drive, bool) {
	for _, d := range h.drives {
		if d.path == path {
			return d, true
		}
	}
	return drive{}, false
}

// ListDevices returns every bound block device path plus every activated
// LV and opened LUKS mapping path, sorted by path.
func (h *Handle) ListDevices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, d := range h.drives {
		if bd, ok := h.bound[d.path]; ok {
			out = append(out, bd.DevicePath)
		}
	}
	for _, lvs := range h.lvs {
		for _, lv := range lvs {
			out = append(out, lv.DevicePath)
		}
	}
	for _, lm := range h.luks {
		out = append(out, lm.DevicePath)
	}
	sort.Strings(out)
	return out
}

// ListPartitions returns every discovered partition across all bound
// devices, in device-then-number order.
func (h *Handle) ListPartitions() []partition.Partition {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []partition.Partition
	devices := make([]string, 0, len(h.parts))
	for dev := range h.parts {
		devices = append(devices, dev)
	}
	sort.Strings(devices)
	for _, dev := range devices {
		out = append(out, h.parts[dev]...)
	}
	return out
}

// ListFilesystems returns every classified leaf filesystem.
func (h *Handle) ListFilesystems() []*fsprobe.Filesystem {
	h.mu.Lock()
	defer h.mu.Unlock()
	devices := make([]string, 0, len(h.fses))
	for dev := range h.fses {
		devices = append(devices, dev)
	}
	sort.Strings(devices)
	out := make([]*fsprobe.Filesystem, 0, len(devices))
	for _, dev := range devices {
		out = append(out, h.fses[dev])
	}
	return out
}

// VfsType, VfsLabel, VfsUUID and BlockdevGetsize64 are the §6 per-device
// scalar accessors.
func (h *Handle) VfsType(devicePath string) (fsprobe.Type, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.fses[devicePath]; ok {
		return f.FSType, nil
	}
	return fsprobe.Unknown, coreerr.New(coreerr.PathNotFound, "guestkit.vfs_type")
}

func (h *Handle) VfsLabel(devicePath string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.fses[devicePath]; ok {
		return f.Label, nil
	}
	return "", coreerr.New(coreerr.PathNotFound, "guestkit.vfs_label")
}

func (h *Handle) VfsUUID(devicePath string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.fses[devicePath]; ok {
		return f.UUID, nil
	}
	return "", coreerr.New(coreerr.PathNotFound, "guestkit.vfs_uuid")
}

func (h *Handle) BlockdevGetsize64(devicePath string) (uint64, error) {
	return blockdev.BlockdevGetSize64(devicePath)
}

// guestRootFor reports whether devicePath is one this handle believes is
// an OS root (cached during launch's inspect pass).
func (h *Handle) guestRootFor(devicePath string) *osRoot {
	return h.roots[devicePath]
}
