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

// Package blockdev implements the Block Binder (L2): materializes a
// DiskImage as a kernel block device, loop for Raw images and NBD
// (qemu-nbd) for everything else, and polls for device readiness with a
// bounded exponential backoff. Grounded on disk.go's MakeDiskTemplate
// (losetup -Pf --show, retry-poll for a device node, losetup -d teardown)
// and qemu.go's qemu-nbd invocation conventions, both in
// mantle/platform(/machine/qemu).
package blockdev

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	"unsafe"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ssahani/guestkit-sub004/internal/pkg/corelog"
	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
	"github.com/ssahani/guestkit-sub004/internal/pkg/executil"
	"github.com/ssahani/guestkit-sub004/internal/pkg/format"
	"github.com/ssahani/guestkit-sub004/internal/pkg/retry"
)

var plog = capnslog.NewPackageLogger(corelog.ModulePath, "blockdev")

// BindingDeadline is the hard 30s deadline §5 mandates for block-device
// readiness.
const BindingDeadline = 30 * time.Second

const (
	pollIntervalMin = 10 * time.Millisecond
	pollIntervalMax = 500 * time.Millisecond
)

// BoundDevice is a live association between a DiskImage and a kernel block
// device node. Detach releases it; Detach is idempotent.
type BoundDevice struct {
	Image      *format.DiskImage
	DevicePath string
	ReadOnly   bool

	viaNBD bool
}

// Bind exposes img as a kernel block device per the §4.2 selection rule:
// Raw images use a loop device, everything else uses qemu-nbd. It blocks
// until the kernel reports a non-zero size for the device node or the
// BindingDeadline elapses.
func Bind(img *format.DiskImage, readOnly bool) (*BoundDevice, error) {
	if img.Format == format.Raw {
		return bindLoop(img, readOnly)
	}
	return bindNBD(img, readOnly)
}

func bindLoop(img *format.DiskImage, readOnly bool) (*BoundDevice, error) {
	const op = "blockdev.bindLoop"

	if _, err := executil.LookPath("losetup"); err != nil {
		return nil, coreerr.Wrap(coreerr.BlockBackendUnavailable, op, err)
	}

	args := []string{"-Pf", "--show"}
	if readOnly {
		args = append(args, "--read-only")
	}
	args = append(args, img.Path)

	stdout, stderr, err := executil.Run(executil.DefaultToolTimeout, "losetup", args...)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ToolFailed, op, errors.Wrapf(err, "losetup: %s", stderr))
	}
	devicePath := strings.TrimSpace(string(stdout))
	if devicePath == "" {
		return nil, coreerr.New(coreerr.NoFreeBlockDevice, op)
	}

	bd := &BoundDevice{Image: img, DevicePath: devicePath, ReadOnly: readOnly}
	if err := waitReady(devicePath); err != nil {
		_ = detachLoop(devicePath)
		return nil, err
	}
	plog.Infof("bound %s to loop device %s (ro=%v)", img.Path, devicePath, readOnly)
	return bd, nil
}

func bindNBD(img *format.DiskImage, readOnly bool) (*BoundDevice, error) {
	const op = "blockdev.bindNBD"

	if err := ensureNBDModule(); err != nil {
		return nil, coreerr.Wrap(coreerr.BlockBackendUnavailable, op, err)
	}
	if _, err := executil.LookPath("qemu-nbd"); err != nil {
		return nil, coreerr.Wrap(coreerr.BlockBackendUnavailable, op, err)
	}

	devicePath, err := nextFreeNBD()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.NoFreeBlockDevice, op, err)
	}

	args := []string{
		"--connect=" + devicePath,
		"--format=" + qemuFormatName(img.Format),
		"--cache=unsafe",
	}
	if readOnly {
		args = append(args, "--read-only")
	}
	args = append(args, img.Path)

	_, stderr, err := executil.Run(executil.DefaultToolTimeout, "qemu-nbd", args...)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ToolFailed, op, errors.Wrapf(err, "qemu-nbd: %s", stderr))
	}

	bd := &BoundDevice{Image: img, DevicePath: devicePath, ReadOnly: readOnly, viaNBD: true}
	if err := waitReady(devicePath); err != nil {
		_ = detachNBD(devicePath)
		return nil, err
	}
	plog.Infof("bound %s to NBD device %s (ro=%v)", img.Path, devicePath, readOnly)
	return bd, nil
}

func qemuFormatName(f format.Format) string {
	switch f {
	case format.Qcow2:
		return "qcow2"
	case format.Vmdk:
		return "vmdk"
	case format.Vhdx:
		return "vhdx"
	case format.Vhd:
		return "vpc"
	case format.Vdi:
		return "vdi"
	default:
		return "raw"
	}
}

// waitReady polls BlockdevGetSize64 with exponential backoff until the
// node reports a non-zero size or BindingDeadline elapses, per §4.2's
// "bounded polling with exponential backoff, hard deadline 30s".
func waitReady(devicePath string) error {
	const op = "blockdev.waitReady"
	err := retry.WaitUntilReadyExponential(BindingDeadline, pollIntervalMin, pollIntervalMax, func() (bool, error) {
		size, err := BlockdevGetSize64(devicePath)
		if err != nil {
			return false, nil // node not yet present; keep polling
		}
		return size > 0, nil
	})
	if err != nil {
		return coreerr.Wrap(coreerr.BindingTimeout, op, err)
	}
	return nil
}

// Detach releases the device binding. It is idempotent: a device path
// that has already been detached (zero size, or ENODEV) is a no-op.
func (bd *BoundDevice) Detach() error {
	if bd == nil || bd.DevicePath == "" {
		return nil
	}
	if size, err := BlockdevGetSize64(bd.DevicePath); err != nil || size == 0 {
		plog.Infof("detach %s: already gone", bd.DevicePath)
		return nil
	}

	var err error
	if bd.viaNBD {
		err = detachNBD(bd.DevicePath)
	} else {
		err = detachLoop(bd.DevicePath)
	}
	if err != nil {
		plog.Warningf("detach %s: %v", bd.DevicePath, err)
	}
	return err
}

func detachLoop(devicePath string) error {
	const op = "blockdev.detachLoop"
	_, stderr, err := executil.Run(executil.DefaultToolTimeout, "losetup", "-d", devicePath)
	if err != nil {
		return coreerr.Wrap(coreerr.ToolFailed, op, errors.Wrapf(err, "losetup -d: %s", stderr))
	}
	return nil
}

func detachNBD(devicePath string) error {
	const op = "blockdev.detachNBD"
	_, stderr, err := executil.Run(executil.DefaultToolTimeout, "qemu-nbd", "--disconnect", devicePath)
	if err != nil {
		return coreerr.Wrap(coreerr.ToolFailed, op, errors.Wrapf(err, "qemu-nbd --disconnect: %s", stderr))
	}
	return nil
}

// blkGetSize64 is BLKGETSIZE64 from linux/fs.h.
const blkGetSize64 = 0x80081272

// BlockdevGetSize64 reads the device size via the BLKGETSIZE64 ioctl,
// backing both waitReady's polling and the Handle API's
// blockdev_getsize64 operation. The full uint64 is read directly (not
// through unix.IoctlGetInt, which truncates to a platform int) so images
// at or above 4GiB report correctly.
func BlockdevGetSize64(devicePath string) (uint64, error) {
	fd, err := os.Open(devicePath)
	if err != nil {
		return 0, err
	}
	defer fd.Close()

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), blkGetSize64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

func nextFreeNBD() (string, error) {
	for i := 0; i < 64; i++ {
		path := fmt.Sprintf("/dev/nbd%d", i)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if inUse, err := nbdInUse(path); err == nil && !inUse {
			return path, nil
		}
	}
	return "", errors.New("no free nbd device found under /dev/nbd*")
}

// nbdInUse checks /sys/block/nbdN/pid, which only exists while qemu-nbd
// holds the device connected.
func nbdInUse(devicePath string) (bool, error) {
	name := devicePath[len("/dev/"):]
	_, err := os.Stat("/sys/block/" + name + "/pid")
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func ensureNBDModule() error {
	if _, err := os.Stat("/sys/module/nbd"); err != nil {
		return errors.Wrap(err, "nbd kernel module not loaded")
	}
	return nil
}

// GCStaleLoopDevices detaches loop devices whose backing file no longer
// exists on disk. Per §5, cleanup of bindings abandoned by a prior process
// run is not automatic; callers needing it invoke this explicitly — L9
// calls it once before retrying a NoFreeBlockDevice failure.
func GCStaleLoopDevices() (detached []string, err error) {
	stdout, stderr, runErr := executil.Run(executil.DefaultToolTimeout, "losetup", "--json", "--all")
	if runErr != nil {
		return nil, errors.Wrapf(runErr, "losetup --json --all: %s", stderr)
	}

	var report struct {
		LoopDevices []struct {
			Name     string `json:"name"`
			BackFile string `json:"back-file"`
		} `json:"loopdevices"`
	}
	if jsonErr := json.Unmarshal(stdout, &report); jsonErr != nil {
		return nil, errors.Wrap(jsonErr, "parsing losetup --json output")
	}

	for _, dev := range report.LoopDevices {
		if dev.BackFile == "" {
			continue
		}
		if _, statErr := os.Stat(dev.BackFile); statErr == nil {
			continue // backing file still exists, not stale
		}
		if detachErr := detachLoop(dev.Name); detachErr != nil {
			plog.Warningf("gc: detaching stale loop %s: %v", dev.Name, detachErr)
			continue
		}
		detached = append(detached, dev.Name)
	}
	return detached, nil
}
