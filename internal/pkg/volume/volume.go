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

// Package volume implements the Volume Manager (L4): activates LVM volume
// groups and opens LUKS containers discovered on a partition, surfacing
// their children as device-mapper nodes. Grounded on the device-mapper
// slave-walking approach in kairos-agent's GetPartitionViaDM (sysfs-driven
// discovery of dm- children) and the block-device taxonomy
// (LVM2Group/LVM2Volume/Crypt) in clearlinux's clr-installer
// storage/block_devices.go; external tools are invoked through executil,
// matching the rest of the core.
package volume

import (
	"fmt"
	"os"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ssahani/guestkit-sub004/internal/pkg/corelog"
	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
	"github.com/ssahani/guestkit-sub004/internal/pkg/executil"
)

var plog = capnslog.NewPackageLogger(corelog.ModulePath, "volume")

// LogicalVolume mirrors a Partition's shape from L5 upward but is backed
// by device-mapper.
type LogicalVolume struct {
	DevicePath   string
	VolumeGroup  string
	Name         string
	ParentDevice string
}

// LuksMapping is a live, handle-scoped LUKS device-mapper node.
type LuksMapping struct {
	DevicePath   string
	MapName      string
	ParentDevice string
}

// NewHandleTag returns a tag that namespaces VG activations and LUKS map names to this process
// invocation so concurrent handles (and GC of abandoned state) don't
// collide; each Handle gets its own short random tag from NewHandleTag.
func NewHandleTag() string {
	return "gk" + strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

// ActivateLVM scans devicePath for LVM PVs and activates every VG found on
// it, returning the LVs surfaced. The caller is responsible for queuing
// DeactivateVG for teardown.
func ActivateLVM(devicePath string) ([]LogicalVolume, []string, error) {
	const op = "volume.ActivateLVM"

	if _, err := executil.LookPath("vgchange"); err != nil {
		return nil, nil, coreerr.Wrap(coreerr.LvmActivationFailed, op, err)
	}

	// pvscan --cache picks up new PVs that appeared since boot (a loop or
	// NBD device bound moments ago).
	if _, stderr, err := executil.Run(executil.DefaultToolTimeout, "pvscan", "--cache", devicePath); err != nil {
		plog.Warningf("pvscan --cache %s: %s", devicePath, stderr)
	}

	vgNames, err := vgsOnDevice(devicePath)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.LvmActivationFailed, op, err)
	}
	if len(vgNames) == 0 {
		return nil, nil, nil
	}

	var activated []string
	for _, vg := range vgNames {
		_, stderr, err := executil.Run(executil.DefaultToolTimeout, "vgchange", "-ay", vg)
		if err != nil {
			// best-effort: deactivate any VG we did manage to bring up
			// before surfacing the failure.
			for _, a := range activated {
				_, _, _ = executil.Run(executil.DefaultToolTimeout, "vgchange", "-an", a)
			}
			return nil, nil, coreerr.Wrap(coreerr.LvmActivationFailed, op, errors.Wrapf(err, "vgchange -ay %s: %s", vg, stderr))
		}
		activated = append(activated, vg)
	}

	var lvs []LogicalVolume
	for _, vg := range activated {
		lvNames, err := lvsInGroup(vg)
		if err != nil {
			plog.Warningf("listing LVs in %s: %v", vg, err)
			continue
		}
		for _, lv := range lvNames {
			lvs = append(lvs, LogicalVolume{
				DevicePath:   fmt.Sprintf("/dev/mapper/%s-%s", vg, lv),
				VolumeGroup:  vg,
				Name:         lv,
				ParentDevice: devicePath,
			})
		}
	}

	plog.Infof("activated %d VG(s) on %s, surfacing %d LV(s)", len(activated), devicePath, len(lvs))
	return lvs, activated, nil
}

// DeactivateVG deactivates a volume group this handle activated. Idempotent:
// a VG already deactivated is a no-op.
func DeactivateVG(vg string) error {
	const op = "volume.DeactivateVG"
	_, stderr, err := executil.Run(executil.DefaultToolTimeout, "vgchange", "-an", vg)
	if err != nil {
		if strings.Contains(stderr, "not found") || strings.Contains(stderr, "Cannot find") {
			return nil
		}
		return coreerr.Wrap(coreerr.ToolFailed, op, errors.Wrapf(err, "vgchange -an %s: %s", vg, stderr))
	}
	return nil
}

// OpenLUKS opens the LUKS container at devicePath under a handle-scoped map
// name, returning the mapping. Without a passphrase the device is left
// unopened (per §4.4, inspection proceeds on other partitions) and
// OpenLUKS returns LuksNoKey rather than failing the whole launch.
func OpenLUKS(devicePath string, passphrase []byte, handleTag string) (*LuksMapping, error) {
	const op = "volume.OpenLUKS"

	if len(passphrase) == 0 {
		return nil, coreerr.New(coreerr.LuksNoKey, op)
	}
	if _, err := executil.LookPath("cryptsetup"); err != nil {
		return nil, coreerr.Wrap(coreerr.LuksOpenFailed, op, err)
	}

	mapName := fmt.Sprintf("%s-%s", handleTag, sanitizeMapComponent(devicePath))

	cmd := executil.CommandTimeout(executil.DefaultToolTimeout, "cryptsetup", "open", devicePath, mapName)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.LuksOpenFailed, op, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, coreerr.Wrap(coreerr.LuksOpenFailed, op, err)
	}
	if _, err := stdin.Write(passphrase); err != nil {
		_ = cmd.Kill()
		return nil, coreerr.Wrap(coreerr.LuksOpenFailed, op, err)
	}
	_ = stdin.Close()
	if err := cmd.Wait(); err != nil {
		return nil, coreerr.Wrap(coreerr.LuksOpenFailed, op, err)
	}

	mapping := &LuksMapping{
		DevicePath:   "/dev/mapper/" + mapName,
		MapName:      mapName,
		ParentDevice: devicePath,
	}
	plog.Infof("opened LUKS device %s as %s", devicePath, mapping.DevicePath)
	return mapping, nil
}

// CloseLUKS closes a mapping this handle opened. Idempotent.
func CloseLUKS(mapName string) error {
	const op = "volume.CloseLUKS"
	if _, err := os.Stat("/dev/mapper/" + mapName); os.IsNotExist(err) {
		return nil
	}
	_, stderr, err := executil.Run(executil.DefaultToolTimeout, "cryptsetup", "close", mapName)
	if err != nil {
		return coreerr.Wrap(coreerr.ToolFailed, op, errors.Wrapf(err, "cryptsetup close %s: %s", mapName, stderr))
	}
	return nil
}

func sanitizeMapComponent(devicePath string) string {
	base := devicePath
	if i := strings.LastIndexByte(devicePath, '/'); i >= 0 {
		base = devicePath[i+1:]
	}
	return base
}

// vgsOnDevice lists the volume group(s), if any, a PV on devicePath belongs
// to, via `pvs --noheadings -o vg_name`.
func vgsOnDevice(devicePath string) ([]string, error) {
	stdout, stderr, err := executil.Run(executil.DefaultToolTimeout, "pvs", "--noheadings", "-o", "vg_name", devicePath)
	if err != nil {
		return nil, errors.Wrapf(err, "pvs %s: %s", devicePath, stderr)
	}
	var names []string
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// lvsInGroup lists the logical volume names in vg via
// `lvs --noheadings -o lv_name`.
func lvsInGroup(vg string) ([]string, error) {
	stdout, stderr, err := executil.Run(executil.DefaultToolTimeout, "lvs", "--noheadings", "-o", "lv_name", vg)
	if err != nil {
		return nil, errors.Wrapf(err, "lvs %s: %s", vg, stderr)
	}
	var names []string
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
