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
	"sort"

	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
	"github.com/ssahani/guestkit-sub004/internal/pkg/fsprobe"
	"github.com/ssahani/guestkit-sub004/internal/pkg/guestfs"
	"github.com/ssahani/guestkit-sub004/internal/pkg/inspect"
	"github.com/ssahani/guestkit-sub004/internal/pkg/mount"
)

// InspectOS mounts every leaf filesystem in a scratch view (the mount is
// read-only only when every drive of the handle is read-only), samples it
// for OS markers per §4.8.1, and returns the ordered list of
// OsRoot device paths. Requires Launched. A disk with no detected OS
// yields an empty slice and nil error, per §3's "zero or more" OsRoots
// and §7's "NoOsDetected is a soft result, not an error" for the CLI's
// own mapping (the CLI layer, not this one, turns an empty list into
// exit code 4).
func (h *Handle) InspectOS() ([]string, error) {
	const op = "guestkit.inspect_os"
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Launched {
		return nil, coreerr.New(coreerr.NotMounted, op)
	}

	devices := make([]string, 0, len(h.fses))
	for dev, fsRec := range h.fses {
		if fsRec.FSType == fsprobe.Unknown || fsRec.FSType == fsprobe.Swap {
			continue
		}
		devices = append(devices, dev)
	}
	sort.Strings(devices)

	var out []string
	for _, dev := range devices {
		if _, ok := h.roots[dev]; ok {
			out = append(out, dev)
			continue
		}
		id, probeErr := h.probeOSRoot(dev)
		if probeErr != nil {
			return nil, probeErr
		}
		if id == nil {
			continue
		}
		h.roots[dev] = &osRoot{device: dev, identity: id}
		out = append(out, dev)
	}
	return out, nil
}

// probeOSRoot mounts dev into a throwaway scratch directory under the
// handle's mount manager (created lazily), runs inspect.ClassifyOS over
// it, and leaves the mount in place for a subsequent InspectListApplications
// or mountpoint-plan read to reuse — umount_all still tears it down.
func (h *Handle) probeOSRoot(dev string) (*inspect.GuestIdentity, error) {
	if err := h.ensureMountMgr(); err != nil {
		return nil, err
	}
	readOnly, _ := h.isReadOnlyDevice(dev)
	guestPath := "/.inspect-" + sanitizeDevName(dev)

	mp, err := h.mountMgr.Mount(dev, guestPath, h.fses[dev].FSType, nil)
	if err != nil {
		// A probe mount failing (e.g. unsupported fs for `mount`) is not
		// fatal to the overall inspect_os scan; this device simply
		// isn't an OS root candidate.
		return nil, nil
	}
	h.pushTeardown("umount probe "+mp.GuestPath, func() error {
		return h.mountMgr.Umount(mp.GuestPath)
	})

	probeFS := guestfs.New(mp.BackingTempdir, readOnly)
	id, err := inspect.ClassifyOS(probeFS)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (h *Handle) ensureMountMgr() error {
	if h.mountMgr != nil {
		return nil
	}
	mgr, err := mount.NewManager("", "guestkit", h.allReadOnly())
	if err != nil {
		return err
	}
	h.mountMgr = mgr
	h.pushTeardown("umount all + remove temp root", func() error {
		h.mountMgr.UmountAll()
		return h.mountMgr.Close()
	})
	return nil
}

func (h *Handle) allReadOnly() bool {
	for _, d := range h.drives {
		if !d.readOnly {
			return false
		}
	}
	return len(h.drives) > 0
}

func (h *Handle) isReadOnlyDevice(devicePath string) (bool, bool) {
	for _, bd := range h.bound {
		if bd.DevicePath == devicePath || hasPrefix(devicePath, bd.DevicePath) {
			return bd.ReadOnly, true
		}
	}
	return h.allReadOnly(), false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func sanitizeDevName(dev string) string {
	out := make([]byte, 0, len(dev))
	for _, c := range []byte(dev) {
		if c == '/' {
			out = append(out, '-')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}

// InspectGetDistro, InspectGetProductName, InspectGetMajorVersion,
// InspectGetMinorVersion, InspectGetArch, InspectGetHostname,
// InspectGetPackageFormat, InspectGetPackageManager, InspectGetInitSystem,
// InspectGetKernelVersion, InspectGetMachineID, InspectGetChassis are the
// §6 `inspect_get_*(root)` scalar accessors, each requiring a prior
// InspectOS call to have populated the cache for root.
func (h *Handle) InspectGetDistro(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.Distro, nil
}

func (h *Handle) InspectGetProductName(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.ProductName, nil
}

func (h *Handle) InspectGetMajorVersion(root string) (int, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return 0, err
	}
	return id.MajorVersion, nil
}

func (h *Handle) InspectGetMinorVersion(root string) (int, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return 0, err
	}
	return id.MinorVersion, nil
}

func (h *Handle) InspectGetArch(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.Arch, nil
}

func (h *Handle) InspectGetHostname(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.Hostname, nil
}

func (h *Handle) InspectGetType(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.OsType.String(), nil
}

func (h *Handle) InspectGetPackageFormat(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.PackageFormat.String(), nil
}

func (h *Handle) InspectGetPackageManager(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.PackageManager, nil
}

func (h *Handle) InspectGetInitSystem(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.InitSystem, nil
}

func (h *Handle) InspectGetKernelVersion(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.KernelVersion, nil
}

func (h *Handle) InspectGetMachineID(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.MachineID, nil
}

func (h *Handle) InspectGetChassis(root string) (string, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return "", err
	}
	return id.Chassis, nil
}

// InspectGetReadOnlyRoot is a SPEC_FULL supplement accessor for the
// dm-verity/read-only-root heuristic.
func (h *Handle) InspectGetReadOnlyRoot(root string) (bool, error) {
	id, err := h.identityFor(root)
	if err != nil {
		return false, err
	}
	return id.ReadOnlyRoot, nil
}

func (h *Handle) identityFor(root string) (*inspect.GuestIdentity, error) {
	const op = "guestkit.inspect_get"
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Launched {
		return nil, coreerr.New(coreerr.NotMounted, op)
	}
	r, ok := h.roots[root]
	if !ok || r.identity == nil {
		return nil, coreerr.New(coreerr.NoOsDetected, op)
	}
	return r.identity, nil
}

// InspectGetMountpoints computes root's mountpoint plan from guest
// /etc/fstab, resolved against every filesystem this handle has
// classified, per §6's `inspect_get_mountpoints`.
func (h *Handle) InspectGetMountpoints(root string) (map[string]string, error) {
	const op = "guestkit.inspect_get_mountpoints"
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.roots[root]
	if !ok {
		return nil, coreerr.New(coreerr.NoOsDetected, op)
	}
	if r.mountedAt != nil {
		return r.mountedAt, nil
	}

	rootMp := h.probeMountpointForRoot(root)
	if rootMp == nil {
		return nil, coreerr.New(coreerr.Io, op)
	}
	probeFS := guestfs.New(rootMp.BackingTempdir, true)

	plan, _ := inspect.ReadMountplan(probeFS)
	r.mountplan = plan

	byUUID := map[string]string{}
	byLabel := map[string]string{}
	for dev, f := range h.fses {
		if f.UUID != "" {
			byUUID[f.UUID] = dev
		}
		if f.Label != "" {
			byLabel[f.Label] = dev
		}
	}
	resolved, unresolved := inspect.ResolveMountplan(plan, byUUID, byLabel)
	resolved["/"] = root
	for _, u := range unresolved {
		plog.Infof("unresolved mountpoint %s (%s): %s", u.Entry.Mountpoint, u.Entry.Source, u.Reason)
	}

	r.mountedAt = resolved
	return resolved, nil
}

func (h *Handle) probeMountpointForRoot(root string) *mount.Mountpoint {
	if h.mountMgr == nil {
		return nil
	}
	guestPath := "/.inspect-" + sanitizeDevName(root)
	for _, mp := range h.mountMgr.Active() {
		if mp.GuestPath == guestPath {
			return mp
		}
	}
	return nil
}

// InspectListApplications enumerates root's installed packages, per §6's
// `inspect_list_applications`. Requires a mount (this reuses the
// inspect-probe mount InspectOS already created).
func (h *Handle) InspectListApplications(root string) ([]inspect.Package, error) {
	const op = "guestkit.inspect_list_applications"
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.roots[root]
	if !ok || r.identity == nil {
		return nil, coreerr.New(coreerr.NoOsDetected, op)
	}
	mp := h.probeMountpointForRoot(root)
	if mp == nil {
		return nil, coreerr.New(coreerr.NotMounted, op)
	}
	probeFS := guestfs.New(mp.BackingTempdir, true)
	list, err := inspect.EnumeratePackages(probeFS, r.identity)
	if err != nil {
		return nil, err
	}
	if list.Warnings > 0 {
		plog.Infof("%s: %d package record(s) failed to parse", root, list.Warnings)
	}
	return list.Packages, nil
}

// InspectCountApplications is a SPEC_FULL supplement exposing inspect.Count's
// fast-path package count (structure scan, no full Package materialization
// for deb/pacman/apk) alongside InspectListApplications.
func (h *Handle) InspectCountApplications(root string) (int, error) {
	const op = "guestkit.inspect_count_applications"
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.roots[root]
	if !ok || r.identity == nil {
		return 0, coreerr.New(coreerr.NoOsDetected, op)
	}
	mp := h.probeMountpointForRoot(root)
	if mp == nil {
		return 0, coreerr.New(coreerr.NotMounted, op)
	}
	probeFS := guestfs.New(mp.BackingTempdir, true)
	return inspect.Count(probeFS, r.identity)
}

// InspectListServices and InspectListNetworkInterfaces are SPEC_FULL
// supplements surfacing §4.8.4's fast paths through the handle.
func (h *Handle) InspectListServices(root string) ([]inspect.Service, error) {
	const op = "guestkit.inspect_list_services"
	h.mu.Lock()
	defer h.mu.Unlock()
	mp := h.probeMountpointForRoot(root)
	if mp == nil {
		return nil, coreerr.New(coreerr.NotMounted, op)
	}
	return inspect.ListEnabledServices(guestfs.New(mp.BackingTempdir, true))
}

func (h *Handle) InspectListNetworkInterfaces(root string) ([]inspect.NetworkInterface, error) {
	const op = "guestkit.inspect_list_network_interfaces"
	h.mu.Lock()
	defer h.mu.Unlock()
	mp := h.probeMountpointForRoot(root)
	if mp == nil {
		return nil, coreerr.New(coreerr.NotMounted, op)
	}
	return inspect.ListNetworkInterfaces(guestfs.New(mp.BackingTempdir, true))
}

// InspectGetDNSConfig surfaces §4.8.4's "Hostname, DNS, hosts" fast path's
// resolv.conf/hosts half (hostname itself comes from InspectGetHostname).
func (h *Handle) InspectGetDNSConfig(root string) (*inspect.DNSConfig, error) {
	const op = "guestkit.inspect_get_dns_config"
	h.mu.Lock()
	defer h.mu.Unlock()
	mp := h.probeMountpointForRoot(root)
	if mp == nil {
		return nil, coreerr.New(coreerr.NotMounted, op)
	}
	return inspect.ReadDNSConfig(guestfs.New(mp.BackingTempdir, true))
}
