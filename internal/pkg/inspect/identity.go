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

// Package inspect implements the Inspection Engine (L8): OS classification,
// package-format/manager derivation, package enumeration for rpm/deb/pacman/apk,
// and the services/network fast paths, all read through a mounted guestfs.FS
// view. Parsing conventions (os-release keyed shell syntax, dpkg stanza
// parsing, pacman desc records) follow the domain knowledge in spec.md §4.8
// together with the inspection-style examples in the pack
// (os-image-composer/imageinspect's dm-verity detection, kairos-agent's
// /proc/mounts-and-sysfs walking, osbuild-composer's distro/arch tables).
package inspect

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/coreos/pkg/capnslog"

	"github.com/ssahani/guestkit-sub004/internal/pkg/corelog"
	"github.com/ssahani/guestkit-sub004/internal/pkg/guestfs"
)

var plog = capnslog.NewPackageLogger(corelog.ModulePath, "inspect")

// OsType is the closed §3 os_type enum.
type OsType int

const (
	OsUnknown OsType = iota
	OsLinux
	OsWindows
	OsFreeBSD
)

func (t OsType) String() string {
	switch t {
	case OsLinux:
		return "linux"
	case OsWindows:
		return "windows"
	case OsFreeBSD:
		return "freebsd"
	default:
		return "unknown"
	}
}

// PackageFormat is the closed §3 package_format enum.
type PackageFormat int

const (
	PkgUnknown PackageFormat = iota
	PkgRpm
	PkgDeb
	PkgPacman
	PkgApk
)

func (f PackageFormat) String() string {
	switch f {
	case PkgRpm:
		return "rpm"
	case PkgDeb:
		return "deb"
	case PkgPacman:
		return "pacman"
	case PkgApk:
		return "apk"
	default:
		return "unknown"
	}
}

// GuestIdentity is the §3 data-model record the Inspection Engine
// populates for one OsRoot.
type GuestIdentity struct {
	OsType         OsType
	Distro         string
	ProductName    string
	MajorVersion   int
	MinorVersion   int
	Arch           string
	Hostname       string
	PackageFormat  PackageFormat
	PackageManager string
	InitSystem     string
	KernelVersion  string
	MachineID      string
	Chassis        string

	// ReadOnlyRoot is a SPEC_FULL supplement: best-effort dm-verity /
	// read-only-root detection, informational only and never blocking.
	ReadOnlyRoot bool
}

// rhelFamily lists the distro IDs that map to the rpm package format, per
// §4.8.2's closed table.
var rhelFamily = map[string]string{
	"rhel": "dnf", "fedora": "dnf", "centos": "dnf", "rocky": "dnf",
	"alma": "dnf", "photon": "tdnf", "opensuse": "zypper",
	"opensuse-leap": "zypper", "opensuse-tumbleweed": "zypper", "sles": "zypper",
}

// ClassifyOS samples well-known files under fs to decide whether it is an
// OS root, per §4.8.1. A filesystem with no recognized OS marker returns
// (nil, nil) — not an error — so the caller can simply skip it.
func ClassifyOS(fs *guestfs.FS) (*GuestIdentity, error) {
	if ok, _ := fs.IsDir("/etc"); ok {
		if id := classifyLinux(fs); id != nil {
			return id, nil
		}
	}
	if fs.Exists("/Windows/System32/config/SYSTEM") && fs.Exists("/Windows/System32") {
		return classifyWindows(fs), nil
	}
	if fs.Exists("/etc/rc.conf") && fs.Exists("/boot/kernel/kernel") {
		return classifyFreeBSD(fs), nil
	}
	return nil, nil
}

func classifyLinux(fs *guestfs.FS) *GuestIdentity {
	markers := []string{
		"/etc/os-release", "/usr/lib/os-release", "/etc/lsb-release",
		"/etc/photon-release", "/etc/redhat-release", "/etc/debian_version",
	}
	hasMarker := false
	for _, m := range markers {
		if fs.Exists(m) {
			hasMarker = true
			break
		}
	}
	if !hasMarker {
		return nil
	}

	id := &GuestIdentity{OsType: OsLinux}

	switch {
	case fs.Exists("/etc/os-release"):
		parseOsRelease(fs, "/etc/os-release", id)
	case fs.Exists("/usr/lib/os-release"):
		parseOsRelease(fs, "/usr/lib/os-release", id)
	case fs.Exists("/etc/lsb-release"):
		parseLsbRelease(fs, id)
	case fs.Exists("/etc/photon-release"):
		parseFreeTextRelease(fs, "/etc/photon-release", "photon", id)
	case fs.Exists("/etc/redhat-release"):
		parseFreeTextRelease(fs, "/etc/redhat-release", "rhel", id)
	}

	id.Hostname = readHostname(fs)
	id.MachineID = readMachineID(fs)
	id.KernelVersion = findKernelVersion(fs)
	id.InitSystem = detectInitSystem(fs)
	id.Arch = detectArch(fs)
	id.Chassis = detectChassis(fs)
	id.ReadOnlyRoot = detectReadOnlyRoot(fs)

	id.PackageFormat, id.PackageManager = packageFormatFor(id.Distro)

	return id
}

func classifyWindows(fs *guestfs.FS) *GuestIdentity {
	id := &GuestIdentity{OsType: OsWindows, PackageFormat: PkgUnknown}
	major, hostname := readWindowsRegistryHints(fs)
	id.MajorVersion = major
	id.Hostname = hostname
	return id
}

func classifyFreeBSD(fs *guestfs.FS) *GuestIdentity {
	return &GuestIdentity{OsType: OsFreeBSD, Distro: "freebsd"}
}

// parseOsRelease implements the keyed shell-syntax parsing from §4.8.1:
// ID -> distro, PRETTY_NAME -> product_name, VERSION_ID split on the
// first '.' -> major/minor, BUILD_ID as a minor fallback.
func parseOsRelease(fs *guestfs.FS, path string, id *GuestIdentity) {
	kv := parseKeyedShellFile(fs, path)
	id.Distro = unquote(kv["ID"])
	id.ProductName = unquote(kv["PRETTY_NAME"])

	versionID := unquote(kv["VERSION_ID"])
	if versionID != "" {
		major, minor := splitVersion(versionID)
		id.MajorVersion = major
		id.MinorVersion = minor
	} else if buildID := unquote(kv["BUILD_ID"]); buildID != "" {
		if n, err := strconv.Atoi(buildID); err == nil {
			id.MinorVersion = n
		}
	}
}

func parseLsbRelease(fs *guestfs.FS, id *GuestIdentity) {
	kv := parseKeyedShellFile(fs, "/etc/lsb-release")
	id.Distro = strings.ToLower(unquote(kv["DISTRIB_ID"]))
	major, minor := splitVersion(unquote(kv["DISTRIB_RELEASE"]))
	id.MajorVersion = major
	id.MinorVersion = minor
}

var freeTextVersionRe = regexp.MustCompile(`(\d+)(?:\.(\d+))?`)

func parseFreeTextRelease(fs *guestfs.FS, path, distro string, id *GuestIdentity) {
	id.Distro = distro
	data, err := fs.ReadFile(path)
	if err != nil {
		return
	}
	m := freeTextVersionRe.FindStringSubmatch(string(data))
	if m == nil {
		return
	}
	if n, err := strconv.Atoi(m[1]); err == nil {
		id.MajorVersion = n
	}
	if len(m) > 2 && m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil {
			id.MinorVersion = n
		}
	}
}

// parseKeyedShellFile parses a simple KEY=VALUE-per-line file, the syntax
// shared by os-release and lsb-release.
func parseKeyedShellFile(fs *guestfs.FS, path string) map[string]string {
	out := map[string]string{}
	data, err := fs.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i < 0 {
			continue
		}
		out[line[:i]] = line[i+1:]
	}
	return out
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func splitVersion(v string) (major, minor int) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(strings.TrimSuffix(parts[1], "."))
	}
	return
}

// readHostname reads /etc/hostname trimmed; an absent or all-whitespace
// file yields the sentinel "localhost", per §4.8.1.
func readHostname(fs *guestfs.FS) string {
	data, err := fs.ReadFile("/etc/hostname")
	if err != nil {
		return "localhost"
	}
	h := strings.TrimSpace(string(data))
	if h == "" {
		return "localhost"
	}
	return h
}

var machineIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

func readMachineID(fs *guestfs.FS) string {
	data, err := fs.ReadFile("/etc/machine-id")
	if err != nil {
		return ""
	}
	id := strings.TrimSpace(string(data))
	if machineIDRe.MatchString(id) {
		return id
	}
	return ""
}

// findKernelVersion picks the lexicographically last vmlinuz-*/kernel-*
// entry under /boot, per §4.8.1.
func findKernelVersion(fs *guestfs.FS) string {
	entries, err := fs.Ls("/boot")
	if err != nil {
		return ""
	}
	var best, bestVersion string
	for _, e := range entries {
		var prefix string
		switch {
		case strings.HasPrefix(e.Name, "vmlinuz-"):
			prefix = "vmlinuz-"
		case strings.HasPrefix(e.Name, "kernel-"):
			prefix = "kernel-"
		default:
			continue
		}
		if e.Name > best {
			best = e.Name
			bestVersion = strings.TrimPrefix(e.Name, prefix)
		}
	}
	return bestVersion
}

// detectInitSystem follows §4.8.1's probe order: systemd binary present
// -> systemd; else /sbin/init symlink target -> sysvinit/openrc; else
// unknown.
func detectInitSystem(fs *guestfs.FS) string {
	if fs.Exists("/usr/lib/systemd/systemd") {
		return "systemd"
	}
	if target, err := fs.Readlink("/sbin/init"); err == nil {
		switch {
		case strings.Contains(target, "openrc"):
			return "openrc"
		case target != "":
			return "sysvinit"
		}
	}
	return "unknown"
}

// detectArch probes an ELF executable under /bin or /usr/bin for its
// e_ident[EI_CLASS] and e_machine fields, per §4.8.1.
func detectArch(fs *guestfs.FS) string {
	for _, dir := range []string{"/bin", "/usr/bin"} {
		entries, err := fs.Ls(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir {
				continue
			}
			data, err := fs.ReadFile(dir + "/" + e.Name)
			if err != nil || len(data) < 20 {
				continue
			}
			if data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
				continue
			}
			return elfArchName(data)
		}
	}
	return ""
}

func elfArchName(header []byte) string {
	class := header[4] // 1 = 32-bit, 2 = 64-bit
	var machine uint16
	if header[5] == 1 { // little-endian
		machine = uint16(header[18]) | uint16(header[19])<<8
	} else {
		machine = uint16(header[19]) | uint16(header[18])<<8
	}
	switch machine {
	case 0x03:
		return "i386"
	case 0x3e:
		return "x86_64"
	case 0x28:
		if class == 2 {
			return "aarch64"
		}
		return "arm"
	case 0xb7:
		return "aarch64"
	default:
		return "unknown"
	}
}

// packageFormatFor derives (package_format, package_manager) from distro
// family, per §4.8.2's closed table.
func packageFormatFor(distro string) (PackageFormat, string) {
	d := strings.ToLower(distro)
	if mgr, ok := rhelFamily[d]; ok {
		return PkgRpm, mgr
	}
	switch d {
	case "debian", "ubuntu":
		return PkgDeb, "apt"
	case "archlinux", "arch":
		return PkgPacman, "pacman"
	case "alpine":
		return PkgApk, "apk"
	}
	return PkgUnknown, ""
}

// detectChassis is a SPEC_FULL supplement: populate GuestIdentity.Chassis
// from /etc/machine-info's CHASSIS= key, falling back to "unknown".
func detectChassis(fs *guestfs.FS) string {
	kv := parseKeyedShellFile(fs, "/etc/machine-info")
	if c := unquote(kv["CHASSIS"]); c != "" {
		return c
	}
	return "unknown"
}

// detectReadOnlyRoot is a SPEC_FULL supplement grounded on
// os-image-composer imageinspect.go's detectVerity: a best-effort,
// non-blocking note that the root's backing chain terminates in a
// dm-verity target. Lacking kernel dm-table introspection at this layer,
// it falls back to the guest-visible signal fstab itself carries (a "ro"
// mount option on "/").
func detectReadOnlyRoot(fs *guestfs.FS) bool {
	data, err := fs.ReadFile("/etc/fstab")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if fields[1] != "/" {
			continue
		}
		for _, opt := range strings.Split(fields[3], ",") {
			if opt == "ro" {
				return true
			}
		}
	}
	return false
}

// readWindowsRegistryHints picks a coarse major version (NT 10.x covers
// both Windows 10 and 11 in CurrentVersion). No registry key is read:
// presence of the SYSTEM hive file is the only signal used here, and the
// returned hostname is always empty.
func readWindowsRegistryHints(fs *guestfs.FS) (major int, hostname string) {
	if !fs.Exists("/Windows/System32/config/SYSTEM") {
		return 0, ""
	}
	return 10, ""
}
