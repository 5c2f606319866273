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
	"strconv"
	"strings"

	rpmdb "github.com/erikvarga/go-rpmdb/pkg"

	"github.com/ssahani/guestkit-sub004/internal/pkg/guestfs"
)

// Package is the §4.8.3 data-model record for one installed package. Not
// every format exposes every field; a format that doesn't carry one (e.g.
// apk has no packager) leaves it zero-valued rather than guessing.
type Package struct {
	Name          string
	Epoch         string
	Version       string
	Release       string
	Arch          string
	Summary       string
	URL           string
	Packager      string
	InstallPrefix string
}

// PackageList is the result of enumerating an OS root's package database,
// per §4.8.3. Warnings counts records that failed to parse; a per-record
// parse failure never aborts the whole enumeration.
type PackageList struct {
	Format   PackageFormat
	Packages []Package
	Warnings int
}

// EnumeratePackages dispatches to the parser matching id.PackageFormat,
// reading the on-disk package database under fs. A format whose database
// files are absent from the mount returns an empty, non-error result,
// per §4.8.3's fail-soft posture.
func EnumeratePackages(fs *guestfs.FS, id *GuestIdentity) (*PackageList, error) {
	switch id.PackageFormat {
	case PkgRpm:
		return enumerateRpm(fs)
	case PkgDeb:
		return enumerateDeb(fs)
	case PkgPacman:
		return enumeratePacman(fs)
	case PkgApk:
		return enumerateApk(fs)
	default:
		return &PackageList{Format: id.PackageFormat}, nil
	}
}

// Count is a SPEC_FULL supplement (§9's "lazy sequences" guidance): a
// fast-path package count that scans structure directly — pacman's
// directory entries, deb's stanza boundaries, apk's "P:" record markers —
// rather than building this package's full Package slice. rpm has no
// count-only entry point in go-rpmdb, so it still decodes every record
// through EnumeratePackages; every other format never materializes a
// Package at all.
func Count(fs *guestfs.FS, id *GuestIdentity) (int, error) {
	switch id.PackageFormat {
	case PkgDeb:
		return countDebStanzas(fs), nil
	case PkgPacman:
		return countPacmanEntries(fs), nil
	case PkgApk:
		return countApkRecords(fs), nil
	default:
		list, err := EnumeratePackages(fs, id)
		if err != nil {
			return 0, err
		}
		return len(list.Packages), nil
	}
}

// countDebStanzas counts installed-state dpkg stanzas without parsing any
// field but Status.
func countDebStanzas(fs *guestfs.FS) int {
	data, err := fs.ReadFile("/var/lib/dpkg/status")
	if err != nil {
		return 0
	}
	n := 0
	for _, stanza := range strings.Split(string(data), "\n\n") {
		stanza = strings.TrimSpace(stanza)
		if stanza == "" {
			continue
		}
		if status := debStatusField(stanza); status != "" && !strings.Contains(status, "installed") {
			continue
		}
		n++
	}
	return n
}

func debStatusField(stanza string) string {
	for _, line := range strings.Split(stanza, "\n") {
		if strings.HasPrefix(line, "Status:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Status:"))
		}
	}
	return ""
}

// countPacmanEntries counts local-db directories without reading any
// desc file.
func countPacmanEntries(fs *guestfs.FS) int {
	entries, err := fs.Ls("/var/lib/pacman/local")
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir {
			n++
		}
	}
	return n
}

// countApkRecords counts "P:" (package-name) record markers without
// building a Package for any of them.
func countApkRecords(fs *guestfs.FS) int {
	data, err := fs.ReadFile("/lib/apk/db/installed")
	if err != nil {
		return 0
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if len(line) >= 2 && line[0] == 'P' && line[1] == ':' {
			n++
		}
	}
	return n
}

// rpmdbCandidates are the on-disk rpm database stores this enumerator tries
// in order, covering both the traditional /var/lib/rpm location and the
// /usr/lib/sysimage/rpm location newer rpm releases moved the store to, and
// every on-disk format (BDB, sqlite, NDB) go-rpmdb auto-detects by content.
var rpmdbCandidates = []string{
	"/var/lib/rpm/rpmdb.sqlite",
	"/var/lib/rpm/Packages.db",
	"/var/lib/rpm/Packages",
	"/usr/lib/sysimage/rpm/rpmdb.sqlite",
	"/usr/lib/sysimage/rpm/Packages.db",
	"/usr/lib/sysimage/rpm/Packages",
}

// enumerateRpm parses the real rpm database with go-rpmdb, a pure-Go
// BDB/NDB/sqlite reader that needs no cgo link against librpm. go-rpmdb
// opens its store by path rather than by streaming bytes, so this resolves
// the guest path to its real backing file via fs.ResolvePath first. Only
// when no native rpmdb store is reachable at all (e.g. an OSTree or
// container-layer image that ships just a build manifest) does this fall
// back to the plaintext content manifests those pipelines leave behind.
func enumerateRpm(fs *guestfs.FS) (*PackageList, error) {
	list := &PackageList{Format: PkgRpm}

	for _, candidate := range rpmdbCandidates {
		if !fs.Exists(candidate) {
			continue
		}
		if readRpmDB(fs, candidate, list) {
			return list, nil
		}
	}

	for _, candidate := range []string{
		"/root/buildinfo/content_manifest.json",
		"/var/lib/rpmmanifest/container-manifest-2",
	} {
		if fs.Exists(candidate) {
			data, err := fs.ReadFile(candidate)
			if err == nil {
				parseRpmManifestLines(string(data), list)
			}
		}
	}

	return list, nil
}

// readRpmDB opens guestPath's backing host file through go-rpmdb and, on
// success, appends every listed package to list. It reports whether the
// store opened and parsed cleanly; a corrupt or unrecognized store is
// logged and treated as absent rather than failing the whole enumeration.
func readRpmDB(fs *guestfs.FS, guestPath string, list *PackageList) bool {
	hostPath, err := fs.ResolvePath(guestPath)
	if err != nil {
		return false
	}
	db, err := rpmdb.Open(hostPath)
	if err != nil {
		plog.Infof("rpmdb open %s: %v", guestPath, err)
		return false
	}
	defer db.Close()

	pkgs, err := db.ListPackages()
	if err != nil {
		plog.Infof("rpmdb list %s: %v", guestPath, err)
		return false
	}
	for _, p := range pkgs {
		epoch := ""
		if p.Epoch != nil {
			epoch = strconv.Itoa(*p.Epoch)
		}
		list.Packages = append(list.Packages, Package{
			Name:     p.Name,
			Epoch:    epoch,
			Version:  p.Version,
			Release:  p.Release,
			Arch:     p.Arch,
			Summary:  p.Summary,
			Packager: p.Vendor,
		})
	}
	return true
}

// parseRpmManifestLines extracts "name-version-release.arch" tokens from
// a loosely-structured manifest, incrementing Warnings on any token that
// doesn't split cleanly into four NEVRA components.
func parseRpmManifestLines(data string, list *PackageList) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, "-") {
			continue
		}
		pkg, ok := parseNEVRAToken(line)
		if !ok {
			list.Warnings++
			continue
		}
		list.Packages = append(list.Packages, pkg)
	}
}

// parseNEVRAToken splits "name-version-release.arch", the conventional
// rpm filename stem, into its components.
func parseNEVRAToken(token string) (Package, bool) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return Package{}, false
	}
	arch := token[dot+1:]
	rest := token[:dot]

	lastDash := strings.LastIndexByte(rest, '-')
	if lastDash < 0 {
		return Package{}, false
	}
	release := rest[lastDash+1:]
	rest = rest[:lastDash]

	secondDash := strings.LastIndexByte(rest, '-')
	if secondDash < 0 {
		return Package{}, false
	}
	name := rest[:secondDash]
	version := rest[secondDash+1:]

	if name == "" || version == "" || release == "" || arch == "" {
		return Package{}, false
	}
	return Package{Name: name, Version: version, Release: release, Arch: arch}, true
}

// enumerateDeb parses /var/lib/dpkg/status, a sequence of RFC822-style
// stanzas separated by blank lines, per §4.8.3.
func enumerateDeb(fs *guestfs.FS) (*PackageList, error) {
	list := &PackageList{Format: PkgDeb}

	data, err := fs.ReadFile("/var/lib/dpkg/status")
	if err != nil {
		return list, nil
	}

	for _, stanza := range strings.Split(string(data), "\n\n") {
		stanza = strings.TrimSpace(stanza)
		if stanza == "" {
			continue
		}
		fields := parseDebStanza(stanza)
		if fields["Status"] != "" && !strings.Contains(fields["Status"], "installed") {
			continue
		}
		name := fields["Package"]
		version := fields["Version"]
		arch := fields["Architecture"]
		if name == "" || version == "" {
			list.Warnings++
			continue
		}
		ver, rel := splitDebVersion(version)
		summary, _, _ := strings.Cut(fields["Description"], "\n")
		list.Packages = append(list.Packages, Package{
			Name:     name,
			Version:  ver,
			Release:  rel,
			Arch:     arch,
			Summary:  summary,
			URL:      fields["Homepage"],
			Packager: fields["Maintainer"],
		})
	}
	return list, nil
}

func parseDebStanza(stanza string) map[string]string {
	out := map[string]string{}
	lines := strings.Split(stanza, "\n")
	var lastKey string
	for _, line := range lines {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			if lastKey != "" {
				out[lastKey] += "\n" + line
			}
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		out[key] = strings.TrimSpace(line[i+1:])
		lastKey = key
	}
	return out
}

// splitDebVersion splits a debian version string on its last '-' into
// (upstream_version, debian_revision); a version with no revision yields
// an empty release.
func splitDebVersion(v string) (version, release string) {
	i := strings.LastIndexByte(v, '-')
	if i < 0 {
		return v, ""
	}
	return v[:i], v[i+1:]
}

// enumeratePacman walks /var/lib/pacman/local/<name>-<version>/desc
// files, each a simple "%KEY%\nvalue\n\n" record format.
func enumeratePacman(fs *guestfs.FS) (*PackageList, error) {
	list := &PackageList{Format: PkgPacman}

	entries, err := fs.Ls("/var/lib/pacman/local")
	if err != nil {
		return list, nil
	}
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		descPath := "/var/lib/pacman/local/" + e.Name + "/desc"
		data, err := fs.ReadFile(descPath)
		if err != nil {
			list.Warnings++
			continue
		}
		fields := parsePacmanDesc(string(data))
		name := fields["NAME"]
		version := fields["VERSION"]
		arch := fields["ARCH"]
		if name == "" || version == "" {
			list.Warnings++
			continue
		}
		ver, rel := splitPacmanVersion(version)
		list.Packages = append(list.Packages, Package{
			Name:     name,
			Version:  ver,
			Release:  rel,
			Arch:     arch,
			Summary:  fields["DESC"],
			URL:      fields["URL"],
			Packager: fields["PACKAGER"],
		})
	}
	return list, nil
}

func parsePacmanDesc(data string) map[string]string {
	out := map[string]string{}
	blocks := strings.Split(data, "\n\n")
	for _, b := range blocks {
		lines := strings.SplitN(strings.TrimLeft(b, "\n"), "\n", 2)
		if len(lines) < 2 {
			continue
		}
		key := strings.Trim(lines[0], "%")
		out[key] = strings.TrimSpace(lines[1])
	}
	return out
}

func splitPacmanVersion(v string) (version, release string) {
	i := strings.LastIndexByte(v, '-')
	if i < 0 {
		return v, ""
	}
	return v[:i], v[i+1:]
}

// enumerateApk parses /lib/apk/db/installed, apk's own stanza format
// using single-letter field prefixes ("P:name", "V:version", "A:arch").
func enumerateApk(fs *guestfs.FS) (*PackageList, error) {
	list := &PackageList{Format: PkgApk}

	data, err := fs.ReadFile("/lib/apk/db/installed")
	if err != nil {
		return list, nil
	}

	var cur Package
	have := false
	flush := func() {
		if !have {
			return
		}
		if cur.Name == "" || cur.Version == "" {
			list.Warnings++
		} else {
			list.Packages = append(list.Packages, cur)
		}
		cur = Package{}
		have = false
	}

	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			flush()
			continue
		}
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		have = true
		value := line[2:]
		switch line[0] {
		case 'P':
			cur.Name = value
		case 'V':
			ver, rel := splitApkVersion(value)
			cur.Version = ver
			cur.Release = rel
		case 'A':
			cur.Arch = value
		case 'T':
			cur.Summary = value
		case 'U':
			cur.URL = value
		}
	}
	flush()
	return list, nil
}

// splitApkVersion splits "1.2.3-r4" into ("1.2.3", "r4").
func splitApkVersion(v string) (version, release string) {
	i := strings.LastIndexByte(v, '-')
	if i < 0 || !strings.HasPrefix(v[i+1:], "r") {
		return v, ""
	}
	if _, err := strconv.Atoi(v[i+2:]); err != nil {
		return v, ""
	}
	return v[:i], v[i+1:]
}
