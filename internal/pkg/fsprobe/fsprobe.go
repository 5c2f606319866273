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

// Package fsprobe implements the Filesystem Probe (L5): classifies a
// device (partition, LV, or LUKS map) by reading its superblock at a few
// fixed offsets, per the signature table in §4.5. No example in the pack
// does exact-offset superblock sniffing — the closest analogues
// (os-image-composer's diskfs-backed inspector, kairos-agent's
// ghw/sysfs-backed partition reader) both delegate filesystem typing to an
// external library or the kernel's own /sys/class/block "sys_fstype"
// attribute, which assumes a live, already-scanned kernel view this
// package cannot assume (L5 runs against a bound-but-not-yet-mounted
// device). Signature matching uses only the standard library (bytes, os),
// documented here and in
// DESIGN.md as a deliberate stdlib-only choice rather than an oversight.
package fsprobe

import (
	"bytes"
	"os"

	"github.com/coreos/pkg/capnslog"

	"github.com/ssahani/guestkit-sub004/internal/pkg/corelog"
)

var plog = capnslog.NewPackageLogger(corelog.ModulePath, "fsprobe")

// Type is the closed filesystem-type enum from §3.
type Type int

const (
	Unknown Type = iota
	Ext2
	Ext3
	Ext4
	Xfs
	Btrfs
	Ntfs
	Vfat
	Exfat
	F2fs
	Swap
	// LvmPV and Luks are not filesystem types proper but are signatures
	// L4 needs from the same superblock-peek pass, per §4.4.
	LvmPV
	Luks
)

func (t Type) String() string {
	switch t {
	case Ext2:
		return "ext2"
	case Ext3:
		return "ext3"
	case Ext4:
		return "ext4"
	case Xfs:
		return "xfs"
	case Btrfs:
		return "btrfs"
	case Ntfs:
		return "ntfs"
	case Vfat:
		return "vfat"
	case Exfat:
		return "exfat"
	case F2fs:
		return "f2fs"
	case Swap:
		return "swap"
	case LvmPV:
		return "LVM2_member"
	case Luks:
		return "crypto_LUKS"
	default:
		return "unknown"
	}
}

// Filesystem is the §3 data-model record.
type Filesystem struct {
	DevicePath string
	FSType     Type
	Label      string
	UUID       string
	Size       uint64
}

const (
	ext2SuperblockOffset = 1024
	ext2MagicOffset      = ext2SuperblockOffset + 56
	btrfsSuperblockOffset = 65536
	btrfsMagicOffset      = btrfsSuperblockOffset + 64
	f2fsSuperblockOffset  = 1024
	ntfsOEMOffset         = 3
	vfatOEMOffset         = 3
	vfatFAT32LabelOffset  = 82
	lvmLabelOffset        = 512 // sector 1
	luksMagicOffset       = 0
	defaultPageSize       = 4096
)

var (
	xfsMagic   = []byte("XFSB")
	btrfsMagic = []byte("_BHRfS_M")
	ntfsMagic  = []byte("NTFS    ")
	fat32Magic = []byte("FAT32   ")
	fat16Magic = []byte("FAT16   ")
	exfatMagic = []byte("EXFAT   ")
	lvmMagic   = []byte("LABELONE")
	luksMagic  = []byte{'L', 'U', 'K', 'S', 0xba, 0xbe}
	swapMagic  = []byte("SWAPSPACE2")
)

// Probe reads devicePath's superblock at the fixed offsets from §4.5 and
// classifies it. It never writes to the device. Unknown filesystems are
// not an error: Probe returns Type Unknown with a nil error, per §4.5's
// "Unknown returns FilesystemType::Unknown without error."
func Probe(devicePath string) (*Filesystem, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fs := &Filesystem{DevicePath: devicePath, FSType: Unknown}

	if match(f, luksMagicOffset, luksMagic) {
		fs.FSType = Luks
		return fs, nil
	}
	if match(f, lvmLabelOffset, lvmMagic) {
		fs.FSType = LvmPV
		return fs, nil
	}
	if match(f, xfsMagicOffsetConst, xfsMagic) {
		fs.FSType = Xfs
		fs.Label, fs.UUID = readXfsLabelUUID(f)
		return fs, nil
	}
	if match(f, btrfsMagicOffset, btrfsMagic) {
		fs.FSType = Btrfs
		fs.Label, fs.UUID = readBtrfsLabelUUID(f)
		return fs, nil
	}
	if ok, variant := matchExt(f); ok {
		fs.FSType = variant
		fs.Label, fs.UUID = readExtLabelUUID(f)
		return fs, nil
	}
	if match(f, ntfsOEMOffset, ntfsMagic) {
		fs.FSType = Ntfs
		return fs, nil
	}
	if match(f, vfatFAT32LabelOffset, fat32Magic) {
		fs.FSType = Vfat
		return fs, nil
	}
	if match(f, vfatOEMOffset, fat16Magic) || match(f, vfatOEMOffset, exfatMagic) {
		if match(f, vfatOEMOffset, exfatMagic) {
			fs.FSType = Exfat
		} else {
			fs.FSType = Vfat
		}
		return fs, nil
	}
	if matchF2FS(f) {
		fs.FSType = F2fs
		return fs, nil
	}
	if match(f, defaultPageSize-10, swapMagic) {
		fs.FSType = Swap
		return fs, nil
	}

	plog.Infof("%s: no known filesystem signature found", devicePath)
	return fs, nil
}

const xfsMagicOffsetConst = 0

func match(f *os.File, offset int64, magic []byte) bool {
	buf := make([]byte, len(magic))
	n, err := f.ReadAt(buf, offset)
	if err != nil && n != len(magic) {
		return false
	}
	return bytes.Equal(buf, magic)
}

// matchExt distinguishes ext2/3/4 by the s_feature_incompat /
// s_feature_compat bytes adjacent to the 0xEF53 magic: ext3 sets
// EXT3_FEATURE_COMPAT_HAS_JOURNAL (0x0004) in s_feature_compat (offset
// 1024+92), ext4 additionally sets INCOMPAT_EXTENTS (0x0040) in
// s_feature_incompat (offset 1024+96).
func matchExt(f *os.File) (bool, Type) {
	magic := make([]byte, 2)
	if _, err := f.ReadAt(magic, ext2MagicOffset); err != nil {
		return false, Unknown
	}
	if magic[0] != 0x53 || magic[1] != 0xEF { // 0xEF53 little-endian
		return false, Unknown
	}

	featureCompat := make([]byte, 4)
	featureIncompat := make([]byte, 4)
	_, _ = f.ReadAt(featureCompat, ext2SuperblockOffset+92)
	_, _ = f.ReadAt(featureIncompat, ext2SuperblockOffset+96)

	hasJournal := featureCompat[0]&0x04 != 0
	hasExtents := featureIncompat[0]&0x40 != 0

	switch {
	case hasExtents:
		return true, Ext4
	case hasJournal:
		return true, Ext3
	default:
		return true, Ext2
	}
}

func matchF2FS(f *os.File) bool {
	magic := make([]byte, 4)
	if _, err := f.ReadAt(magic, f2fsSuperblockOffset); err != nil {
		return false
	}
	return magic[0] == 0x10 && magic[1] == 0x20 && magic[2] == 0xF5 && magic[3] == 0xF2
}

// readExtLabelUUID reads s_volume_name (offset 1024+120, 16 bytes) and
// s_uuid (offset 1024+104, 16 bytes) from the ext2/3/4 superblock.
func readExtLabelUUID(f *os.File) (label, uuid string) {
	lbl := make([]byte, 16)
	if _, err := f.ReadAt(lbl, ext2SuperblockOffset+120); err == nil {
		label = cString(lbl)
	}
	id := make([]byte, 16)
	if _, err := f.ReadAt(id, ext2SuperblockOffset+104); err == nil {
		uuid = formatUUID(id)
	}
	return
}

// readXfsLabelUUID reads sb_fname (offset 108, 12 bytes) and sb_uuid
// (offset 32, 16 bytes) from the XFS superblock.
func readXfsLabelUUID(f *os.File) (label, uuid string) {
	lbl := make([]byte, 12)
	if _, err := f.ReadAt(lbl, 108); err == nil {
		label = cString(lbl)
	}
	id := make([]byte, 16)
	if _, err := f.ReadAt(id, 32); err == nil {
		uuid = formatUUID(id)
	}
	return
}

// readBtrfsLabelUUID reads label (offset 65536+299, 256 bytes, NUL
// padded) and fsid (offset 65536+32, 16 bytes) from the btrfs superblock.
func readBtrfsLabelUUID(f *os.File) (label, uuid string) {
	lbl := make([]byte, 256)
	if _, err := f.ReadAt(lbl, btrfsSuperblockOffset+299); err == nil {
		label = cString(lbl)
	}
	id := make([]byte, 16)
	if _, err := f.ReadAt(id, btrfsSuperblockOffset+32); err == nil {
		uuid = formatUUID(id)
	}
	return
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func formatUUID(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	return bytesToUUIDString(b)
}

func bytesToUUIDString(b []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 36)
	pos := 0
	dashAfter := map[int]bool{4: true, 6: true, 8: true, 10: true}
	for i, c := range b {
		out[pos] = hex[c>>4]
		out[pos+1] = hex[c&0xf]
		pos += 2
		if dashAfter[i+1] {
			out[pos] = '-'
			pos++
		}
	}
	return string(out[:pos])
}
