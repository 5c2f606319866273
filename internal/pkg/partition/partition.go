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

// Package partition implements the Partition Scanner (L3): parses a GPT or
// classic MBR (with EBR-chained logical partitions) from a bound block
// device or, for hosts without loop support, directly from the backing
// file. Table parsing itself is delegated to github.com/diskfs/go-diskfs's
// partition/gpt and partition/mbr packages, the same library
// os-image-composer's imageinspect.go leans on for the identical job; this
// package layers the spec's Partition record, GUID/UTF-16LE decoding and
// EBR-numbering policy on top.
package partition

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/coreos/pkg/capnslog"
	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"github.com/ssahani/guestkit-sub004/internal/pkg/corelog"
	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
)

var plog = capnslog.NewPackageLogger(corelog.ModulePath, "partition")

// Partition is the L3 data-model record.
type Partition struct {
	DevicePath   string
	Number       int
	StartLBA     uint64
	SizeSectors  uint64
	TypeIDOrGUID string
	// UniqueGUID is populated for GPT entries only (§4.3 "unique_guid");
	// it is empty for MBR partitions, which have no per-entry GUID.
	UniqueGUID   string
	Name         string
	Bootable     bool
	ParentDevice string
}

const sectorSize = 512

// Scan reads the partition table from devicePath (a bound block device or,
// for direct-file fallback, the disk image path itself) and returns an
// ordered list of Partition records with stable numbering, per §4.3.
func Scan(devicePath string) ([]Partition, error) {
	const op = "partition.Scan"

	if err := checkSignature(devicePath); err != nil {
		return nil, err
	}

	disk, err := diskfs.Open(devicePath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidPartitionTable, op, err)
	}
	defer disk.Close()

	var table partition.Table
	table, err = disk.GetPartitionTable()
	if err != nil {
		// diskfs returns an error both for "no signature" and "signature
		// but no recognizable table"; checkSignature already ruled out
		// the no-signature case, so this is a structurally bad table.
		return nil, coreerr.Wrap(coreerr.InvalidPartitionTable, op, err)
	}

	var parts []Partition
	switch t := table.(type) {
	case *gpt.Table:
		parts, err = fromGPT(t, devicePath)
	case *mbr.Table:
		parts, err = fromMBR(t, devicePath)
	default:
		return nil, coreerr.New(coreerr.InvalidPartitionTable, op)
	}
	if err != nil {
		return nil, err
	}

	if len(parts) == 0 {
		return nil, coreerr.New(coreerr.InvalidPartitionTable, op)
	}

	plog.Infof("scanned %s: %d partitions", devicePath, len(parts))
	return parts, nil
}

// checkSignature opens devicePath directly and confirms the 0x55AA boot
// signature is present at offset 510, per §4.3's NoPartitionTable rule:
// absence of the signature is NoPartitionTable, presence with zero valid
// entries (handled by the caller) is InvalidPartitionTable.
func checkSignature(devicePath string) error {
	const op = "partition.checkSignature"

	f, err := os.Open(devicePath)
	if err != nil {
		return coreerr.Wrap(coreerr.UnreadableImage, op, err)
	}
	defer f.Close()

	sig := make([]byte, 2)
	if _, err := f.ReadAt(sig, 510); err != nil {
		return coreerr.Wrap(coreerr.NoPartitionTable, op, err)
	}
	if sig[0] != 0x55 || sig[1] != 0xAA {
		return coreerr.New(coreerr.NoPartitionTable, op)
	}
	return nil
}

func fromGPT(t *gpt.Table, devicePath string) ([]Partition, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

	var out []Partition
	for _, p := range t.Partitions {
		if p.Start == 0 && p.End == 0 {
			continue
		}
		name := p.Name
		if decoded, err := dec.String(p.Name); err == nil && decoded != "" {
			name = decoded
		}

		out = append(out, Partition{
			DevicePath:   partitionDevicePath(devicePath, len(out)+1),
			Number:       len(out) + 1,
			StartLBA:     p.Start,
			SizeSectors:  p.End - p.Start + 1,
			TypeIDOrGUID: normalizeGUID(p.Type),
			UniqueGUID:   normalizeGUID(p.GUID),
			Name:         name,
			Bootable:     (p.Attributes & (1 << 2)) != 0,
			ParentDevice: devicePath,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartLBA < out[j].StartLBA })
	for i := range out {
		out[i].Number = i + 1
		out[i].DevicePath = partitionDevicePath(devicePath, out[i].Number)
	}
	return out, nil
}

// normalizeGUID re-renders whatever string form diskfs hands back through
// google/uuid so GPT type/unique GUIDs have one canonical textual form
// regardless of diskfs's internal casing.
func normalizeGUID(s string) string {
	if s == "" {
		return ""
	}
	if id, err := uuid.Parse(s); err == nil {
		return id.String()
	}
	return s
}

func fromMBR(t *mbr.Table, devicePath string) ([]Partition, error) {
	var out []Partition
	for i, p := range t.Partitions {
		if p.Size == 0 {
			continue
		}
		num := i + 1
		out = append(out, Partition{
			DevicePath:   partitionDevicePath(devicePath, num),
			Number:       num,
			StartLBA:     uint64(p.Start),
			SizeSectors:  uint64(p.Size),
			TypeIDOrGUID: fmt.Sprintf("0x%02x", p.Type),
			Bootable:     p.Bootable,
			ParentDevice: devicePath,
		})
	}

	logical, err := scanEBRChain(devicePath, t)
	if err != nil {
		plog.Warningf("EBR chain scan on %s: %v", devicePath, err)
	}
	out = append(out, logical...)
	return out, nil
}

// extended partition type bytes per §4.3.
const (
	mbrTypeExtendedCHS  = 0x05
	mbrTypeExtendedLBA  = 0x0F
)

// scanEBRChain walks the extended-boot-record chain for any extended
// partition (type 0x05/0x0F) in the primary table, emitting logical
// partitions numbered from 5 upward, per §4.3. diskfs's mbr.Table does not
// itself recurse into EBRs, so this is hand-rolled against the raw device,
// matching the spec's own description of the algorithm.
func scanEBRChain(devicePath string, t *mbr.Table) ([]Partition, error) {
	var extStart uint32
	found := false
	for _, p := range t.Partitions {
		if p.Type == mbrTypeExtendedCHS || p.Type == mbrTypeExtendedLBA {
			extStart = uint32(p.Start)
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	f, err := os.Open(devicePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Partition
	num := 5
	ebrLBA := extStart
	firstEBR := extStart
	for i := 0; i < 128; i++ { // bounded: a well-formed chain is never this long
		buf := make([]byte, sectorSize)
		if _, err := f.ReadAt(buf, int64(ebrLBA)*sectorSize); err != nil {
			break
		}
		if buf[510] != 0x55 || buf[511] != 0xAA {
			break
		}

		// First entry: the logical partition itself, start relative to
		// this EBR's own LBA.
		entry := buf[446:462]
		typ := entry[4]
		if typ == 0 {
			break
		}
		relStart := binary.LittleEndian.Uint32(entry[8:12])
		size := binary.LittleEndian.Uint32(entry[12:16])
		out = append(out, Partition{
			DevicePath:   partitionDevicePath(devicePath, num),
			Number:       num,
			StartLBA:     uint64(ebrLBA) + uint64(relStart),
			SizeSectors:  uint64(size),
			TypeIDOrGUID: fmt.Sprintf("0x%02x", typ),
			ParentDevice: devicePath,
		})
		num++

		// Second entry: link to next EBR, relative to the extended
		// partition's first LBA.
		next := buf[462:478]
		nextType := next[4]
		if nextType != mbrTypeExtendedCHS && nextType != mbrTypeExtendedLBA {
			break
		}
		nextRel := binary.LittleEndian.Uint32(next[8:12])
		if nextRel == 0 {
			break
		}
		ebrLBA = firstEBR + nextRel
	}
	return out, nil
}

// partitionDevicePath builds the conventional kernel-assigned partition
// node name for a bound device — "<dev>p<N>" for loop/NBD nodes ending in
// a digit (per the kernel's partition-suffix convention), "<dev><N>"
// otherwise.
func partitionDevicePath(parent string, num int) string {
	if len(parent) > 0 {
		last := parent[len(parent)-1]
		if last >= '0' && last <= '9' {
			return fmt.Sprintf("%sp%d", parent, num)
		}
	}
	return fmt.Sprintf("%s%d", parent, num)
}
