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

// Package format implements the Format Probe (L1): pure, read-only
// detection of a disk image's container format by magic bytes, grounded on
// the signature table the original spec documents and cross-checked against
// the qcow2 header layout in the zchee/go-qcow2 reference reader and the
// os-image-composer imageinspect probe (which layers github.com/diskfs/go-diskfs
// on top of the same kind of signature sniffing for MBR/GPT containers).
package format

import (
	"bytes"
	"io"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/ssahani/guestkit-sub004/internal/pkg/corelog"
	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
)

var plog = capnslog.NewPackageLogger(corelog.ModulePath, "format")

// Format is the closed set of container formats the probe can identify.
type Format int

const (
	Unknown Format = iota
	Raw
	Qcow2
	Vmdk
	Vhd
	Vhdx
	Vdi
)

func (f Format) String() string {
	switch f {
	case Raw:
		return "Raw"
	case Qcow2:
		return "Qcow2"
	case Vmdk:
		return "Vmdk"
	case Vhd:
		return "Vhd"
	case Vhdx:
		return "Vhdx"
	case Vdi:
		return "Vdi"
	default:
		return "Unknown"
	}
}

const (
	probeWindow = 4096
	sectorSize  = 512
)

var (
	qcow2Magic = []byte("QFI\xfb")
	vmdkMagic  = []byte("KDMV")
	vmdkText   = []byte("# Disk Descriptor File")
	vhdxMagic  = []byte("vhdxfile")
	vhdMagic   = []byte("conectix")
	vdiMagic   = []byte("<<< Oracle VM VirtualBox Disk Image >>>")
)

// DiskImage is the L1 data-model record: an opaque host path plus its
// detected format and declared virtual size. It is immutable after Probe
// returns and owns no resources — probing a DiskImage never binds a device.
type DiskImage struct {
	Path       string
	Format     Format
	VirtualSize uint64
}

// Probe classifies the file at path by signature, per §4.1. It reads the
// first 4 KiB plus, for VHD, the final 512 bytes; it never writes to the
// file. Files shorter than 512 bytes, or that cannot be opened, fail with
// UnreadableImage.
func Probe(path string) (*DiskImage, error) {
	const op = "format.Probe"

	f, err := os.Open(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.UnreadableImage, op, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.UnreadableImage, op, err)
	}
	size := info.Size()
	if size < sectorSize {
		return nil, coreerr.New(coreerr.UnreadableImage, op)
	}

	head := make([]byte, probeWindow)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, coreerr.Wrap(coreerr.UnreadableImage, op, err)
	}
	head = head[:n]

	img := &DiskImage{Path: path}

	switch {
	case bytes.HasPrefix(head, qcow2Magic):
		img.Format = Qcow2
		img.VirtualSize, err = qcow2VirtualSize(head)
		if err != nil {
			plog.Warningf("qcow2 virtual size unavailable for %s: %v", path, err)
		}
	case bytes.HasPrefix(head, vmdkMagic):
		img.Format = Vmdk
	case bytes.HasPrefix(head, vmdkText):
		img.Format = Vmdk
	case bytes.HasPrefix(head, vhdxMagic):
		img.Format = Vhdx
	case bytes.HasPrefix(head, vdiMagic):
		img.Format = Vdi
	default:
		if isVhdFooter(f, size) {
			img.Format = Vhd
		} else if size%sectorSize == 0 {
			img.Format = Raw
			img.VirtualSize = uint64(size)
		} else {
			img.Format = Unknown
		}
	}

	if img.Format != Raw && img.VirtualSize == 0 {
		img.VirtualSize = uint64(size)
	}

	plog.Infof("probed %s as %s (%d bytes)", path, img.Format, size)
	return img, nil
}

// isVhdFooter checks for the "conectix" cookie in the final 512 bytes of
// the file, the VHD fixed/dynamic footer location.
func isVhdFooter(f *os.File, size int64) bool {
	if size < sectorSize {
		return false
	}
	footer := make([]byte, sectorSize)
	if _, err := f.ReadAt(footer, size-sectorSize); err != nil {
		return false
	}
	return bytes.HasPrefix(footer, vhdMagic)
}

// qcow2VirtualSize reads the big-endian uint64 size field from the qcow2
// header (offset 24), per the header layout documented in the qcow2 spec
// and mirrored by the zchee/go-qcow2 Header struct's `Size` field.
func qcow2VirtualSize(head []byte) (uint64, error) {
	const sizeOffset = 24
	if len(head) < sizeOffset+8 {
		return 0, errors.New("qcow2 header truncated")
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(head[sizeOffset+i])
	}
	return v, nil
}
