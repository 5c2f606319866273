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
	"io"
	"os"

	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
	"github.com/ssahani/guestkit-sub004/internal/pkg/guestfs"
)

// fsOrErr returns the handle's Guest FS view, failing with NotMounted if
// nothing has been mounted yet. Every §4.7 passthrough below goes through
// this, matching the "operations rooted at the mount tree" contract.
func (h *Handle) fsOrErr() (*guestfs.FS, error) {
	if h.fs == nil {
		return nil, coreerr.New(coreerr.NotMounted, "guestkit.guestfs")
	}
	return h.fs, nil
}

func (h *Handle) Exists(guestPath string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return false, err
	}
	return fs.Exists(guestPath), nil
}

func (h *Handle) IsFile(guestPath string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return false, err
	}
	return fs.IsFile(guestPath)
}

func (h *Handle) IsDir(guestPath string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return false, err
	}
	return fs.IsDir(guestPath)
}

func (h *Handle) IsSymlink(guestPath string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return false, err
	}
	return fs.IsSymlink(guestPath)
}

func (h *Handle) ReadFile(guestPath string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return nil, err
	}
	return fs.ReadFile(guestPath)
}

func (h *Handle) Write(guestPath string, data []byte, perm os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.Write(guestPath, data, perm)
}

func (h *Handle) Ls(guestPath string) ([]guestfs.DirEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return nil, err
	}
	return fs.Ls(guestPath)
}

func (h *Handle) Stat(guestPath string) (os.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return nil, err
	}
	return fs.Stat(guestPath)
}

func (h *Handle) Lstat(guestPath string) (os.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return nil, err
	}
	return fs.Lstat(guestPath)
}

func (h *Handle) Readlink(guestPath string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return "", err
	}
	return fs.Readlink(guestPath)
}

func (h *Handle) Mkdir(guestPath string, perm os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.Mkdir(guestPath, perm)
}

func (h *Handle) Rm(guestPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.Rm(guestPath)
}

func (h *Handle) RmRf(guestPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.RmRf(guestPath)
}

func (h *Handle) Cp(src, dst string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.Cp(src, dst)
}

func (h *Handle) Mv(src, dst string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.Mv(src, dst)
}

func (h *Handle) Chmod(guestPath string, mode os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.Chmod(guestPath, mode)
}

func (h *Handle) Chown(guestPath string, uid, gid int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.Chown(guestPath, uid, gid)
}

func (h *Handle) Download(guestPath, hostDst string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.Download(guestPath, hostDst)
}

func (h *Handle) Upload(hostSrc, guestPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.Upload(hostSrc, guestPath)
}

func (h *Handle) Checksum(alg guestfs.ChecksumAlg, guestPath string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return "", err
	}
	return fs.Checksum(alg, guestPath)
}

func (h *Handle) TarOut(guestDir string, compression guestfs.Compression, w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.TarOut(guestDir, compression, w)
}

func (h *Handle) TarIn(r io.Reader, compression guestfs.Compression, guestDir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return err
	}
	return fs.TarIn(r, compression, guestDir)
}

func (h *Handle) ListBtrfsSubvolumes(guestPath string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, err := h.fsOrErr()
	if err != nil {
		return nil, err
	}
	return fs.ListBtrfsSubvolumes(guestPath)
}
