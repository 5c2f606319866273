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

// Command guestkit is a thin CLI over pkg/guestkit, exercising the
// Handle API's inspect/filesystems/packages/ls/cat/download/upload
// surface and the §6 exit-code contract. It is a demonstration
// collaborator, not part of the core: the core is pkg/guestkit itself.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
	"github.com/ssahani/guestkit-sub004/pkg/guestkit"
)

var plog = capnslog.NewPackageLogger("github.com/ssahani/guestkit-sub004", "cmd")

// Exit codes per §6's CLI surface contract.
const (
	exitOK              = 0
	exitGeneric         = 1
	exitPathOrReadOnly  = 2
	exitBlockBackend    = 3
	exitNoOSDetected    = 4
)

var (
	verbose  bool
	trace    bool
	readOnly bool

	root = &cobra.Command{
		Use:   "guestkit",
		Short: "Offline inspection and file access for virtual-machine disk images",
	}
)

func init() {
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().BoolVar(&trace, "trace", false, "enable trace logging")
	root.PersistentFlags().BoolVar(&readOnly, "read-only", true, "add drives read-only (default true)")

	root.AddCommand(
		newInspectCmd(),
		newFilesystemsCmd(),
		newPackagesCmd(),
		newConfigCmd(),
		newLsCmd(),
		newCatCmd(),
		newDownloadCmd(),
		newUploadCmd(),
	)
}

func main() {
	capnslog.SetFormatter(capnslog.NewStringFormatter(os.Stderr))
	if err := root.Execute(); err != nil {
		os.Exit(exitFromError(err))
	}
}

// openLaunched adds image read-only/read-write per the --read-only flag
// and launches the handle, returning it ready for inspection/mount calls.
// Callers must defer h.Shutdown().
func openLaunched(image string) (*guestkit.Handle, error) {
	h := guestkit.New()
	h.SetVerbose(verbose)
	h.SetTrace(trace)

	var err error
	if readOnly {
		err = h.AddDriveRO(image)
	} else {
		err = h.AddDrive(image)
	}
	if err != nil {
		return nil, err
	}
	if err := h.Launch(); err != nil {
		return nil, err
	}
	return h, nil
}

// exitFromError maps a coreerr.Kind to the §6 exit-code schedule.
func exitFromError(err error) int {
	if ec, ok := err.(*exitCodeError); ok {
		return ec.code
	}
	switch {
	case coreerr.Is(err, coreerr.PathEscape), coreerr.Is(err, coreerr.ReadOnly):
		return exitPathOrReadOnly
	case coreerr.Is(err, coreerr.BlockBackendUnavailable), coreerr.Is(err, coreerr.NoFreeBlockDevice), coreerr.Is(err, coreerr.BindingTimeout):
		return exitBlockBackend
	case coreerr.Is(err, coreerr.NoOsDetected):
		return exitNoOSDetected
	default:
		return exitGeneric
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect IMAGE",
		Short: "Detect OS roots and print their identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openLaunched(args[0])
			if err != nil {
				return err
			}
			defer h.Shutdown()

			roots, err := h.InspectOS()
			if err != nil {
				return err
			}
			if len(roots) == 0 {
				cmd.PrintErrln("no OS detected")
				return &exitCodeError{code: exitNoOSDetected}
			}
			for _, root := range roots {
				distro, _ := h.InspectGetDistro(root)
				major, _ := h.InspectGetMajorVersion(root)
				minor, _ := h.InspectGetMinorVersion(root)
				pkgFmt, _ := h.InspectGetPackageFormat(root)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %d.%d (%s)\n", root, distro, major, minor, pkgFmt)
			}
			return nil
		},
	}
}

func newFilesystemsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "filesystems IMAGE",
		Short: "List every classified filesystem on the image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openLaunched(args[0])
			if err != nil {
				return err
			}
			defer h.Shutdown()

			for _, f := range h.ListFilesystems() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", f.DevicePath, f.FSType, f.Label, f.UUID)
			}
			return nil
		},
	}
}

func newPackagesCmd() *cobra.Command {
	var countOnly bool
	cmd := &cobra.Command{
		Use:   "packages IMAGE ROOT",
		Short: "List installed packages on an OS root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openLaunched(args[0])
			if err != nil {
				return err
			}
			defer h.Shutdown()

			if _, err := h.InspectOS(); err != nil {
				return err
			}
			if countOnly {
				n, err := h.InspectCountApplications(args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			}
			pkgs, err := h.InspectListApplications(args[1])
			if err != nil {
				return err
			}
			for _, p := range pkgs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s-%s-%s.%s\n", p.Name, p.Version, p.Release, p.Arch)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&countOnly, "count", false, "print only the package count, without materializing full records")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config IMAGE ROOT",
		Short: "Print §4.8.4 fast-path facts: hostname, DNS, hosts, services, network",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openLaunched(args[0])
			if err != nil {
				return err
			}
			defer h.Shutdown()

			if _, err := h.InspectOS(); err != nil {
				return err
			}
			root := args[1]
			out := cmd.OutOrStdout()

			if hostname, err := h.InspectGetHostname(root); err == nil && hostname != "" {
				fmt.Fprintf(out, "hostname: %s\n", hostname)
			}
			if dns, err := h.InspectGetDNSConfig(root); err == nil {
				for _, ns := range dns.Nameservers {
					fmt.Fprintf(out, "nameserver: %s\n", ns)
				}
				for _, h := range dns.Hosts {
					fmt.Fprintf(out, "hosts: %s %s\n", h.Address, strings.Join(h.Hostnames, " "))
				}
			}
			services, err := h.InspectListServices(root)
			if err != nil {
				return err
			}
			for _, s := range services {
				fmt.Fprintf(out, "service: %s (%s)\n", s.Unit, s.Target)
			}
			ifaces, err := h.InspectListNetworkInterfaces(root)
			if err != nil {
				return err
			}
			for _, iface := range ifaces {
				fmt.Fprintf(out, "interface: %s dhcp=%v address=%s\n", iface.Name, iface.DHCP, iface.Address)
			}
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls IMAGE DEVICE GUEST_PATH",
		Short: "List a directory on a mounted device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openLaunched(args[0])
			if err != nil {
				return err
			}
			defer h.Shutdown()

			if err := h.MountRO(args[1], "/"); err != nil {
				return err
			}
			entries, err := h.Ls(args[2])
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), e.Name)
			}
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat IMAGE DEVICE GUEST_PATH",
		Short: "Print a guest file's contents",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openLaunched(args[0])
			if err != nil {
				return err
			}
			defer h.Shutdown()

			if err := h.MountRO(args[1], "/"); err != nil {
				return err
			}
			data, err := h.ReadFile(args[2])
			if err != nil {
				return err
			}
			cmd.OutOrStdout().Write(data)
			return nil
		},
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download IMAGE DEVICE GUEST_PATH HOST_DEST",
		Short: "Copy a guest file to the host",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openLaunched(args[0])
			if err != nil {
				return err
			}
			defer h.Shutdown()

			if err := h.MountRO(args[1], "/"); err != nil {
				return err
			}
			return h.Download(args[2], args[3])
		},
	}
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload IMAGE DEVICE HOST_SRC GUEST_PATH",
		Short: "Copy a host file into the guest (requires --read-only=false)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openLaunched(args[0])
			if err != nil {
				return err
			}
			defer h.Shutdown()

			if err := h.Mount(args[1], "/"); err != nil {
				return err
			}
			return h.Upload(args[2], args[3])
		},
	}
}

// exitCodeError lets a command force a specific exit code (e.g.
// NoOsDetected's "soft result, exit 4" per §7) without it being treated
// as a generic failure.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}
