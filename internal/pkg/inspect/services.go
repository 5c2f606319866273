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
	"strings"

	"github.com/ssahani/guestkit-sub004/internal/pkg/guestfs"
)

// Service is the §4.8.4 fast-path record for a systemd unit enabled at
// boot. Enumeration never shells into systemctl (the guest isn't
// running): it reads the enablement symlinks systemd itself leaves under
// /etc/systemd/system/*.wants/.
type Service struct {
	Unit    string
	Target  string
	Enabled bool
}

// ListEnabledServices walks every "<target>.wants" directory under
// /etc/systemd/system and /usr/lib/systemd/system, reporting each wanted
// .service unit as enabled for that target (other unit types are skipped). Absent systemd state (non-systemd init,
// or an init system this engine doesn't recognize) yields an empty,
// non-error result, per §4.8.4's fail-soft posture.
func ListEnabledServices(fs *guestfs.FS) ([]Service, error) {
	var out []Service
	for _, base := range []string{"/etc/systemd/system", "/usr/lib/systemd/system"} {
		entries, err := fs.Ls(base)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir || !strings.HasSuffix(e.Name, ".wants") {
				continue
			}
			target := strings.TrimSuffix(e.Name, ".wants")
			units, err := fs.Ls(base + "/" + e.Name)
			if err != nil {
				continue
			}
			for _, u := range units {
				if strings.HasSuffix(u.Name, ".service") {
					out = append(out, Service{Unit: u.Name, Target: target, Enabled: true})
				}
			}
		}
	}
	return out, nil
}

// NetworkInterface is the §4.8.4 fast-path record parsed from static
// network configuration files; it reflects configured, not live, state.
type NetworkInterface struct {
	Name       string
	ConfigFile string
	DHCP       bool
	Address    string
}

// ListNetworkInterfaces reads NetworkManager keyfiles
// (/etc/NetworkManager/system-connections/*) and classic
// /etc/sysconfig/network-scripts/ifcfg-* files, the two static
// configuration formats §4.8.4 names. Netplan configuration under
// /etc/netplan is not read, so a guest configured only through netplan
// yields an empty list.
func ListNetworkInterfaces(fs *guestfs.FS) ([]NetworkInterface, error) {
	var out []NetworkInterface

	if entries, err := fs.Ls("/etc/sysconfig/network-scripts"); err == nil {
		for _, e := range entries {
			if !strings.HasPrefix(e.Name, "ifcfg-") || e.Name == "ifcfg-lo" {
				continue
			}
			data, err := fs.ReadFile("/etc/sysconfig/network-scripts/" + e.Name)
			if err != nil {
				continue
			}
			kv := parseSysconfigIfcfg(string(data))
			out = append(out, NetworkInterface{
				Name:       strings.TrimPrefix(e.Name, "ifcfg-"),
				ConfigFile: e.Name,
				DHCP:       strings.EqualFold(kv["BOOTPROTO"], "dhcp"),
				Address:    kv["IPADDR"],
			})
		}
	}

	if entries, err := fs.Ls("/etc/NetworkManager/system-connections"); err == nil {
		for _, e := range entries {
			if e.IsDir {
				continue
			}
			data, err := fs.ReadFile("/etc/NetworkManager/system-connections/" + e.Name)
			if err != nil {
				continue
			}
			kv := parseKeyfileFlat(string(data))
			out = append(out, NetworkInterface{
				Name:       kv["interface-name"],
				ConfigFile: e.Name,
				DHCP:       kv["method"] == "auto" || kv["method"] == "",
				Address:    kv["address1"],
			})
		}
	}

	return out, nil
}

// HostsEntry is one parsed line of /etc/hosts.
type HostsEntry struct {
	Address   string
	Hostnames []string
}

// DNSConfig is the §4.8.4 fast-path record for a guest's static name
// resolution configuration: the nameservers and search domains from
// /etc/resolv.conf, plus the static address-to-name mappings from
// /etc/hosts.
type DNSConfig struct {
	Nameservers []string
	Search      []string
	Hosts       []HostsEntry
}

// ReadDNSConfig parses /etc/resolv.conf and /etc/hosts, §4.8.4's second
// named fast path alongside hostname and enabled-services enumeration.
// Either file absent (a DHCP-managed guest may generate resolv.conf only
// at boot, outside a disk image) is fail-soft: its half of the result is
// simply empty, not an error.
func ReadDNSConfig(fs *guestfs.FS) (*DNSConfig, error) {
	cfg := &DNSConfig{}

	if data, err := fs.ReadFile("/etc/resolv.conf"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			switch fields[0] {
			case "nameserver":
				cfg.Nameservers = append(cfg.Nameservers, fields[1])
			case "search", "domain":
				cfg.Search = append(cfg.Search, fields[1:]...)
			}
		}
	}

	if data, err := fs.ReadFile("/etc/hosts"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			cfg.Hosts = append(cfg.Hosts, HostsEntry{Address: fields[0], Hostnames: fields[1:]})
		}
	}

	return cfg, nil
}

func parseSysconfigIfcfg(data string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i < 0 {
			continue
		}
		out[line[:i]] = unquote(line[i+1:])
	}
	return out
}

// parseKeyfileFlat parses an INI-style file ignoring section headers,
// enough to recover the handful of flat keys ListNetworkInterfaces wants
// out of an NM keyfile (method, address1, interface-name).
func parseKeyfileFlat(data string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i < 0 {
			continue
		}
		out[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return out
}
