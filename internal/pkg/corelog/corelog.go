// Copyright 2015 CoreOS, Inc.
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

// Package corelog centralizes the capnslog setup shared by every layer
// package and the verbose/trace toggles the Handle API exposes
// (set_verbose, set_trace map to SetGlobalLogLevel).
package corelog

import (
	"bufio"
	"io"

	"github.com/coreos/pkg/capnslog"
)

// ModulePath is the repository path passed to capnslog.NewPackageLogger by
// every internal package, matching the convention mantle's packages use
// (the module's own import path as the "repo" component).
const ModulePath = "github.com/ssahani/guestkit-sub004"

// SetVerbose raises every package logger to INFO (set_verbose in the Handle
// API) or drops back to the default NOTICE level.
func SetVerbose(on bool) {
	if on {
		capnslog.SetGlobalLogLevel(capnslog.INFO)
	} else {
		capnslog.SetGlobalLogLevel(capnslog.NOTICE)
	}
}

// SetTrace raises every package logger to DEBUG (set_trace in the Handle
// API), which is noisier than SetVerbose.
func SetTrace(on bool) {
	if on {
		capnslog.SetGlobalLogLevel(capnslog.DEBUG)
	} else {
		capnslog.SetGlobalLogLevel(capnslog.NOTICE)
	}
}

// LogFrom reads lines from r and relays them to l at the given level, one
// log call per line, without buffering the whole stream in memory. No
// package in the core calls it; executil.Run buffers tool output instead.
func LogFrom(logger *capnslog.PackageLogger, l capnslog.LogLevel, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Log(l, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Errorf("reading log stream: %v", err)
	}
}
