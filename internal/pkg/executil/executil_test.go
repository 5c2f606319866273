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

package executil

import (
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	stdout, _, err := Run(5*time.Second, "echo", "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(string(stdout)) != "hello" {
		t.Errorf("stdout = %q, want hello", stdout)
	}
}

func TestRunCapturesStderrOnFailure(t *testing.T) {
	_, stderr, err := Run(5*time.Second, "sh", "-c", "echo oops >&2; exit 1")
	if err == nil {
		t.Fatal("Run should report a non-zero exit")
	}
	if strings.TrimSpace(stderr) != "oops" {
		t.Errorf("stderr = %q, want oops", stderr)
	}
}

func TestRunZeroTimeoutUsesDefault(t *testing.T) {
	stdout, _, err := Run(0, "echo", "ok")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(string(stdout)) != "ok" {
		t.Errorf("stdout = %q, want ok", stdout)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	_, _, err := Run(50*time.Millisecond, "sleep", "5")
	if err == nil {
		t.Fatal("Run should fail when the command outlives its timeout")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Run took %v, should have been killed near the 50ms timeout", elapsed)
	}
}

func TestIsCmdNotFound(t *testing.T) {
	_, _, err := Run(5*time.Second, "definitely-not-a-real-binary-xyz")
	if !IsCmdNotFound(err) {
		t.Errorf("IsCmdNotFound(%v) = false, want true", err)
	}
}

func TestKillIsSafeOnFinishedProcess(t *testing.T) {
	cmd := CommandTimeout(5*time.Second, "echo", "done")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := cmd.Kill(); err != nil {
		t.Errorf("Kill on an already-finished process should be safe, got %v", err)
	}
}
