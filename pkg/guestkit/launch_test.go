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
	"testing"

	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
)

func TestLaunchWithNoDrivesSucceeds(t *testing.T) {
	h := New()
	if err := h.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if h.state != Launched {
		t.Errorf("state = %v, want Launched", h.state)
	}
}

func TestLaunchAlreadyLaunchedFails(t *testing.T) {
	h := New()
	h.state = Launched
	err := h.Launch()
	if !coreerr.Is(err, coreerr.AlreadyLaunched) {
		t.Fatalf("err = %v, want AlreadyLaunched", err)
	}
}

func TestLaunchOnClosedHandleFails(t *testing.T) {
	h := New()
	h.state = Closed
	err := h.Launch()
	if !coreerr.Is(err, coreerr.BadState) {
		t.Fatalf("err = %v, want BadState", err)
	}
}

func TestOpenLuksRequiresLaunchedState(t *testing.T) {
	h := New()
	err := h.OpenLuks("/dev/mapper/vg0-lv0", []byte("secret"))
	if !coreerr.Is(err, coreerr.BadState) {
		t.Fatalf("err = %v, want BadState", err)
	}
}
