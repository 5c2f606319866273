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

package volume

import (
	"strings"
	"testing"

	"github.com/ssahani/guestkit-sub004/internal/pkg/coreerr"
)

func TestNewHandleTagFormat(t *testing.T) {
	tag := NewHandleTag()
	if !strings.HasPrefix(tag, "gk") {
		t.Errorf("NewHandleTag() = %q, want gk prefix", tag)
	}
	if strings.Contains(tag, "-") {
		t.Errorf("NewHandleTag() = %q, should have dashes stripped", tag)
	}
	if len(tag) != 12 { // "gk" + 10 hex chars
		t.Errorf("len(NewHandleTag()) = %d, want 12", len(tag))
	}
}

func TestNewHandleTagUnique(t *testing.T) {
	if NewHandleTag() == NewHandleTag() {
		t.Error("two calls to NewHandleTag() produced the same tag")
	}
}

func TestSanitizeMapComponent(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/dev/sda2", "sda2"},
		{"/dev/mapper/vg0-lv0", "vg0-lv0"},
		{"sda2", "sda2"},
	}
	for _, c := range cases {
		if got := sanitizeMapComponent(c.in); got != c.want {
			t.Errorf("sanitizeMapComponent(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestOpenLUKSWithoutPassphraseIsLuksNoKey(t *testing.T) {
	_, err := OpenLUKS("/dev/sda3", nil, "gktest0001")
	if !coreerr.Is(err, coreerr.LuksNoKey) {
		t.Fatalf("err = %v, want LuksNoKey", err)
	}
}

func TestCloseLUKSOnAbsentMappingIsNoop(t *testing.T) {
	if err := CloseLUKS("gktest-definitely-not-mapped"); err != nil {
		t.Errorf("CloseLUKS on an absent mapping should be a no-op, got %v", err)
	}
}
