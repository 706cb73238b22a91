// Copyright 2025 The Guarded VM Firmware authors. All Rights Reserved.
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

package api

import (
	"strings"
	"testing"

	"github.com/coreos/go-semver/semver"

	"github.com/guardedvm/pvmfw/config"
)

func TestStatusPrint(t *testing.T) {
	s := &Status{
		Revision:          *semver.New("1.4.2"),
		Build:             "pvmfw-20250829",
		ContainerVersions: config.Versions,
		DeviceAssignment:  true,
		State:             "HandedOff",
	}

	out := s.Print()
	for _, want := range []string{"1.4.2", "pvmfw-20250829", "1.0, 1.1", "HandedOff"} {
		if !strings.Contains(out, want) {
			t.Errorf("Print() missing %q:\n%s", want, out)
		}
	}
}
