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

// Package api carries the status types shared between the firmware and
// the host-side VM-management tooling.
package api

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/guardedvm/pvmfw/config"
)

// Status describes one firmware instance to the host-side tooling.
type Status struct {
	// Revision is the firmware release version.
	Revision semver.Version

	// Build identifies the build that produced the firmware.
	Build string

	// ContainerVersions lists the boot container format versions this
	// firmware accepts.
	ContainerVersions []config.Version

	// DeviceAssignment reports whether device-tree filtering against an
	// assignable-device policy is enabled.
	DeviceAssignment bool

	// StrictBoot reports whether debuggable environments are refused.
	StrictBoot bool

	// State is the boot state the firmware last reported.
	State string
}

// Print returns the firmware status in textual format.
func (s *Status) Print() string {
	var status bytes.Buffer

	versions := make([]string, len(s.ContainerVersions))
	for i, v := range s.ContainerVersions {
		versions[i] = v.String()
	}

	status.WriteString("------------------------------------------------------------- Firmware ----\n")
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", s.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", s.Build))
	status.WriteString(fmt.Sprintf("Container versions .....: %s\n", strings.Join(versions, ", ")))
	status.WriteString(fmt.Sprintf("Device assignment ......: %v\n", s.DeviceAssignment))
	status.WriteString(fmt.Sprintf("Strict boot ............: %v\n", s.StrictBoot))
	status.WriteString(fmt.Sprintf("State ..................: %s", s.State))

	return status.String()
}
