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

// pvmfwtool assembles and inspects protected-VM boot containers. The blobs
// it produces are byte-for-byte interoperable with what the firmware and
// the VM-management host consume.
package main

import (
	"fmt"
	"os"

	"github.com/coreos/go-semver/semver"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/guardedvm/pvmfw/config"
)

// Revision is the tool release version, overridable at link time.
var Revision = "0.3.0"

func main() {
	app := &cli.App{
		Name:    "pvmfwtool",
		Usage:   "assemble and inspect protected-VM boot containers",
		Version: semver.New(Revision).String(),
		Commands: []*cli.Command{
			buildCommand(),
			inspectCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		klog.Exitf("pvmfwtool: %v", err)
	}
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "assemble a boot blob from a firmware image and its sections",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "image", Usage: "firmware image `FILE`", Required: true},
			&cli.StringFlag{Name: "chain", Usage: "attestation chain input `FILE`"},
			&cli.StringFlag{Name: "debug-policy", Usage: "debug policy overlay `FILE`"},
			&cli.StringFlag{Name: "dtbo", Usage: "device tree overlay `FILE` (requires version >= 1.1)"},
			&cli.StringFlag{Name: "container-version", Value: "1.1", Usage: "container format `VERSION`"},
			&cli.BoolFlag{Name: "debuggable", Usage: "mark the VM debuggable"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output `FILE`", Required: true},
		},
		Action: build,
	}
}

func build(c *cli.Context) error {
	version, err := parseContainerVersion(c.String("container-version"))
	if err != nil {
		return err
	}

	b := &config.Builder{Version: version}
	if c.Bool("debuggable") {
		b.Flags |= config.FlagVMDebuggable
	}

	for _, s := range []struct {
		flag string
		dst  *[]byte
	}{
		{"image", &b.Image},
		{"chain", &b.ChainInput},
		{"debug-policy", &b.DebugPolicy},
		{"dtbo", &b.DTBOverlay},
	} {
		path := c.String(s.flag)
		if path == "" {
			continue
		}
		if *s.dst, err = os.ReadFile(path); err != nil {
			return err
		}
	}

	blob, err := b.Serialize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.String("output"), blob, 0o644); err != nil {
		return err
	}

	klog.Infof("wrote %d bytes (version %s, image %d bytes)", len(blob), version, len(b.Image))
	return nil
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "decode a boot blob and dump its header and sections",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "boot blob `FILE`", Required: true},
			&cli.IntFlag{Name: "image-size", Usage: "firmware image `SIZE` in bytes; 0 means the file starts at the header"},
		},
		Action: inspect,
	}
}

func inspect(c *cli.Context) error {
	blob, err := os.ReadFile(c.String("input"))
	if err != nil {
		return err
	}

	cfg := blob
	if size := c.Int("image-size"); size > 0 {
		if _, cfg, err = config.Split(blob, size); err != nil {
			return err
		}
	}

	container, err := config.Parse(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Version ................: %s\n", container.Version)
	fmt.Printf("Total size .............: %d\n", container.TotalSize)
	fmt.Printf("Flags ..................: %#x\n", container.Flags)
	fmt.Printf("Debuggable .............: %v\n", container.Debuggable())
	fmt.Printf("Chain input ............: %d bytes\n", len(container.ChainInput()))
	fmt.Printf("Debug policy ...........: %d bytes\n", len(container.DebugPolicy()))
	fmt.Printf("Device tree overlay ....: %d bytes\n", len(container.DTBOverlay()))
	return nil
}

// parseContainerVersion reads a "major.minor" container format version.
func parseContainerVersion(s string) (config.Version, error) {
	var v config.Version
	if _, err := fmt.Sscanf(s, "%d.%d", &v.Major, &v.Minor); err != nil {
		return v, fmt.Errorf("bad container version %q: %v", s, err)
	}
	if !v.Supported() {
		return v, fmt.Errorf("%w: %s", config.ErrUnsupportedVersion, v)
	}
	return v, nil
}
