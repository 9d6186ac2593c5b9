// Copyright 2026 Google LLC. All Rights Reserved.
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

// emulator boots a flash device emulated in a file, completing any pending
// swap, and reports the image which would be executed.
//
// With --crash_sweep the device file is left untouched. Instead, the pending
// swap is replayed on in-memory copies of the device with the power cut
// after every unit of storage work, checking that each copy then boots one
// of the images from before or after the swap.
//
// Usage:
//
//	go run ./cmd/emulator --logtostderr --layout=layout.yaml --device=/tmp/dev --pub_keys=vendor.key.pub
//	go run ./cmd/emulator --logtostderr --layout=layout.yaml --device=/tmp/dev --pub_keys=vendor.key.pub --crash_sweep
package main

import (
	"flag"
	"runtime"
	"strings"

	"github.com/golang/glog"
	"github.com/google/slotboot/cmd/emulator/impl"
)

var (
	layoutFile   = flag.String("layout", "", "YAML file describing the device layout")
	device       = flag.String("device", "", "File emulating the flash device")
	pubKeys      = flag.String("pub_keys", "", "Comma separated list of files holding trusted public keys")
	verifyActive = flag.Bool("verify_active", false, "Validate the active image on every boot")
	crashSweep   = flag.Bool("crash_sweep", false, "Replay the pending swap with a power cut at every point")
	stride       = flag.Int("stride", 1, "Units of storage work between power cuts in the crash sweep")
	workers      = flag.Int("workers", runtime.NumCPU(), "Number of crash sweep runs in parallel")
)

func main() {
	flag.Parse()

	var keys []string
	if len(*pubKeys) > 0 {
		keys = strings.Split(*pubKeys, ",")
	}
	if err := impl.Main(impl.EmulatorOpts{
		LayoutFile:   *layoutFile,
		Device:       *device,
		PubKeys:      keys,
		VerifyActive: *verifyActive,
		CrashSweep:   *crashSweep,
		Stride:       *stride,
		Workers:      *workers,
	}); err != nil {
		glog.Exitf("Emulator: %v", err)
	}
}
