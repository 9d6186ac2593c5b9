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

// flash_tool operates on a flash device emulated in a file.
//
// Usage:
//
//	go run ./cmd/flash_tool --logtostderr --layout=layout.yaml --device=/tmp/dev --init
//	go run ./cmd/flash_tool --logtostderr --layout=layout.yaml --device=/tmp/dev --pub_keys=vendor.key.pub --stage=fw.img --slot=slot-b --verify --install
//
// Steps requested together run in the order init, resume, stage, verify,
// provision, install, revert. The resulting metadata record is printed last.
package main

import (
	"flag"
	"strings"

	"github.com/golang/glog"
	"github.com/google/slotboot/cmd/flash_tool/impl"
)

var (
	layoutFile = flag.String("layout", "", "YAML file describing the device layout")
	device     = flag.String("device", "", "File emulating the flash device")
	pubKeys    = flag.String("pub_keys", "", "Comma separated list of files holding trusted public keys")
	initDevice = flag.Bool("init", false, "Create the device file, fully erased")
	stage      = flag.String("stage", "", "Signed image file to stage into --slot")
	slot       = flag.String("slot", "slot-b", "Slot to operate on, slot-a or slot-b")
	verify     = flag.Bool("verify", false, "Validate the image in --slot")
	provision  = flag.Bool("provision", false, "Activate the image in --slot on a device with no active image")
	install    = flag.Bool("install", false, "Make the validated image in --slot the active one")
	revert     = flag.Bool("revert", false, "Make the rollback candidate the active image again")
	resume     = flag.Bool("resume", false, "Complete any interrupted swap")
)

func main() {
	flag.Parse()

	var keys []string
	if len(*pubKeys) > 0 {
		keys = strings.Split(*pubKeys, ",")
	}
	if _, err := impl.Main(impl.FlashOpts{
		LayoutFile: *layoutFile,
		Device:     *device,
		PubKeys:    keys,
		Init:       *initDevice,
		Stage:      *stage,
		Slot:       *slot,
		Verify:     *verify,
		Provision:  *provision,
		Install:    *install,
		Revert:     *revert,
		Resume:     *resume,
	}); err != nil {
		glog.Exit(err.Error())
	}
}
