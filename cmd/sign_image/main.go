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

// sign_image creates signing keys, and turns firmware payloads into signed
// images which the bootloader will accept.
//
// Usage:
//
//	go run ./cmd/sign_image --keygen --key_name=vendor --key_file=vendor.key
//	go run ./cmd/sign_image --key_file=vendor.key --in=fw.bin --out=fw.img --version=7
//
// --keygen writes the public key alongside the private one, with a .pub suffix.
package main

import (
	"flag"

	"github.com/golang/glog"
	"github.com/google/slotboot/cmd/sign_image/impl"
)

var (
	keygen  = flag.Bool("keygen", false, "Generate a new key pair instead of signing")
	keyName = flag.String("key_name", "", "Name for the key identity, used with --keygen")
	keyFile = flag.String("key_file", "", "Private key file")
	in      = flag.String("in", "", "Payload file to sign")
	out     = flag.String("out", "", "Output file for the signed image")
	version = flag.Uint64("version", 0, "Monotonic version number of the image")
)

func main() {
	flag.Parse()

	if err := impl.Main(impl.SignOpts{
		Keygen:  *keygen,
		KeyName: *keyName,
		KeyFile: *keyFile,
		In:      *in,
		Out:     *out,
		Version: *version,
	}); err != nil {
		glog.Exit(err.Error())
	}
}
