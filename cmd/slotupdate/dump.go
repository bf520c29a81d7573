// Copyright 2016 CoreOS, Inc.
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

package main

import (
	"fmt"
	"os"

	"github.com/golang/protobuf/proto"
	"github.com/spf13/cobra"

	"github.com/Project-Flare-Staging/system-update-engine/lang/natsort"
	"github.com/Project-Flare-Staging/system-update-engine/update"
)

var cmdDump = &cobra.Command{
	Use:   "dump PAYLOAD",
	Short: "Print a payload's manifest and signatures without applying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

func init() {
	cmdDump.Flags().StringSlice("public-key", nil, "PEM-encoded RSA public key file(s) to verify the payload signature against")
}

func runDump(cmd *cobra.Command, args []string) error {
	keyPaths, _ := cmd.Flags().GetStringSlice("public-key")

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	des, err := buildDescriptor(f, info.Size(), keyPaths)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	hw, err := newHardware("")
	if err != nil {
		return err
	}

	p, err := update.NewPayloadFrom(f, hw, des)
	if err != nil {
		return err
	}

	names := make([]string, len(p.Manifest.Partitions))
	for i, part := range p.Manifest.Partitions {
		names[i] = part.GetPartitionName()
	}
	natsort.Strings(names)
	fmt.Fprintf(os.Stdout, "partitions: %v\n", names)

	if err := proto.MarshalText(os.Stdout, &p.Manifest); err != nil {
		return err
	}

	if err := p.VerifyPayloadSignature(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	return proto.MarshalText(os.Stdout, &p.PayloadSignatures)
}
