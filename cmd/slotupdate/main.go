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

// Command slotupdate is the operator-facing front end for the A/B
// update engine: apply a payload, inspect one without applying it, and
// query or flip the active boot slot.
package main

import (
	"fmt"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
)

var (
	plog = capnslog.NewPackageLogger("github.com/Project-Flare-Staging/system-update-engine", "slotupdate")

	root = &cobra.Command{
		Use:   "slotupdate",
		Short: "Apply and inspect A/B update payloads",
	}
)

func main() {
	root.AddCommand(cmdApply)
	root.AddCommand(cmdDump)
	root.AddCommand(cmdSlot)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
