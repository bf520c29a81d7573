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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Project-Flare-Staging/system-update-engine/bootslot"
	"github.com/Project-Flare-Staging/system-update-engine/subprocess"
)

var cmdSlot = &cobra.Command{
	Use:   "slot",
	Short: "Query and flip the active boot slot",
}

var cmdSlotShow = &cobra.Command{
	Use:   "show",
	Short: "Print the current highest-priority bootable slot",
	RunE:  runSlotShow,
}

var cmdSlotMarkGood = &cobra.Command{
	Use:   "mark-good",
	Short: "Mark the current slot successful, making the boot permanent",
	RunE:  runSlotMarkGood,
}

var cmdSlotSetActive = &cobra.Command{
	Use:   "set-active SLOT",
	Short: "Arm SLOT (a or b) to boot next and give it top priority",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlotSetActive,
}

func init() {
	cmdSlot.PersistentFlags().String("disk", "/dev/sda", "GPT disk device cgpt operates on")
	cmdSlot.AddCommand(cmdSlotShow)
	cmdSlot.AddCommand(cmdSlotMarkGood)
	cmdSlot.AddCommand(cmdSlotSetActive)
}

func coordinatorFromFlags(cmd *cobra.Command) *bootslot.Coordinator {
	disk, _ := cmd.Flags().GetString("disk")
	proc := subprocess.New()
	slotNumbers := map[bootslot.Slot]int{bootslot.Slot(0): 1, bootslot.Slot(1): 2}
	return bootslot.New(proc, disk, slotNumbers)
}

func runSlotShow(cmd *cobra.Command, args []string) error {
	boot := coordinatorFromFlags(cmd)
	slot, err := boot.CurrentSlot(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(slotName(slot))
	return nil
}

func runSlotMarkGood(cmd *cobra.Command, args []string) error {
	return coordinatorFromFlags(cmd).MarkBootSuccessful(context.Background())
}

func runSlotSetActive(cmd *cobra.Command, args []string) error {
	n, err := parseSlotFlag(args[0])
	if err != nil {
		return err
	}
	return coordinatorFromFlags(cmd).SetActiveBootSlot(context.Background(), bootslot.Slot(n))
}

func slotName(s bootslot.Slot) string {
	if s == 0 {
		return "a"
	}
	return "b"
}
