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

// Package bootslot implements the boot-slot coordinator (C7): reading
// and writing GPT partition-attribute bits (Successful, Priority,
// Tries) through the cgpt binary, the same way CoreOS Container
// Linux's production update_engine/bootengine pair switches slots
// (see kola/tests/misc/update.go's prioritizeUsr helper for the
// invocation pattern this reproduces natively instead of as a test
// harness).
package bootslot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/pkg/capnslog"

	"github.com/Project-Flare-Staging/system-update-engine/subprocess"
)

var plog = capnslog.NewPackageLogger("github.com/Project-Flare-Staging/system-update-engine", "bootslot")

// Slot identifies one of the two A/B root-partition sets, starting at 0
// per spec.md §6.
type Slot int

// Coordinator drives cgpt against one GPT-partitioned disk, treating
// each slot as one numbered partition on that disk.
type Coordinator struct {
	proc *subprocess.Manager
	disk string
	// partitionNumber maps a Slot to its 1-based GPT partition number.
	partitionNumber map[Slot]int
}

// New returns a Coordinator that drives cgpt against disk (e.g.
// "/dev/sda"), with slot i mapped to GPT partition number
// partitionNumber[i].
func New(proc *subprocess.Manager, disk string, partitionNumber map[Slot]int) *Coordinator {
	return &Coordinator{proc: proc, disk: disk, partitionNumber: partitionNumber}
}

func (c *Coordinator) partArgs(s Slot) (string, error) {
	n, ok := c.partitionNumber[s]
	if !ok {
		return "", fmt.Errorf("bootslot: unknown slot %d", s)
	}
	return strconv.Itoa(n), nil
}

// CurrentSlot returns the slot with the highest cgpt priority among
// bootable slots.
func (c *Coordinator) CurrentSlot(ctx context.Context) (Slot, error) {
	var best Slot
	var bestPriority = -1
	found := false
	for s := range c.partitionNumber {
		bootable, err := c.IsSlotBootable(ctx, s)
		if err != nil {
			return 0, err
		}
		if !bootable {
			continue
		}
		prio, err := c.priority(ctx, s)
		if err != nil {
			return 0, err
		}
		if prio > bestPriority {
			bestPriority = prio
			best = s
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("bootslot: no bootable slot found")
	}
	return best, nil
}

func (c *Coordinator) priority(ctx context.Context, s Slot) (int, error) {
	part, err := c.partArgs(s)
	if err != nil {
		return 0, err
	}
	res, err := c.proc.Run(ctx, "cgpt", "show", "-i", part, "-P", c.disk)
	if err != nil {
		return 0, fmt.Errorf("bootslot: reading priority: %w", err)
	}
	return strconv.Atoi(strings.TrimSpace(string(res.Stdout)))
}

// IsSlotBootable reports whether the slot's Successful bit is set or it
// still has Tries remaining.
func (c *Coordinator) IsSlotBootable(ctx context.Context, s Slot) (bool, error) {
	part, err := c.partArgs(s)
	if err != nil {
		return false, err
	}
	successful, err := c.proc.Run(ctx, "cgpt", "show", "-i", part, "-S", c.disk)
	if err != nil {
		return false, fmt.Errorf("bootslot: reading successful bit: %w", err)
	}
	if strings.TrimSpace(string(successful.Stdout)) == "1" {
		return true, nil
	}
	tries, err := c.proc.Run(ctx, "cgpt", "show", "-i", part, "-T", c.disk)
	if err != nil {
		return false, fmt.Errorf("bootslot: reading tries: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(tries.Stdout)))
	if err != nil {
		return false, fmt.Errorf("bootslot: parsing tries: %w", err)
	}
	return n > 0, nil
}

// MarkSlotUnbootable clears the slot's Successful bit and zeroes its
// remaining tries and priority, idempotently.
func (c *Coordinator) MarkSlotUnbootable(ctx context.Context, s Slot) error {
	part, err := c.partArgs(s)
	if err != nil {
		return err
	}
	_, err = c.proc.Run(ctx, "cgpt", "add", "-i", part, "-S0", "-T0", "-P0", c.disk)
	if err != nil {
		return fmt.Errorf("bootslot: marking slot %d unbootable: %w", s, err)
	}
	return nil
}

// SetActiveBootSlot raises s's cgpt priority above every other slot and
// gives it a fresh set of boot tries, mirroring prioritizeUsr's
// `cgpt add -S0 -T1 ...; cgpt prioritize ...` sequence.
func (c *Coordinator) SetActiveBootSlot(ctx context.Context, s Slot) error {
	part, err := c.partArgs(s)
	if err != nil {
		return err
	}
	if _, err := c.proc.Run(ctx, "cgpt", "add", "-i", part, "-S0", "-T1", c.disk); err != nil {
		return fmt.Errorf("bootslot: arming slot %d for boot: %w", s, err)
	}
	if _, err := c.proc.Run(ctx, "cgpt", "prioritize", "-i", part, c.disk); err != nil {
		return fmt.Errorf("bootslot: prioritizing slot %d: %w", s, err)
	}
	return nil
}

// MarkBootSuccessful sets the current slot's Successful bit and clears
// its remaining tries, making the boot permanent. Idempotent.
func (c *Coordinator) MarkBootSuccessful(ctx context.Context) error {
	s, err := c.CurrentSlot(ctx)
	if err != nil {
		return err
	}
	part, err := c.partArgs(s)
	if err != nil {
		return err
	}
	if _, err := c.proc.Run(ctx, "cgpt", "add", "-i", part, "-S1", "-T0", c.disk); err != nil {
		return fmt.Errorf("bootslot: marking slot %d successful: %w", s, err)
	}
	return nil
}
