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
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/spf13/cobra"

	"github.com/Project-Flare-Staging/system-update-engine/bootslot"
	"github.com/Project-Flare-Staging/system-update-engine/prefs"
	"github.com/Project-Flare-Staging/system-update-engine/snapshot"
	"github.com/Project-Flare-Staging/system-update-engine/subprocess"
	"github.com/Project-Flare-Staging/system-update-engine/update"
	"github.com/Project-Flare-Staging/system-update-engine/update/signature"
)

var cmdApply = &cobra.Command{
	Use:   "apply PAYLOAD",
	Short: "Apply an update payload to the inactive slot",
	Args:  cobra.ExactArgs(1),
	RunE:  runApply,
}

func init() {
	cmdApply.Flags().String("targets-dir", ".", "directory holding <partition>_<slot>.img target files")
	cmdApply.Flags().String("cow-dir", "", "directory for per-partition COW backing files (dynamic-partition updates only, defaults to --targets-dir)")
	cmdApply.Flags().String("checkpoint-dir", "", "directory for the resumable preference store (required)")
	cmdApply.Flags().String("slot", "b", "target slot to write (a or b)")
	cmdApply.Flags().String("disk", "/dev/sda", "GPT disk device cgpt operates on for boot-slot switching")
	cmdApply.Flags().StringSlice("public-key", nil, "PEM-encoded RSA public key file(s) trusted to sign this payload")
	cmdApply.Flags().String("build-timestamp", "", "RFC3339 timestamp standing in for this build's age (defaults to now)")
	cmdApply.Flags().Bool("retrofit", false, "target device has static partitions, not dynamic/snapshot-backed ones")
	cmdApply.Flags().Uint64("super-cap-bytes", 0, "super-partition capacity in bytes (0 disables the dynamic-partition cap check)")
}

func runApply(cmd *cobra.Command, args []string) error {
	payloadPath := args[0]

	targetsDir, _ := cmd.Flags().GetString("targets-dir")
	cowDir, _ := cmd.Flags().GetString("cow-dir")
	if cowDir == "" {
		cowDir = targetsDir
	}
	checkpointDir, _ := cmd.Flags().GetString("checkpoint-dir")
	slotFlag, _ := cmd.Flags().GetString("slot")
	disk, _ := cmd.Flags().GetString("disk")
	keyPaths, _ := cmd.Flags().GetStringSlice("public-key")
	buildDate, _ := cmd.Flags().GetString("build-timestamp")
	retrofit, _ := cmd.Flags().GetBool("retrofit")
	superCap, _ := cmd.Flags().GetUint64("super-cap-bytes")

	if checkpointDir == "" {
		return fmt.Errorf("--checkpoint-dir is required")
	}

	targetSlot, err := parseSlotFlag(slotFlag)
	if err != nil {
		return err
	}

	f, err := os.Open(payloadPath)
	if err != nil {
		return fmt.Errorf("opening payload: %w", err)
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

	hw, err := newHardware(buildDate)
	if err != nil {
		return err
	}

	store, err := prefs.NewFileStore(checkpointDir)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}

	proc := subprocess.New()
	// Retrofit devices have static, non-dynamic partitions: no
	// super-partition/COW mapping applies, so no Controller is
	// constructed and Performer's perf.snap != nil guards skip the
	// whole snapshot lifecycle for them.
	var snap *snapshot.Controller
	if !retrofit {
		snap = snapshot.New(proc, superCap, retrofit)
	}
	slotNumbers := map[bootslot.Slot]int{bootslot.Slot(0): 1, bootslot.Slot(1): 2}
	boot := bootslot.New(proc, disk, slotNumbers)

	targets := newFileTargets(targetsDir, cowDir, targetSlot, otherSlot(targetSlot), snap)
	defer targets.Close()

	perf := update.NewPerformer(store, snap, boot, hw, targets, targetSlot, func(received, total int64, stage update.Stage) {
		plog.Infof("stage=%d %d/%d bytes", stage, received, total)
	})

	return perf.Run(context.Background(), f, des)
}

// buildDescriptor fills in a Descriptor by hashing the payload file
// up front, standing in for the out-of-band metadata a real downloader
// would have already fetched from an Omaha-style response.
func buildDescriptor(f *os.File, size int64, keyPaths []string) (update.Descriptor, error) {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return update.Descriptor{}, fmt.Errorf("hashing payload: %w", err)
	}

	var keys []*rsa.PublicKey
	for _, p := range keyPaths {
		pemBytes, err := ioutil.ReadFile(p)
		if err != nil {
			return update.Descriptor{}, fmt.Errorf("reading public key %s: %w", p, err)
		}
		key, err := signature.ParsePublicKey(pemBytes)
		if err != nil {
			return update.Descriptor{}, fmt.Errorf("parsing public key %s: %w", p, err)
		}
		keys = append(keys, key)
	}

	return update.Descriptor{
		PayloadSize:   size,
		PayloadSHA256: h.Sum(nil),
		PublicKeys:    keys,
	}, nil
}

