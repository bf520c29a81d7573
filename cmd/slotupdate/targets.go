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
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Project-Flare-Staging/system-update-engine/snapshot"
	"github.com/Project-Flare-Staging/system-update-engine/update"
)

// fileTargets resolves a partition name to a regular file under a root
// directory, one file per partition and slot (<partition>_<slot>.img), the
// shape a loop-device-backed test rig or a container sandbox presents
// instead of raw disk partitions. When snap is non-nil (a dynamic
// partition update), the target device is instead whatever
// snap.GetPartitionDevice resolves to: the raw static path before
// mapping, the dm-mapped COW device once writing starts.
type fileTargets struct {
	dir        string
	cowDir     string
	targetSlot int
	otherSlot  int
	snap       *snapshot.Controller

	mu    sync.Mutex
	files map[string]*os.File
}

func newFileTargets(dir, cowDir string, targetSlot, otherSlot int, snap *snapshot.Controller) *fileTargets {
	return &fileTargets{
		dir:        dir,
		cowDir:     cowDir,
		targetSlot: targetSlot,
		otherSlot:  otherSlot,
		snap:       snap,
		files:      make(map[string]*os.File),
	}
}

func (ft *fileTargets) Target(partitionName string) (update.BlockDevice, update.BlockDevice, error) {
	dst, err := ft.openDst(partitionName)
	if err != nil {
		return nil, nil, err
	}
	// A full-payload partition has no valid source slot; open it
	// best-effort and hand back nil on failure rather than erroring the
	// whole target resolution. The source is always the static, raw
	// partition on the other slot; only the target slot is ever
	// snapshot-mapped.
	src, err := ft.open(partitionName, ft.otherSlot)
	if err != nil {
		return dst, nil, nil
	}
	return dst, src, nil
}

// openDst resolves the partition's write target: the snapshot-mapped
// device once snap is present and the update is under way, otherwise
// the plain target-slot file.
func (ft *fileTargets) openDst(partitionName string) (*os.File, error) {
	if ft.snap == nil {
		return ft.open(partitionName, ft.targetSlot)
	}
	path, err := ft.snap.GetPartitionDevice(partitionName, ft.targetSlot, ft.otherSlot)
	if err != nil {
		return nil, fmt.Errorf("resolving snapshot device for %s: %w", partitionName, err)
	}
	return ft.openPath(path)
}

// SnapshotDevices resolves the base (origin) and COW device paths
// update.Performer needs to map partitionName for writing, before any
// mapping has happened: GetPartitionDevice falls back to the static
// path while the controller is still in Prepared.
func (ft *fileTargets) SnapshotDevices(partitionName string) (string, string, error) {
	if ft.snap == nil {
		return "", "", fmt.Errorf("fileTargets: no snapshot controller configured")
	}
	base, err := ft.snap.GetPartitionDevice(partitionName, ft.targetSlot, ft.otherSlot)
	if err != nil {
		return "", "", err
	}
	cow := filepath.Join(ft.cowDir, partitionName+"_cow.img")
	return base, cow, nil
}

func (ft *fileTargets) open(partitionName string, slot int) (*os.File, error) {
	key := fmt.Sprintf("%s_%d", partitionName, slot)
	path := filepath.Join(ft.dir, key+".img")
	return ft.openPath(path)
}

func (ft *fileTargets) openPath(path string) (*os.File, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if f, ok := ft.files[path]; ok {
		return f, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening target %s: %w", path, err)
	}
	ft.files[path] = f
	return f, nil
}

func (ft *fileTargets) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var firstErr error
	for _, f := range ft.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildTimestampHardware is the Hardware capability used outside tests:
// the process's own start time stands in for "when this system was
// built" absent a real build-info source wired in from the image.
type buildTimestampHardware struct {
	ts int64
}

func (h buildTimestampHardware) BuildTimestamp() int64 {
	return h.ts
}

func newHardware(buildDate string) (update.Hardware, error) {
	if buildDate == "" {
		return buildTimestampHardware{ts: time.Now().Unix()}, nil
	}
	t, err := time.Parse(time.RFC3339, buildDate)
	if err != nil {
		return nil, fmt.Errorf("parsing --build-timestamp %q: %w", buildDate, err)
	}
	return buildTimestampHardware{ts: t.Unix()}, nil
}

func parseSlotFlag(s string) (int, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "a", "A", "0":
		return 0, nil
	case "b", "B", "1":
		return 1, nil
	default:
		return 0, fmt.Errorf("invalid slot %q, expected a or b", s)
	}
}

func otherSlot(s int) int {
	if s == 0 {
		return 1
	}
	return 0
}
