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

package snapshot

import (
	"errors"
	"testing"

	"github.com/golang/protobuf/proto"

	"github.com/Project-Flare-Staging/system-update-engine/subprocess"
	"github.com/Project-Flare-Staging/system-update-engine/update/metadata"
)

func TestPreparePartitionsForUpdateWithinCap(t *testing.T) {
	c := New(subprocess.New(), 100, false)
	manifest := &metadata.DynamicPartitionMetadata{
		Groups: []*metadata.DynamicPartitionGroup{
			{Name: proto.String("group_a"), Size: proto.Uint64(40), PartitionNames: []string{"system", "vendor"}},
		},
	}

	total, err := c.PreparePartitionsForUpdate(1, manifest, false)
	if err != nil {
		t.Fatalf("PreparePartitionsForUpdate: %v", err)
	}
	if total != 40 {
		t.Errorf("expected total 40, got %d", total)
	}
	if c.State() != Prepared {
		t.Errorf("expected state Prepared, got %s", c.State())
	}
}

func TestPreparePartitionsForUpdateOverHalfSuper(t *testing.T) {
	c := New(subprocess.New(), 100, false)
	manifest := &metadata.DynamicPartitionMetadata{
		Groups: []*metadata.DynamicPartitionGroup{
			{Name: proto.String("group_a"), Size: proto.Uint64(60), PartitionNames: []string{"system"}},
		},
	}

	if _, err := c.PreparePartitionsForUpdate(1, manifest, false); !errors.Is(err, ErrSuperOverHalf) {
		t.Fatalf("expected ErrSuperOverHalf, got %v", err)
	}
}

func TestPreparePartitionsForUpdateWrongState(t *testing.T) {
	c := New(subprocess.New(), 100, false)
	c.state = Writing

	if _, err := c.PreparePartitionsForUpdate(1, nil, false); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState, got %v", err)
	}
}

func TestOptimizeOperationCollapsesIdenticalExtents(t *testing.T) {
	c := New(subprocess.New(), 100, false)
	extents := []*metadata.Extent{{StartBlock: proto.Uint64(4), NumBlocks: proto.Uint64(2)}}
	op := &metadata.InstallOperation{
		Type:       metadata.InstallOperation_SOURCE_COPY.Enum(),
		SrcExtents: extents,
		DstExtents: extents,
	}

	optimized, err := c.OptimizeOperation(op)
	if err != nil {
		t.Fatalf("OptimizeOperation: %v", err)
	}
	if optimized.SrcExtents != nil || optimized.DstExtents != nil {
		t.Errorf("expected extents to be cleared for an identical-extent SOURCE_COPY")
	}
}

func TestOptimizeOperationLeavesDifferingExtentsAlone(t *testing.T) {
	c := New(subprocess.New(), 100, false)
	op := &metadata.InstallOperation{
		Type:       metadata.InstallOperation_SOURCE_COPY.Enum(),
		SrcExtents: []*metadata.Extent{{StartBlock: proto.Uint64(0), NumBlocks: proto.Uint64(1)}},
		DstExtents: []*metadata.Extent{{StartBlock: proto.Uint64(4), NumBlocks: proto.Uint64(1)}},
	}

	optimized, err := c.OptimizeOperation(op)
	if err != nil {
		t.Fatalf("OptimizeOperation: %v", err)
	}
	if optimized.SrcExtents == nil || optimized.DstExtents == nil {
		t.Errorf("expected differing extents to survive untouched")
	}
}

func TestOptimizeOperationDisabledOnRetrofit(t *testing.T) {
	c := New(subprocess.New(), 100, true)
	op := &metadata.InstallOperation{Type: metadata.InstallOperation_SOURCE_COPY.Enum()}

	if _, err := c.OptimizeOperation(op); !errors.Is(err, ErrRetrofit) {
		t.Fatalf("expected ErrRetrofit, got %v", err)
	}
}

func TestGetPartitionDeviceUsesMappedDeviceForTargetSlotWhileWriting(t *testing.T) {
	c := New(subprocess.New(), 100, false)
	c.state = Writing
	c.mapped["system"] = "/dev/mapper/su-system"

	dev, err := c.GetPartitionDevice("system", 1, 0)
	if err != nil {
		t.Fatalf("GetPartitionDevice: %v", err)
	}
	if dev != "/dev/mapper/su-system" {
		t.Errorf("expected mapped device, got %q", dev)
	}
}

func TestGetPartitionDeviceFallsBackToStaticPath(t *testing.T) {
	c := New(subprocess.New(), 100, false)

	dev, err := c.GetPartitionDevice("system", 0, 0)
	if err != nil {
		t.Fatalf("GetPartitionDevice: %v", err)
	}
	if dev != "/dev/mapper/system_a" {
		t.Errorf("expected static device path, got %q", dev)
	}
}

func TestDeviceBaseName(t *testing.T) {
	if got := deviceBaseName("/dev/mapper/su-system"); got != "su-system" {
		t.Errorf("expected su-system, got %q", got)
	}
	if got := deviceBaseName("su-system"); got != "su-system" {
		t.Errorf("expected su-system, got %q", got)
	}
}
