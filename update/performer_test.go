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

package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/golang/protobuf/proto"

	"github.com/Project-Flare-Staging/system-update-engine/prefs"
	"github.com/Project-Flare-Staging/system-update-engine/snapshot"
	"github.com/Project-Flare-Staging/system-update-engine/subprocess"
	"github.com/Project-Flare-Staging/system-update-engine/update/generator"
	"github.com/Project-Flare-Staging/system-update-engine/update/metadata"
	"github.com/Project-Flare-Staging/system-update-engine/verity"
)

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// fakeTargets hands every partition the same pair of in-memory devices,
// regardless of slot, enough to exercise Performer.Run end to end.
type fakeTargets struct {
	dst *memDevice
	src *memDevice
}

func (ft *fakeTargets) Target(name string) (BlockDevice, BlockDevice, error) {
	var src BlockDevice
	if ft.src != nil {
		src = ft.src
	}
	return ft.dst, src, nil
}

func buildOneReplacePayload(t *testing.T, data []byte) []byte {
	t.Helper()
	g := generator.NewGenerator(generator.BlockSize, 0)
	op := &metadata.InstallOperation{
		Type: metadata.InstallOperation_REPLACE.Enum(),
		DstExtents: []*metadata.Extent{{
			StartBlock: proto.Uint64(0),
			NumBlocks:  proto.Uint64(1),
		}},
		DataLength:     proto.Uint64(uint64(len(data))),
		DataSha256Hash: sha256Sum(data),
	}
	newInfo := &metadata.InstallInfo{
		Hash: sha256Sum(data),
		Size: proto.Uint64(uint64(len(data))),
	}
	g.AddPartition("root", []*metadata.InstallOperation{op}, nil, newInfo, data)

	var buf bytes.Buffer
	payloadBytes, err := g.Write(&buf, nil)
	if err != nil {
		t.Fatalf("building fixture payload: %v", err)
	}
	return payloadBytes
}

func TestPerformerRunAppliesAndFinalizes(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, generator.BlockSize)
	payloadBytes := buildOneReplacePayload(t, data)

	store := prefs.NewMemoryStore()
	targets := &fakeTargets{dst: newMemDevice(generator.BlockSize)}

	perf := NewPerformer(store, nil, nil, fakeHardware{}, targets, 1, nil)

	des := Descriptor{PayloadSize: int64(len(payloadBytes))}
	if err := perf.Run(context.Background(), bytes.NewReader(payloadBytes), des); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !bytes.Equal(targets.dst.data, data) {
		t.Errorf("target partition does not contain replicated data")
	}
	if perf.state != StateDone {
		t.Errorf("expected state Done, got %s", perf.state)
	}

	state, err := store.GetString(keyUpdateState)
	if err != nil || state != string(UpdateSucceeded) {
		t.Errorf("expected checkpoint state %q, got %q (err=%v)", UpdateSucceeded, state, err)
	}
}

func TestPerformerRunLeavesCompletedCheckpoint(t *testing.T) {
	data := bytes.Repeat([]byte{0x7a}, generator.BlockSize*2)
	payloadBytes := buildOneReplacePayloadTwoBlocks(t, data)

	store := prefs.NewMemoryStore()
	des := Descriptor{PayloadSize: int64(len(payloadBytes))}

	// This fixture carries no PayloadSHA256, so a seeded checkpoint could
	// not be matched to it; the test instead verifies that a fresh run
	// (no checkpoint) completes and leaves a checkpoint whose
	// next_op_index covers both operations.
	targets := &fakeTargets{dst: newMemDevice(generator.BlockSize * 2)}
	perf := NewPerformer(store, nil, nil, fakeHardware{}, targets, 1, nil)
	if err := perf.Run(context.Background(), bytes.NewReader(payloadBytes), des); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	cp := perf.loadCheckpoint()
	if cp.nextOpIndex != 2 {
		t.Errorf("expected 2 completed operations, got %d", cp.nextOpIndex)
	}
}

func TestPerformerRejectsStaleSourcePartition(t *testing.T) {
	data := bytes.Repeat([]byte{0x55}, generator.BlockSize)
	oldData := bytes.Repeat([]byte{0x66}, generator.BlockSize)

	g := generator.NewGenerator(generator.BlockSize, 0)
	op := &metadata.InstallOperation{
		Type: metadata.InstallOperation_REPLACE.Enum(),
		DstExtents: []*metadata.Extent{{
			StartBlock: proto.Uint64(0),
			NumBlocks:  proto.Uint64(1),
		}},
		DataLength:     proto.Uint64(uint64(len(data))),
		DataSha256Hash: sha256Sum(data),
	}
	oldInfo := &metadata.InstallInfo{
		Hash: sha256Sum(oldData),
		Size: proto.Uint64(uint64(len(oldData))),
	}
	newInfo := &metadata.InstallInfo{
		Hash: sha256Sum(data),
		Size: proto.Uint64(uint64(len(data))),
	}
	g.AddPartition("root", []*metadata.InstallOperation{op}, oldInfo, newInfo, data)

	var buf bytes.Buffer
	payloadBytes, err := g.Write(&buf, nil)
	if err != nil {
		t.Fatalf("building fixture payload: %v", err)
	}

	store := prefs.NewMemoryStore()
	// src content does not match oldInfo's declared hash: the source
	// slot is stale relative to what this payload was built against.
	targets := &fakeTargets{dst: newMemDevice(generator.BlockSize), src: newMemDevice(generator.BlockSize)}
	perf := NewPerformer(store, nil, nil, fakeHardware{}, targets, 1, nil)

	des := Descriptor{PayloadSize: int64(len(payloadBytes))}
	err = perf.Run(context.Background(), bytes.NewReader(payloadBytes), des)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch for a stale source partition, got %v", err)
	}
}

// TestFeedAndFinishVerityWritesAtExtentOffsets exercises feedVerity and
// finishVerity directly against a partition declaring both a
// hash_tree_extent and a fec_extent, confirming the tree and FEC parity
// land in their own reserved extents rather than clobbering the data
// region at device offset 0 (the hash tree previously started writing
// wherever the data region left off).
func TestFeedAndFinishVerityWritesAtExtentOffsets(t *testing.T) {
	const blockSize = 64

	block0 := bytes.Repeat([]byte{0xAA}, blockSize)
	block1 := bytes.Repeat([]byte{0xBB}, blockSize)

	dst := newMemDevice(16 * blockSize)
	copy(dst.data[0:], block0)
	copy(dst.data[blockSize:], block1)
	origData := append([]byte(nil), dst.data[:2*blockSize]...)

	salt := []byte("pepper")
	part := &metadata.PartitionUpdate{
		PartitionName:      proto.String("system"),
		HashTreeDataExtent: &metadata.Extent{StartBlock: proto.Uint64(0), NumBlocks: proto.Uint64(2)},
		HashTreeExtent:     &metadata.Extent{StartBlock: proto.Uint64(2), NumBlocks: proto.Uint64(2)},
		HashTreeSalt:       salt,
		FecExtent:          &metadata.Extent{StartBlock: proto.Uint64(4), NumBlocks: proto.Uint64(4)},
		FecRoots:           proto.Uint32(2),
	}
	op := &metadata.InstallOperation{
		DstExtents: []*metadata.Extent{{StartBlock: proto.Uint64(0), NumBlocks: proto.Uint64(2)}},
	}

	store := prefs.NewMemoryStore()
	targets := &fakeTargets{dst: dst}
	perf := NewPerformer(store, nil, nil, fakeHardware{}, targets, 1, nil)

	writers := make(map[string]*verity.Writer)
	if err := perf.feedVerity(writers, part, op, dst, blockSize); err != nil {
		t.Fatalf("feedVerity: %v", err)
	}
	if err := perf.finishVerity(context.Background(), []*metadata.PartitionUpdate{part}, writers, blockSize); err != nil {
		t.Fatalf("finishVerity: %v", err)
	}

	if !bytes.Equal(dst.data[:2*blockSize], origData) {
		t.Fatalf("hash tree / FEC write clobbered the data region it was supposed to leave alone")
	}

	leafHash := func(block []byte) []byte {
		h := sha256.New()
		h.Write(salt)
		h.Write(block)
		return h.Sum(nil)
	}
	treeBase := 2 * blockSize
	if got, want := dst.data[treeBase:treeBase+sha256.Size], leafHash(block0); !bytes.Equal(got, want) {
		t.Errorf("hash tree leaf 0 at extent offset: got %x, want %x", got, want)
	}
	if got, want := dst.data[treeBase+blockSize:treeBase+blockSize+sha256.Size], leafHash(block1); !bytes.Equal(got, want) {
		t.Errorf("hash tree leaf 1 at extent offset: got %x, want %x", got, want)
	}

	fecBase := 4 * blockSize
	// data(128B) + tree(128B) staged for FEC, stripeWidth 2 -> 128
	// stripes * 2 parity shards = 256 parity bytes written at fecBase.
	fecRegion := dst.data[fecBase : fecBase+256]
	allZero := true
	for _, b := range fecRegion {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Errorf("expected FEC parity bytes written at the fec_extent offset, found all zero")
	}
}

// fakeSnapshotTargets extends fakeTargets with the device-path
// resolution a real snapshot.Controller needs from MapAllForWriting,
// standing in for cmd/slotupdate's fileTargets in these tests.
type fakeSnapshotTargets struct {
	*fakeTargets
}

func (ft *fakeSnapshotTargets) SnapshotDevices(name string) (string, string, error) {
	return fmt.Sprintf("/dev/mapper/%s_base", name), fmt.Sprintf("/dev/mapper/%s_cow", name), nil
}

// TestPerformerRunDrivesSnapshotControllerOutOfIdle is a regression test
// for the integration gap where a live snapshot.Controller was handed to
// Performer but nothing ever called PreparePartitionsForUpdate or
// MapForWriting, so FinishUpdate's state != Writing guard fired on every
// real invocation. It asserts the Controller is driven out of Idle
// before Run ever reaches FinishUpdate, regardless of whether this
// environment has dmsetup installed to complete the mapping.
func TestPerformerRunDrivesSnapshotControllerOutOfIdle(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, generator.BlockSize)
	payloadBytes := buildOneReplacePayload(t, data)

	store := prefs.NewMemoryStore()
	targets := &fakeSnapshotTargets{fakeTargets: &fakeTargets{dst: newMemDevice(generator.BlockSize)}}
	snap := snapshot.New(subprocess.New(), 0, false)

	perf := NewPerformer(store, snap, nil, fakeHardware{}, targets, 1, nil)

	des := Descriptor{PayloadSize: int64(len(payloadBytes))}
	err := perf.Run(context.Background(), bytes.NewReader(payloadBytes), des)

	// Before the fix this path always failed with ErrBadState out of
	// FinishUpdate, because the Controller never left Idle. Now it
	// either completes (if this environment can actually run dmsetup)
	// or fails earlier, while mapping, for an unrelated reason.
	if errors.Is(err, snapshot.ErrBadState) {
		t.Fatalf("expected the Controller to be driven out of Idle before FinishUpdate, got ErrBadState: %v", err)
	}
	if snap.State() == snapshot.Idle {
		t.Fatalf("expected PreparePartitionsForUpdate to move the Controller out of Idle, got %s", snap.State())
	}
}

func buildOneReplacePayloadTwoBlocks(t *testing.T, data []byte) []byte {
	t.Helper()
	g := generator.NewGenerator(generator.BlockSize, 0)
	half := len(data) / 2
	ops := []*metadata.InstallOperation{
		{
			Type: metadata.InstallOperation_REPLACE.Enum(),
			DstExtents: []*metadata.Extent{{
				StartBlock: proto.Uint64(0),
				NumBlocks:  proto.Uint64(1),
			}},
			DataLength:     proto.Uint64(uint64(half)),
			DataSha256Hash: sha256Sum(data[:half]),
		},
		{
			Type: metadata.InstallOperation_REPLACE.Enum(),
			DstExtents: []*metadata.Extent{{
				StartBlock: proto.Uint64(1),
				NumBlocks:  proto.Uint64(1),
			}},
			DataLength:     proto.Uint64(uint64(half)),
			DataSha256Hash: sha256Sum(data[half:]),
		},
	}
	newInfo := &metadata.InstallInfo{
		Hash: sha256Sum(data),
		Size: proto.Uint64(uint64(len(data))),
	}
	g.AddPartition("root", ops, nil, newInfo, data)

	var buf bytes.Buffer
	payloadBytes, err := g.Write(&buf, nil)
	if err != nil {
		t.Fatalf("building fixture payload: %v", err)
	}
	return payloadBytes
}
