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
	"io"

	"github.com/Project-Flare-Staging/system-update-engine/bootslot"
	"github.com/Project-Flare-Staging/system-update-engine/lang/reader"
	"github.com/Project-Flare-Staging/system-update-engine/lang/worker"
	"github.com/Project-Flare-Staging/system-update-engine/prefs"
	"github.com/Project-Flare-Staging/system-update-engine/snapshot"
	"github.com/Project-Flare-Staging/system-update-engine/system"
	"github.com/Project-Flare-Staging/system-update-engine/update/metadata"
	"github.com/Project-Flare-Staging/system-update-engine/verity"
)

// PerformerState is the Delta Performer's single-threaded event-loop
// position (spec.md §4.6).
type PerformerState int

const (
	StateBeginning PerformerState = iota
	StateInitialMetadata
	StateApplyingOperations
	StateWritingVerity
	StateFinalizing
	StateDone
)

func (s PerformerState) String() string {
	switch s {
	case StateBeginning:
		return "Beginning"
	case StateInitialMetadata:
		return "InitialMetadata"
	case StateApplyingOperations:
		return "ApplyingOperations"
	case StateWritingVerity:
		return "WritingVerity"
	case StateFinalizing:
		return "Finalizing"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Stage is the coarser-grained progress-reporting taxonomy from
// spec.md §6, a superset distinguishing metadata verification from
// operation application.
type Stage int

const (
	StageDownloading Stage = iota
	StageVerifyingMetadata
	StageApplyingOperations
	StageWritingVerity
	StageFinalizing
)

// ProgressFunc is invoked as the apply proceeds; bytesReceived/total
// mirror the teacher's own ioprogress-style callback shape.
type ProgressFunc func(bytesReceived, total int64, stage Stage)

// ErrChecksumMismatch is returned from Finalizing when a partition's
// full-content SHA-256 does not match new_info.hash.
var ErrChecksumMismatch = errors.New("update: partition checksum mismatch after apply")

// ErrUserCanceled is returned when Cancel() was observed at a
// suspension point; non-fatal, resumable (spec.md §7).
var ErrUserCanceled = errors.New("update: canceled by caller")

// TargetProvider supplies the block devices one partition's operations
// are applied against. Src may be nil for a full (non-delta) payload.
type TargetProvider interface {
	Target(partitionName string) (dst, src BlockDevice, err error)
}

// SnapshotTargetProvider is implemented by a TargetProvider that can
// also resolve the base (origin) and COW device paths snap.MapAllForWriting
// needs to bring up a dynamic partition's snapshot device. Required
// whenever a non-nil snapshot.Controller is wired into the Performer.
type SnapshotTargetProvider interface {
	TargetProvider
	SnapshotDevices(partitionName string) (baseDevice, cowDevice string, err error)
}

const (
	keyPayloadHash    = "update/payload_hash"
	keyMetadataSize   = "update/manifest_metadata_size"
	keyNextOpIndex    = "update/next_op_index"
	keyNextDataOffset = "update/next_data_offset"
	keyUpdateState    = "update/update_state"
)

// UpdateState mirrors spec.md §3's checkpoint update_state enum.
type UpdateState string

const (
	UpdateIdle        UpdateState = "Idle"
	UpdateDownloading UpdateState = "Downloading"
	UpdateVerifying   UpdateState = "Verifying"
	UpdateFinalizing  UpdateState = "Finalizing"
	UpdateReporting   UpdateState = "Reporting"
	UpdateSucceeded   UpdateState = "Succeeded"
	UpdateFailed      UpdateState = "Failed"
	UpdateReverted    UpdateState = "Reverted"
)

// Performer drives C2 (Payload) through C3 (Operation) and C4
// (verity.Writer) in manifest order, checkpointing into C1 (prefs.Store)
// after every operation, then asks C5 (snapshot.Controller) to finish
// and C7 (bootslot.Coordinator) to flip the active slot (spec.md §4.6).
type Performer struct {
	store    prefs.Store
	snap     *snapshot.Controller
	boot     *bootslot.Coordinator
	hw       Hardware
	targets  TargetProvider
	progress ProgressFunc

	targetSlot int
	workers    int

	state    PerformerState
	canceled bool
}

// NewPerformer wires the collaborators the Performer needs. The worker
// pool that finishes verity is sized by system.GetProcessors() at Run
// time; operations, including decompression, run inline.
func NewPerformer(store prefs.Store, snap *snapshot.Controller, boot *bootslot.Coordinator, hw Hardware, targets TargetProvider, targetSlot int, progress ProgressFunc) *Performer {
	return &Performer{
		store:      store,
		snap:       snap,
		boot:       boot,
		hw:         hw,
		targets:    targets,
		targetSlot: targetSlot,
		progress:   progress,
		state:      StateBeginning,
	}
}

// Cancel sets a flag observed at every suspension point (spec.md §5).
// A Cancel after a completed Done run is a no-op.
func (perf *Performer) Cancel() {
	if perf.state == StateDone {
		return
	}
	perf.canceled = true
}

func (perf *Performer) report(received, total int64, stage Stage) {
	if perf.progress != nil {
		perf.progress(received, total, stage)
	}
}

// checkpoint is the in-memory mirror of what's durably recorded in the
// preference store, refreshed from/to prefs.Store at resume and after
// every operation.
type checkpoint struct {
	payloadHash    string
	metadataSize   uint64
	nextOpIndex    int64
	nextDataOffset int64
}

func (perf *Performer) loadCheckpoint() checkpoint {
	var cp checkpoint
	cp.payloadHash, _ = perf.store.GetString(keyPayloadHash)
	if v, err := perf.store.GetInt64(keyMetadataSize); err == nil {
		cp.metadataSize = uint64(v)
	}
	cp.nextOpIndex, _ = perf.store.GetInt64(keyNextOpIndex)
	cp.nextDataOffset, _ = perf.store.GetInt64(keyNextDataOffset)
	return cp
}

// saveCheckpoint records progress inside one prefs transaction so a
// crash between begin and submit leaves the store at its prior content
// (spec.md §8 "Preference atomicity").
func (perf *Performer) saveCheckpoint(cp checkpoint, state UpdateState) error {
	if err := perf.store.Begin(); err != nil {
		return fmt.Errorf("update: beginning checkpoint transaction: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = perf.store.Cancel()
		}
	}()

	if err := perf.store.SetString(keyPayloadHash, cp.payloadHash); err != nil {
		return err
	}
	if err := perf.store.SetInt64(keyMetadataSize, int64(cp.metadataSize)); err != nil {
		return err
	}
	if err := perf.store.SetInt64(keyNextOpIndex, cp.nextOpIndex); err != nil {
		return err
	}
	if err := perf.store.SetInt64(keyNextDataOffset, cp.nextDataOffset); err != nil {
		return err
	}
	if err := perf.store.SetString(keyUpdateState, string(state)); err != nil {
		return err
	}

	if err := perf.store.Submit(); err != nil {
		return fmt.Errorf("update: submitting checkpoint transaction: %w", err)
	}
	ok = true
	return nil
}

// flatOp is one operation flattened across every partition in manifest
// order, the unit the global next_op_index/next_data_offset counters
// advance over.
type flatOp struct {
	partition *metadata.PartitionUpdate
	op        *metadata.InstallOperation
}

func flatten(procs []*metadata.PartitionUpdate) []flatOp {
	var out []flatOp
	for _, part := range procs {
		for _, op := range part.Operations {
			out = append(out, flatOp{partition: part, op: op})
		}
	}
	return out
}

// Run parses des's payload from r and drives it to completion,
// resuming from any valid checkpoint left by a prior, interrupted Run
// against the same descriptor.
func (perf *Performer) Run(ctx context.Context, r io.Reader, des Descriptor) error {
	perf.state = StateBeginning
	payloadHash := fmt.Sprintf("%x", des.PayloadSHA256)

	cp := perf.loadCheckpoint()
	resuming := cp.payloadHash == payloadHash && cp.payloadHash != ""
	if !resuming {
		cp = checkpoint{payloadHash: payloadHash}
	}

	perf.state = StateInitialMetadata
	perf.report(0, des.PayloadSize, StageVerifyingMetadata)

	payload, err := NewPayloadFrom(r, perf.hw, des)
	if err != nil {
		_ = perf.saveCheckpoint(cp, UpdateFailed)
		return err
	}
	cp.metadataSize = uint64(payload.metadataSize)

	if resuming && cp.nextDataOffset > 0 {
		if _, err := io.CopyN(io.Discard, payload, cp.nextDataOffset); err != nil {
			return fmt.Errorf("update: replaying %d resumed bytes: %w", cp.nextDataOffset, err)
		}
	} else {
		cp.nextOpIndex = 0
		cp.nextDataOffset = 0
	}

	if cp.nextOpIndex == 0 {
		if perf.snap != nil {
			if err := perf.prepareSnapshot(ctx, payload); err != nil {
				_ = perf.saveCheckpoint(cp, UpdateFailed)
				return err
			}
		}
		if err := perf.verifyOldPartitions(payload.Procedures()); err != nil {
			_ = perf.saveCheckpoint(cp, UpdateFailed)
			return err
		}
	}

	perf.state = StateApplyingOperations
	ops := flatten(payload.Procedures())
	verityWriters := make(map[string]*verity.Writer)
	blockSize := int64(payload.Manifest.GetBlockSize())

	for i := cp.nextOpIndex; i < int64(len(ops)); i++ {
		if perf.canceled {
			return ErrUserCanceled
		}

		fo := ops[i]
		name := fo.partition.GetPartitionName()

		dst, src, err := perf.targets.Target(name)
		if err != nil {
			return fmt.Errorf("update: acquiring target for %s: %w", name, err)
		}

		effectiveOp := fo.op
		if perf.snap != nil {
			if optimized, err := perf.snap.OptimizeOperation(fo.op); err == nil {
				effectiveOp = optimized
			}
		}

		operation := NewOperation(payload, fo.partition, effectiveOp)
		if err := operation.Apply(dst, src); err != nil {
			_ = perf.saveCheckpoint(cp, UpdateFailed)
			return fmt.Errorf("update: applying operation %d of partition %s: %w", i, name, err)
		}

		if fo.partition.HasVerity() {
			if err := perf.feedVerity(verityWriters, fo.partition, effectiveOp, dst, blockSize); err != nil {
				return err
			}
		}

		cp.nextDataOffset += int64(fo.op.GetDataLength())
		cp.nextOpIndex = i + 1
		if err := perf.saveCheckpoint(cp, UpdateDownloading); err != nil {
			return err
		}

		perf.report(cp.nextDataOffset, des.PayloadSize, StageApplyingOperations)
	}

	perf.state = StateWritingVerity
	if err := perf.finishVerity(ctx, payload.Procedures(), verityWriters, blockSize); err != nil {
		return err
	}

	perf.state = StateFinalizing
	perf.report(des.PayloadSize, des.PayloadSize, StageFinalizing)
	if err := perf.finalize(payload, dstForHashCheck); err != nil {
		_ = perf.saveCheckpoint(cp, UpdateFailed)
		return err
	}

	if err := payload.VerifyPayloadSignature(); err != nil {
		_ = perf.saveCheckpoint(cp, UpdateFailed)
		return err
	}

	if perf.snap != nil {
		if err := perf.snap.FinishUpdate(ctx); err != nil {
			return fmt.Errorf("update: finishing snapshot update: %w", err)
		}
	}
	if perf.boot != nil {
		if err := perf.boot.SetActiveBootSlot(ctx, bootslot.Slot(perf.targetSlot)); err != nil {
			return fmt.Errorf("update: setting active boot slot: %w", err)
		}
	}

	perf.state = StateDone
	return perf.saveCheckpoint(cp, UpdateSucceeded)
}

// dstForHashCheck reopens a partition's target device for a read-back
// hash check in finalize; defined as a package-level func value so it
// can be swapped in tests without widening Performer's public surface.
var dstForHashCheck = func(perf *Performer, name string) (BlockDevice, error) {
	dst, _, err := perf.targets.Target(name)
	return dst, err
}

// prepareSnapshot brings the snapshot controller from Idle to Writing
// before any operation touches the target slot: PreparePartitionsForUpdate
// accounts for the dynamic-partition group sizes the manifest declares,
// then MapAllForWriting maps a COW device per partition so the
// operations loop below writes through the snapshot instead of
// clobbering the target slot's prior content directly (spec.md §4.5).
// Only called once per update, guarded by the same nextOpIndex == 0
// check that gates verifyOldPartitions.
func (perf *Performer) prepareSnapshot(ctx context.Context, payload *Payload) error {
	dpm := payload.Manifest.GetDynamicPartitionMetadata()
	if _, err := perf.snap.PreparePartitionsForUpdate(perf.targetSlot, dpm, false); err != nil {
		return fmt.Errorf("update: preparing dynamic partitions: %w", err)
	}

	mapper, ok := perf.targets.(SnapshotTargetProvider)
	if !ok {
		return fmt.Errorf("update: snapshot controller configured but target provider does not implement SnapshotTargetProvider")
	}

	var specs []snapshot.MapSpec
	for _, part := range payload.Procedures() {
		name := part.GetPartitionName()
		base, cow, err := mapper.SnapshotDevices(name)
		if err != nil {
			return fmt.Errorf("update: resolving snapshot devices for %s: %w", name, err)
		}
		specs = append(specs, snapshot.MapSpec{Name: name, BaseDevice: base, CowDevice: cow})
	}
	if _, err := perf.snap.MapAllForWriting(ctx, specs); err != nil {
		return fmt.Errorf("update: mapping partitions for writing: %w", err)
	}
	return nil
}

// verifyOldPartitions hashes each partition's source device against its
// declared old_partition_info before any operation runs, so a source
// slot that no longer matches what the payload was built against is
// rejected up front instead of surfacing as a confusing mid-update
// operation hash mismatch.
func (perf *Performer) verifyOldPartitions(procs []*metadata.PartitionUpdate) error {
	for _, part := range procs {
		old := part.GetOldPartitionInfo()
		if old == nil || len(old.GetHash()) == 0 {
			continue
		}

		_, src, err := perf.targets.Target(part.GetPartitionName())
		if err != nil {
			return fmt.Errorf("update: acquiring source for %s: %w", part.GetPartitionName(), err)
		}
		if src == nil {
			continue // full (non-delta) update for this partition
		}

		h := sha256.New()
		if _, err := io.CopyN(h, reader.AtReader(src), int64(old.GetSize())); err != nil {
			return fmt.Errorf("%w: reading old %s: %v", ErrOperationExecutionError, part.GetPartitionName(), err)
		}
		if sum := h.Sum(nil); !bytes.Equal(sum, old.GetHash()) {
			return fmt.Errorf("%w: source partition %s does not match old_partition_info", ErrChecksumMismatch, part.GetPartitionName())
		}
	}
	return nil
}

func (perf *Performer) feedVerity(writers map[string]*verity.Writer, part *metadata.PartitionUpdate, op *metadata.InstallOperation, dst BlockDevice, blockSize int64) error {
	name := part.GetPartitionName()
	w, ok := writers[name]
	if !ok {
		dataBlocks := int64(part.HashTreeDataExtent.GetNumBlocks())
		w = verity.NewWriter(blockSize, part.HashTreeSalt, dataBlocks, int(part.GetFecRoots()))
		writers[name] = w
	}

	for _, e := range op.DstExtents {
		off := int64(e.GetStartBlock()) * w.BlockSize()
		length := int64(e.GetNumBlocks()) * w.BlockSize()
		buf := make([]byte, length)
		if _, err := dst.ReadAt(buf, off); err != nil {
			return fmt.Errorf("update: reading back written blocks for verity: %w", err)
		}
		if err := w.Update(off, buf); err != nil {
			return fmt.Errorf("update: feeding verity writer: %w", err)
		}
	}
	return nil
}

// offsetWriterAt adapts an io.WriterAt so writes land base bytes further
// into the underlying device, letting one partition's raw block device
// host its data region, hash-tree region, and FEC region at their own
// non-overlapping extents instead of all colliding at offset 0.
type offsetWriterAt struct {
	w    io.WriterAt
	base int64
}

func (o offsetWriterAt) WriteAt(p []byte, off int64) (int, error) {
	return o.w.WriteAt(p, o.base+off)
}

func (perf *Performer) finishVerity(ctx context.Context, procs []*metadata.PartitionUpdate, writers map[string]*verity.Writer, blockSize int64) error {
	nWorkers := perf.workers
	if nWorkers <= 0 {
		if n, err := system.GetProcessors(); err == nil && n > 0 {
			nWorkers = int(n)
		} else {
			nWorkers = 1
		}
	}

	wg := worker.NewWorkerGroup(ctx, nWorkers)
	for _, part := range procs {
		if !part.HasVerity() {
			continue
		}
		w, ok := writers[part.GetPartitionName()]
		if !ok {
			continue
		}
		part := part
		name := part.GetPartitionName()
		if err := wg.Start(func(context.Context) error {
			dst, _, err := perf.targets.Target(name)
			if err != nil {
				return err
			}

			treeBase := int64(part.HashTreeExtent.GetStartBlock()) * blockSize
			if _, err := w.IncrementalFinalize(offsetWriterAt{w: dst, base: treeBase}); err != nil {
				return fmt.Errorf("update: writing hash tree for %s: %w", name, err)
			}

			if !part.HasFec() {
				return nil
			}
			return perf.computeFec(dst, part, w, blockSize)
		}); err != nil {
			return fmt.Errorf("update: starting verity worker for %s: %w", name, err)
		}
	}
	return wg.Wait()
}

// computeFec reads back the data-plus-hash-tree region a partition's FEC
// extent protects, stages it, and writes Reed-Solomon parity into the
// partition's fec_extent (spec.md §4.4).
func (perf *Performer) computeFec(dst BlockDevice, part *metadata.PartitionUpdate, w *verity.Writer, blockSize int64) error {
	name := part.GetPartitionName()

	dataLen := int64(part.HashTreeDataExtent.GetNumBlocks()) * blockSize
	data := make([]byte, dataLen)
	if _, err := dst.ReadAt(data, int64(part.HashTreeDataExtent.GetStartBlock())*blockSize); err != nil {
		return fmt.Errorf("update: reading back data region of %s for FEC: %w", name, err)
	}

	w.StageFEC(append(data, w.TreeBytes()...))

	fecBase := int64(part.FecExtent.GetStartBlock()) * blockSize
	if err := w.ComputeFEC(offsetWriterAt{w: dst, base: fecBase}); err != nil {
		return fmt.Errorf("update: computing FEC for %s: %w", name, err)
	}
	return nil
}

func (perf *Performer) finalize(payload *Payload, getDst func(*Performer, string) (BlockDevice, error)) error {
	for _, part := range payload.Procedures() {
		newInfo := part.GetNewPartitionInfo()
		if newInfo == nil || len(newInfo.Hash) == 0 {
			continue
		}
		dst, err := getDst(perf, part.GetPartitionName())
		if err != nil {
			return err
		}
		h := sha256.New()
		if _, err := io.Copy(h, io.NewSectionReader(dst, 0, int64(newInfo.GetSize()))); err != nil {
			return fmt.Errorf("update: hashing %s for finalize: %w", part.GetPartitionName(), err)
		}
		sum := h.Sum(nil)
		if !bytes.Equal(sum, newInfo.Hash) {
			return fmt.Errorf("%w: partition %s", ErrChecksumMismatch, part.GetPartitionName())
		}
	}
	return nil
}
