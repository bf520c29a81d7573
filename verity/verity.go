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

// Package verity implements the hash-tree and forward-error-correction
// post-processor (C4): an incremental, resumable Merkle-tree builder
// over a partition's data blocks, plus an optional Reed-Solomon FEC
// encoder over the data-plus-tree region. It runs entirely in-process
// (spec.md §4.4), since a veritysetup subprocess has no
// incremental/resumable mode to drive from the Delta Performer's event
// loop.
package verity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/reedsolomon"
)

var (
	// ErrShortWrite is returned when Update is fed a non-block-aligned
	// range; the executor always writes whole blocks, so any caller
	// that reaches this has violated the extent-alignment invariant.
	ErrShortWrite = errors.New("verity: update range is not block-aligned")

	// ErrOutOfOrder would fire on a genuine cursor regression; feeding
	// already-seen blocks again is defined as a no-op instead (spec.md
	// §4.4's idempotence invariant), so this is reserved for internal
	// consistency checks.
	ErrOutOfOrder = errors.New("verity: cursor moved backwards")
)

const hashSize = sha256.Size

// Writer builds a dm-verity-style hash tree (and optional FEC) over one
// partition's data region. Not safe for concurrent use; the Performer
// owns one Writer per partition.
type Writer struct {
	blockSize  int64
	salt       []byte
	dataBlocks int64

	leaves     [][]byte // leaves[i] set once block i's hash is known
	leavesSeen int64

	levels    [][][]byte // levels[0] == leaves; built lazily by IncrementalFinalize
	built     bool
	treeBytes []byte // serialized tree, level 0 (leaves) first

	fecRoots int
	fecDone  bool
	fecData  []byte // accumulated data+tree bytes staged for FEC
}

// NewWriter creates a Writer for a partition whose data region is
// dataBlocks blocks of blockSize bytes, salted with salt. fecRoots == 0
// disables FEC.
func NewWriter(blockSize int64, salt []byte, dataBlocks int64, fecRoots int) *Writer {
	return &Writer{
		blockSize:  blockSize,
		salt:       append([]byte(nil), salt...),
		dataBlocks: dataBlocks,
		leaves:     make([][]byte, dataBlocks),
		fecRoots:   fecRoots,
	}
}

// Update feeds bytes in arrival order, hashing every whole block they
// cover. offset and len(data) must be multiples of blockSize, matching
// the Operation Executor's extent-aligned writes. Re-presenting a block
// whose hash is already committed is a no-op.
func (w *Writer) Update(offset int64, data []byte) error {
	if offset%w.blockSize != 0 || int64(len(data))%w.blockSize != 0 {
		return ErrShortWrite
	}
	startBlock := offset / w.blockSize
	for i := int64(0); i*w.blockSize < int64(len(data)); i++ {
		block := startBlock + i
		if block < 0 || block >= w.dataBlocks {
			return fmt.Errorf("verity: block %d out of range [0,%d)", block, w.dataBlocks)
		}
		if w.leaves[block] != nil {
			continue // already committed: idempotent no-op
		}
		chunk := data[i*w.blockSize : (i+1)*w.blockSize]
		w.leaves[block] = leafHash(w.salt, chunk)
		w.leavesSeen++
	}
	return nil
}

func leafHash(salt, block []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(block)
	return h.Sum(nil)
}

// BlockSize returns the block size this Writer was constructed with.
func (w *Writer) BlockSize() int64 {
	return w.blockSize
}

// Progress reports hash-tree completion as a fraction in [0,1].
func (w *Writer) Progress() float64 {
	if w.dataBlocks == 0 {
		return 1
	}
	return float64(w.leavesSeen) / float64(w.dataBlocks)
}

// ready reports whether every leaf has been hashed.
func (w *Writer) ready() bool {
	return w.leavesSeen >= w.dataBlocks
}

// hashesPerBlock is how many child hashes fit in one tree block.
func (w *Writer) hashesPerBlock() int64 {
	return w.blockSize / hashSize
}

// buildLevels constructs the tree bottom-up from the committed leaves,
// grouping hashesPerBlock hashes per parent block and hashing each
// parent block (with salt) into the next level, until one hash remains
// (the root). It is only called once all leaves are present.
func (w *Writer) buildLevels() {
	if w.built {
		return
	}
	levels := [][][]byte{w.leaves}
	cur := w.leaves
	hpb := w.hashesPerBlock()

	for len(cur) > 1 {
		var next [][]byte
		for i := int64(0); i < int64(len(cur)); i += hpb {
			end := i + hpb
			if end > int64(len(cur)) {
				end = int64(len(cur))
			}
			block := make([]byte, w.blockSize)
			for j := i; j < end; j++ {
				copy(block[(j-i)*hashSize:], cur[j])
			}
			next = append(next, leafHash(w.salt, block))
		}
		levels = append(levels, next)
		cur = next
	}

	w.levels = levels
	w.built = true
}

// RootHash returns the tree's root digest. Valid only after
// IncrementalFinalize has returned true.
func (w *Writer) RootHash() ([]byte, error) {
	if !w.built {
		return nil, fmt.Errorf("verity: tree not finalized")
	}
	top := w.levels[len(w.levels)-1]
	if len(top) != 1 {
		return nil, fmt.Errorf("verity: malformed tree, %d roots", len(top))
	}
	return top[0], nil
}

// IncrementalFinalize reports whether the tree is fully written. Until
// every leaf is hashed it writes nothing and returns false; after that
// it writes the whole tree in a single call and returns true. The work
// is not split into smaller slices. treeWriter
// receives the serialized tree, level 0 (leaves) first, each level
// block-padded, matching the layout Finalize builds in buildLevels.
func (w *Writer) IncrementalFinalize(treeWriter io.WriterAt) (done bool, err error) {
	if !w.ready() {
		return false, nil
	}
	w.buildLevels()

	var off int64
	for _, level := range w.levels[:len(w.levels)-1] {
		// The root level (a single hash) is not written to the tree
		// extent; callers read it back via RootHash for comparison.
		for _, h := range level {
			block := make([]byte, w.blockSize)
			copy(block, h)
			if _, err := treeWriter.WriteAt(block, off); err != nil {
				return false, fmt.Errorf("verity: writing hash tree: %w", err)
			}
			w.treeBytes = append(w.treeBytes, block...)
			off += w.blockSize
		}
	}
	return true, nil
}

// TreeBytes returns the serialized hash tree written by the most recent
// IncrementalFinalize call, level 0 first, for callers staging the
// data-plus-tree region ComputeFEC protects.
func (w *Writer) TreeBytes() []byte {
	return w.treeBytes
}

// StageFEC accumulates the data-plus-hash-tree bytes to be protected by
// Reed-Solomon parity; call once the hash tree is finalized, providing
// every block of the data region followed by every written hash-tree
// block, in order.
func (w *Writer) StageFEC(dataPlusTree []byte) {
	w.fecData = dataPlusTree
}

// FECFinished reports whether FEC parity has been computed and written.
func (w *Writer) FECFinished() bool {
	return w.fecRoots == 0 || w.fecDone
}

// ComputeFEC reads w.fecData in stripes of fecRoots columns and writes
// one Reed-Solomon parity row per stripe into fecWriter, per spec.md
// §4.4. No-op if FEC is disabled.
func (w *Writer) ComputeFEC(fecWriter io.WriterAt) error {
	if w.fecRoots == 0 {
		w.fecDone = true
		return nil
	}
	if w.fecData == nil {
		return fmt.Errorf("verity: FEC staged data missing")
	}

	const parityShards = 2 // fixed redundancy; fecRoots sizes the stripe width
	enc, err := reedsolomon.New(w.fecRoots, parityShards)
	if err != nil {
		return fmt.Errorf("verity: constructing reed-solomon encoder: %w", err)
	}

	stripeWidth := w.fecRoots
	data := w.fecData
	var off int64
	for i := 0; i < len(data); i += stripeWidth {
		end := i + stripeWidth
		if end > len(data) {
			end = len(data)
		}
		stripe := data[i:end]

		shards := make([][]byte, w.fecRoots+parityShards)
		for s := 0; s < w.fecRoots; s++ {
			shards[s] = make([]byte, 1)
			if s < len(stripe) {
				shards[s][0] = stripe[s]
			}
		}
		for s := w.fecRoots; s < w.fecRoots+parityShards; s++ {
			shards[s] = make([]byte, 1)
		}

		if err := enc.Encode(shards); err != nil {
			return fmt.Errorf("verity: encoding FEC stripe: %w", err)
		}

		for s := w.fecRoots; s < w.fecRoots+parityShards; s++ {
			if _, err := fecWriter.WriteAt(shards[s], off); err != nil {
				return fmt.Errorf("verity: writing FEC parity: %w", err)
			}
			off++
		}
	}

	w.fecDone = true
	return nil
}
