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
	"compress/bzip2"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/Project-Flare-Staging/system-update-engine/update/metadata"
)

// Error taxonomy for the operation executor, see spec.md §4.3/§7.
var (
	ErrOperationHashMismatch     = errors.New("download: operation hash mismatch")
	ErrOperationExecutionError   = errors.New("download: operation execution error")
	ErrOperationHashMissing      = errors.New("download: operation hash missing")
	ErrFilesystemCopier          = errors.New("filesystem copier error")
	ErrUnknownOperationType      = errors.New("unknown install operation type")
)

// BlockDevice is the minimal surface Operation needs from a target or
// source partition: positioned reads and writes plus an optional
// discard hint. *os.File satisfies it directly.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
}

// Discarder is implemented by block devices that can service a trim/
// discard hint (spec.md §4.3 DISCARD). Implementations that cannot
// report ErrUnsupportedDiscard so the executor falls back to ZERO.
type Discarder interface {
	DiscardAt(offset, length int64) error
}

// ErrUnsupportedDiscard signals a BlockDevice cannot service DiscardAt,
// forcing the ZERO fallback spec.md §9 requires.
var ErrUnsupportedDiscard = errors.New("discard not supported on this device")

// Operation applies or verifies one InstallOperation against a source
// and destination BlockDevice pair, both addressed in blockSize units.
type Operation struct {
	Payload   *Payload
	Partition *metadata.PartitionUpdate
	Op        *metadata.InstallOperation

	blockSize int64
}

// NewOperation binds an InstallOperation to the payload it came from and
// the partition it targets.
func NewOperation(p *Payload, part *metadata.PartitionUpdate, op *metadata.InstallOperation) *Operation {
	return &Operation{
		Payload:   p,
		Partition: part,
		Op:        op,
		blockSize: int64(p.Manifest.GetBlockSize()),
	}
}

// blobReader wraps the payload stream so that reading exactly
// data_length bytes simultaneously advances Payload.Offset/hash and
// accumulates a SHA-256 for blob-hash verification.
type blobReader struct {
	io.Reader
	sha hash.Hash
}

func (o *Operation) newBlobReader() *blobReader {
	sha := sha256.New()
	limited := &io.LimitedReader{R: o.Payload, N: int64(o.Op.GetDataLength())}
	return &blobReader{Reader: io.TeeReader(limited, sha), sha: sha}
}

// verifyOffset checks that the payload cursor is exactly at this
// operation's declared data_offset before any blob bytes are consumed,
// enforcing the monotonic data-offset invariant (spec.md §3, §8).
func (o *Operation) verifyOffset() error {
	if o.Op.DataLength == nil {
		return nil
	}
	if int64(o.Op.GetDataOffset()) != o.Payload.DataRegionOffset() {
		return fmt.Errorf("%w: expected data offset %d, payload at %d",
			ErrOperationExecutionError, o.Op.GetDataOffset(), o.Payload.DataRegionOffset())
	}
	return nil
}

// destByteLen returns the logical number of output bytes the
// destination extents cover.
func (o *Operation) destByteLen() int64 {
	var total uint64
	for _, e := range o.Op.DstExtents {
		total += e.GetNumBlocks()
	}
	return int64(total) * o.blockSize
}

func (o *Operation) srcByteLen() int64 {
	var total uint64
	for _, e := range o.Op.SrcExtents {
		total += e.GetNumBlocks()
	}
	return int64(total) * o.blockSize
}

// Apply executes the operation, reading its blob (if any) from the
// payload stream and writing to dst, consulting src for any operation
// that reads existing partition content.
func (o *Operation) Apply(dst BlockDevice, src BlockDevice) error {
	if err := o.verifyOffset(); err != nil {
		return err
	}

	switch o.Op.GetType() {
	case metadata.InstallOperation_REPLACE:
		return o.applyReplace(dst, nil)
	case metadata.InstallOperation_REPLACE_BZ:
		return o.applyReplace(dst, bzip2.NewReader)
	case metadata.InstallOperation_REPLACE_XZ:
		return o.applyReplace(dst, func(r io.Reader) io.Reader {
			xr, err := xz.NewReader(r)
			if err != nil {
				return errReader{err}
			}
			return xr
		})
	case metadata.InstallOperation_ZERO:
		return o.applyZero(dst)
	case metadata.InstallOperation_DISCARD:
		return o.applyDiscard(dst)
	case metadata.InstallOperation_SOURCE_COPY:
		return o.applySourceCopy(dst, src)
	case metadata.InstallOperation_BROTLI_BSDIFF:
		return o.applyDiff(dst, src, func(r io.Reader) io.Reader { return brotli.NewReader(r) })
	case metadata.InstallOperation_LZ4DIFF:
		return o.applyDiff(dst, src, func(r io.Reader) io.Reader { return lz4.NewReader(r) })
	case metadata.InstallOperation_PUFFDIFF:
		return o.applyDiff(dst, src, nil)
	case metadata.InstallOperation_ZUCCHINI:
		return o.applyDiff(dst, src, nil)
	case metadata.InstallOperation_MOVE:
		return o.applyMove(dst, src)
	case metadata.InstallOperation_BSDIFF:
		return o.applyBsdiffLegacy(dst, src)
	}
	return fmt.Errorf("%w: %s", ErrUnknownOperationType, o.Op.GetType())
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// applyReplace writes the (optionally decompressed) blob verbatim into
// the destination extents, in order.
func (o *Operation) applyReplace(dst BlockDevice, decompress func(io.Reader) io.Reader) error {
	if len(o.Op.SrcExtents) != 0 {
		return fmt.Errorf("%w: REPLACE contains source extents", ErrOperationExecutionError)
	}

	br := o.newBlobReader()
	var r io.Reader = br
	if decompress != nil {
		r = decompress(br)
	}

	if err := writeExtents(dst, o.Op.DstExtents, o.blockSize, r); err != nil {
		return fmt.Errorf("%w: %v", ErrOperationExecutionError, err)
	}

	// Drain any remaining declared blob bytes (decompressors may not
	// consume trailing padding) so the payload cursor still lands
	// exactly at the next operation's data_offset.
	if _, err := io.Copy(io.Discard, br); err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrOperationExecutionError, err)
	}

	return o.verifyBlobHash(br.sha)
}

// applyZero writes zero bytes to every destination block; there is no
// blob to read.
func (o *Operation) applyZero(dst BlockDevice) error {
	if len(o.Op.DataSha256Hash) != 0 {
		return fmt.Errorf("%w: ZERO must not carry a data hash", ErrOperationExecutionError)
	}
	zero := zeroReader{}
	if err := writeExtents(dst, o.Op.DstExtents, o.blockSize, zero); err != nil {
		return fmt.Errorf("%w: %v", ErrOperationExecutionError, err)
	}
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = 0
	}
	return len(b), nil
}

// applyDiscard issues a discard hint; if the device cannot honor it
// deterministically it falls back to ZERO, per spec.md §9's open
// question resolution (see SPEC_FULL.md).
func (o *Operation) applyDiscard(dst BlockDevice) error {
	d, ok := dst.(Discarder)
	if ok {
		allDiscarded := true
		for _, e := range o.Op.DstExtents {
			off := int64(e.GetStartBlock()) * o.blockSize
			length := int64(e.GetNumBlocks()) * o.blockSize
			if err := d.DiscardAt(off, length); err != nil {
				allDiscarded = false
				break
			}
		}
		if allDiscarded {
			return nil
		}
	}
	return o.applyZero(dst)
}

// applySourceCopy copies source extents to destination extents block by
// block, verifying the source hash if the manifest supplied one.
func (o *Operation) applySourceCopy(dst, src BlockDevice) error {
	if src == nil {
		return fmt.Errorf("%w: SOURCE_COPY with no source device", ErrFilesystemCopier)
	}
	if len(o.Op.SrcExtents) == 0 && len(o.Op.DstExtents) == 0 {
		// Optimized away by the snapshot controller: source ==
		// destination under an active snapshot, nothing to do.
		return nil
	}

	sha := sha256.New()
	r := io.TeeReader(&extentReader{dev: src, extents: o.Op.SrcExtents, blockSize: o.blockSize}, sha)
	if err := writeExtents(dst, o.Op.DstExtents, o.blockSize, r); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystemCopier, err)
	}

	if len(o.Op.SrcSha256Hash) != 0 {
		sum := sha.Sum(nil)
		if !bytes.Equal(sum, o.Op.SrcSha256Hash) {
			return fmt.Errorf("%w: expected source hash %x got %x", ErrFilesystemCopier, o.Op.SrcSha256Hash, sum)
		}
	}

	return nil
}

// applyDiff reads a compressed binary patch blob, decompresses it with
// the given outer codec (nil means the patch bytes are not wrapped in a
// general-purpose compressor, as with PUFFDIFF/ZUCCHINI), and applies it
// against the source extents to produce the destination bytes.
func (o *Operation) applyDiff(dst, src BlockDevice, decompress func(io.Reader) io.Reader) error {
	if src == nil {
		return fmt.Errorf("%w: diff operation with no source device", ErrOperationExecutionError)
	}

	br := o.newBlobReader()
	var patchStream io.Reader = br
	if decompress != nil {
		patchStream = decompress(br)
	}

	patch, err := io.ReadAll(patchStream)
	if err != nil {
		return fmt.Errorf("%w: reading patch: %v", ErrOperationExecutionError, err)
	}
	if err := o.verifyBlobHash(br.sha); err != nil {
		return err
	}

	srcBytes := make([]byte, o.srcByteLen())
	if _, err := io.ReadFull(&extentReader{dev: src, extents: o.Op.SrcExtents, blockSize: o.blockSize}, srcBytes); err != nil {
		return fmt.Errorf("%w: reading source extents: %v", ErrOperationExecutionError, err)
	}

	result, err := applyBinaryPatch(srcBytes, patch, o.destByteLen())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOperationExecutionError, err)
	}

	if err := writeExtents(dst, o.Op.DstExtents, o.blockSize, bytes.NewReader(result)); err != nil {
		return fmt.Errorf("%w: %v", ErrOperationExecutionError, err)
	}

	return nil
}

func (o *Operation) applyMove(dst, src BlockDevice) error {
	return o.applySourceCopy(dst, src)
}

func (o *Operation) applyBsdiffLegacy(dst, src BlockDevice) error {
	return o.applyDiff(dst, src, nil)
}

// verifyBlobHash checks the accumulated SHA-256 of a just-read blob
// against the operation's declared data_sha256_hash, when present.
func (o *Operation) verifyBlobHash(sha hash.Hash) error {
	if len(o.Op.DataSha256Hash) == 0 {
		if o.Op.DataLength != nil && o.Op.GetDataLength() > 0 {
			return ErrOperationHashMissing
		}
		return nil
	}
	sum := sha.Sum(nil)
	if !bytes.Equal(sum, o.Op.DataSha256Hash) {
		return fmt.Errorf("%w: expected %x got %x", ErrOperationHashMismatch, o.Op.DataSha256Hash, sum)
	}
	return nil
}

// writeExtents copies exactly the byte length the extents describe from
// r into dst at the extents' block offsets, in extent-list order.
func writeExtents(dst BlockDevice, extents []*metadata.Extent, blockSize int64, r io.Reader) error {
	buf := make([]byte, 1<<20) // bounded chunk, per spec.md §5 (<=2MiB slices)
	for _, e := range extents {
		remaining := int64(e.GetNumBlocks()) * blockSize
		off := int64(e.GetStartBlock()) * blockSize
		for remaining > 0 {
			n := int64(len(buf))
			if n > remaining {
				n = remaining
			}
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				return err
			}
			if _, err := dst.WriteAt(buf[:n], off); err != nil {
				return err
			}
			off += n
			remaining -= n
		}
	}
	return nil
}

// extentReader reads sequentially across a list of extents on one
// block device, in order. Must be used via a pointer so successive
// Read calls observe the shrinking extent list.
type extentReader struct {
	dev       io.ReaderAt
	extents   []*metadata.Extent
	blockSize int64
	curOff    int64 // byte offset into extents[0] already consumed
}

func (er *extentReader) Read(b []byte) (int, error) {
	for len(er.extents) > 0 {
		e := er.extents[0]
		length := int64(e.GetNumBlocks())*er.blockSize - er.curOff
		off := int64(e.GetStartBlock())*er.blockSize + er.curOff
		if length <= 0 {
			er.extents = er.extents[1:]
			er.curOff = 0
			continue
		}
		n := int64(len(b))
		if n > length {
			n = length
		}
		read, err := er.dev.ReadAt(b[:n], off)
		if read > 0 {
			er.curOff += int64(read)
			return read, nil
		}
		if err != nil {
			return read, err
		}
	}
	return 0, io.EOF
}
