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
	"encoding/binary"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/golang/protobuf/proto"

	"github.com/Project-Flare-Staging/system-update-engine/update/generator"
	"github.com/Project-Flare-Staging/system-update-engine/update/metadata"
	"github.com/Project-Flare-Staging/system-update-engine/update/signature"
)

// newTestPayload builds a bare Payload whose data region is exactly
// blob, positioned as if the header/manifest/metadata signature had
// already been consumed, so Operation.Apply can read blob bytes
// directly without constructing a full serialized CrAU stream.
func newTestPayload(blob []byte) *Payload {
	return &Payload{r: bytes.NewReader(blob), h: signature.NewSignatureHash()}
}

func oneBlockExtent(block uint64) []*metadata.Extent {
	return []*metadata.Extent{{StartBlock: proto.Uint64(block), NumBlocks: proto.Uint64(1)}}
}

func TestApplyReplace(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, generator.BlockSize)
	op := &metadata.InstallOperation{
		Type:           metadata.InstallOperation_REPLACE.Enum(),
		DstExtents:     oneBlockExtent(0),
		DataLength:     proto.Uint64(uint64(len(data))),
		DataOffset:     proto.Uint64(0),
		DataSha256Hash: sha256Sum(data),
	}
	p := newTestPayload(data)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(dst.data, data) {
		t.Errorf("replicated data mismatch")
	}
}

func TestApplyReplaceBadHash(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, generator.BlockSize)
	op := &metadata.InstallOperation{
		Type:           metadata.InstallOperation_REPLACE.Enum(),
		DstExtents:     oneBlockExtent(0),
		DataLength:     proto.Uint64(uint64(len(data))),
		DataOffset:     proto.Uint64(0),
		DataSha256Hash: sha256Sum(append([]byte{}, data...)[:len(data)-1]),
	}
	p := newTestPayload(data)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, nil); err == nil {
		t.Fatal("expected a hash mismatch error")
	}
}

func TestApplyReplaceBz(t *testing.T) {
	data := bytes.Repeat([]byte{0x22}, generator.BlockSize)
	compressed, err := generator.Bzip2(data)
	if err != nil {
		t.Fatalf("compressing fixture: %v", err)
	}

	op := &metadata.InstallOperation{
		Type:           metadata.InstallOperation_REPLACE_BZ.Enum(),
		DstExtents:     oneBlockExtent(0),
		DataLength:     proto.Uint64(uint64(len(compressed))),
		DataOffset:     proto.Uint64(0),
		DataSha256Hash: sha256Sum(compressed),
	}
	p := newTestPayload(compressed)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(dst.data, data) {
		t.Errorf("decompressed data mismatch")
	}
}

func TestApplyZero(t *testing.T) {
	op := &metadata.InstallOperation{
		Type: metadata.InstallOperation_ZERO.Enum(),
		DstExtents: []*metadata.Extent{
			{StartBlock: proto.Uint64(0), NumBlocks: proto.Uint64(2)},
		},
	}
	p := newTestPayload(nil)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize * 2)
	for i := range dst.data {
		dst.data[i] = 0xff
	}

	if err := o.Apply(dst, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(dst.data, make([]byte, generator.BlockSize*2)) {
		t.Errorf("expected all-zero destination")
	}
}

// memDevice never implements Discarder, so DISCARD must fall back to
// the ZERO behavior, per spec.md's resolved open question.
func TestApplyDiscardFallsBackToZero(t *testing.T) {
	op := &metadata.InstallOperation{
		Type:       metadata.InstallOperation_DISCARD.Enum(),
		DstExtents: oneBlockExtent(0),
	}
	p := newTestPayload(nil)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize)
	for i := range dst.data {
		dst.data[i] = 0xaa
	}

	if err := o.Apply(dst, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(dst.data, make([]byte, generator.BlockSize)) {
		t.Errorf("expected DISCARD to fall back to zeroing")
	}
}

func TestApplySourceCopy(t *testing.T) {
	data := bytes.Repeat([]byte{0x33}, generator.BlockSize)
	src := newMemDevice(generator.BlockSize)
	copy(src.data, data)

	op := &metadata.InstallOperation{
		Type:          metadata.InstallOperation_SOURCE_COPY.Enum(),
		SrcExtents:    oneBlockExtent(0),
		DstExtents:    oneBlockExtent(0),
		SrcSha256Hash: sha256Sum(data),
	}
	p := newTestPayload(nil)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, src); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(dst.data, data) {
		t.Errorf("copied data mismatch")
	}
}

func TestApplySourceCopyNoSource(t *testing.T) {
	op := &metadata.InstallOperation{
		Type:       metadata.InstallOperation_SOURCE_COPY.Enum(),
		SrcExtents: oneBlockExtent(0),
		DstExtents: oneBlockExtent(0),
	}
	p := newTestPayload(nil)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, nil); err == nil {
		t.Fatal("expected an error applying SOURCE_COPY with no source device")
	}
}

func TestApplySourceCopyBadHash(t *testing.T) {
	src := newMemDevice(generator.BlockSize)
	op := &metadata.InstallOperation{
		Type:          metadata.InstallOperation_SOURCE_COPY.Enum(),
		SrcExtents:    oneBlockExtent(0),
		DstExtents:    oneBlockExtent(0),
		SrcSha256Hash: sha256Sum([]byte("not the right hash at all")),
	}
	p := newTestPayload(nil)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, src); err == nil {
		t.Fatal("expected a source hash mismatch error")
	}
}

// bsdiffPatch builds a minimal BSDIFF40-shaped patch that reconstructs
// newData from an empty old file in a single control triple: the
// entire new file is carried as "add" bytes diffed against an
// out-of-range (hence zero) old byte, with no copy/extra bytes. This
// keeps the fixture free of any dependency on a real bsdiff encoder.
func bsdiffPatch(t *testing.T, newData []byte) []byte {
	t.Helper()

	ctrl := make([]byte, 24)
	binary.LittleEndian.PutUint64(ctrl[0:8], uint64(len(newData))) // addLen
	binary.LittleEndian.PutUint64(ctrl[8:16], 0)                   // copyLen
	binary.LittleEndian.PutUint64(ctrl[16:24], 0)                  // seekLen

	ctrlCompressed, err := generator.Bzip2(ctrl)
	if err != nil {
		t.Fatalf("compressing control block: %v", err)
	}
	diffCompressed, err := generator.Bzip2(newData)
	if err != nil {
		t.Fatalf("compressing diff block: %v", err)
	}

	var buf bytes.Buffer
	buf.WriteString(bsdiffMagic)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(ctrlCompressed)))
	buf.Write(lenBuf[:])
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(diffCompressed)))
	buf.Write(lenBuf[:])
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(newData)))
	buf.Write(lenBuf[:])
	buf.Write(ctrlCompressed)
	buf.Write(diffCompressed)
	// No extra block: copyLen is 0, so applyBinaryPatch never reads it.
	return buf.Bytes()
}

func TestApplyBsdiffLegacy(t *testing.T) {
	newData := make([]byte, generator.BlockSize)
	for i := range newData {
		newData[i] = byte(i)
	}
	patch := bsdiffPatch(t, newData)

	op := &metadata.InstallOperation{
		Type:           metadata.InstallOperation_BSDIFF.Enum(),
		DstExtents:     oneBlockExtent(0),
		DataLength:     proto.Uint64(uint64(len(patch))),
		DataOffset:     proto.Uint64(0),
		DataSha256Hash: sha256Sum(patch),
	}
	p := newTestPayload(patch)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	src := newMemDevice(0)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, src); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(dst.data, newData) {
		t.Errorf("reconstructed data mismatch")
	}
}

func TestApplyBrotliBsdiff(t *testing.T) {
	newData := make([]byte, generator.BlockSize)
	for i := range newData {
		newData[i] = byte(255 - i)
	}
	patch := bsdiffPatch(t, newData)

	var compressed bytes.Buffer
	bw := brotli.NewWriter(&compressed)
	if _, err := bw.Write(patch); err != nil {
		t.Fatalf("brotli-compressing patch: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("closing brotli writer: %v", err)
	}

	op := &metadata.InstallOperation{
		Type:           metadata.InstallOperation_BROTLI_BSDIFF.Enum(),
		DstExtents:     oneBlockExtent(0),
		DataLength:     proto.Uint64(uint64(compressed.Len())),
		DataOffset:     proto.Uint64(0),
		DataSha256Hash: sha256Sum(compressed.Bytes()),
	}
	p := newTestPayload(compressed.Bytes())
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	src := newMemDevice(0)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, src); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(dst.data, newData) {
		t.Errorf("reconstructed data mismatch")
	}
}

func TestApplyUnknownOperationType(t *testing.T) {
	op := &metadata.InstallOperation{
		Type:       metadata.InstallOperation_Type(99).Enum(),
		DstExtents: oneBlockExtent(0),
	}
	p := newTestPayload(nil)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, nil); err == nil {
		t.Fatal("expected an error for an unknown operation type")
	}
}

func TestVerifyOffsetMismatch(t *testing.T) {
	data := bytes.Repeat([]byte{0x44}, generator.BlockSize)
	op := &metadata.InstallOperation{
		Type:           metadata.InstallOperation_REPLACE.Enum(),
		DstExtents:     oneBlockExtent(0),
		DataLength:     proto.Uint64(uint64(len(data))),
		DataOffset:     proto.Uint64(uint64(generator.BlockSize)), // wrong on purpose
		DataSha256Hash: sha256Sum(data),
	}
	p := newTestPayload(data)
	o := NewOperation(p, &metadata.PartitionUpdate{}, op)
	dst := newMemDevice(generator.BlockSize)

	if err := o.Apply(dst, nil); err == nil {
		t.Fatal("expected a data-offset verification error")
	}
}
