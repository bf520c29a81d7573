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

// Package generator assembles in-memory CrAU payloads for use as test
// fixtures: it is never linked into the production apply path, only
// into _test.go files that need a real, signature-verifiable payload
// to feed to update.NewPayloadFrom.
package generator

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"io"

	"github.com/coreos/pkg/capnslog"
	"github.com/golang/protobuf/proto"

	"github.com/Project-Flare-Staging/system-update-engine/update/metadata"
	"github.com/Project-Flare-Staging/system-update-engine/update/signature"
)

const (
	// BlockSize is the default block size used for all generated
	// payloads.
	BlockSize = 4096

	// ChunkSize bounds how much raw data one generated REPLACE operation
	// carries in a single blob.
	ChunkSize = BlockSize * 256

	payloadVersion = 2
)

var (
	plog = capnslog.NewPackageLogger("github.com/Project-Flare-Staging/system-update-engine", "update/generator")

	// ErrNoPartitions indicates Write was called before any partition
	// was added to the Generator.
	ErrNoPartitions = errors.New("generator: payload has no partitions")
)

// Generator assembles a manifest and its data blobs partition by
// partition, then serializes everything (optionally signed) to an
// io.Writer.
type Generator struct {
	manifest metadata.DeltaArchiveManifest
	blobs    []byte
}

// NewGenerator returns an empty Generator for a payload with the given
// block size (0 selects BlockSize) and minor version (0 means full,
// non-delta).
func NewGenerator(blockSize uint32, minorVersion uint32) *Generator {
	if blockSize == 0 {
		blockSize = BlockSize
	}
	return &Generator{
		manifest: metadata.DeltaArchiveManifest{
			BlockSize:    proto.Uint32(blockSize),
			MinorVersion: proto.Uint32(minorVersion),
		},
	}
}

// AddPartition appends one partition's operations and info to the
// manifest. data is the concatenation of every operation's data blob,
// in the order the operations appear in ops; operations with no data
// (ZERO, SOURCE_COPY, MOVE) contribute nothing to data.
func (g *Generator) AddPartition(name string, ops []*metadata.InstallOperation, oldInfo, newInfo *metadata.InstallInfo, data []byte) {
	g.manifest.Partitions = append(g.manifest.Partitions, &metadata.PartitionUpdate{
		PartitionName:    proto.String(name),
		Operations:       ops,
		OldPartitionInfo: oldInfo,
		NewPartitionInfo: newInfo,
	})
	g.blobs = append(g.blobs, data...)
}

// SetMaxTimestamp sets the manifest's max_timestamp downgrade guard.
func (g *Generator) SetMaxTimestamp(ts int64) {
	g.manifest.MaxTimestamp = proto.Int64(ts)
}

// Write serializes the assembled payload to w: header, manifest, data
// blobs, then a trailing signature over everything preceding it (only
// if key is non-nil; an unsigned payload has signatures_size 0 and
// carries no trailer). It returns the full serialized payload so
// callers can also compute the descriptor fields NewPayloadFrom needs.
func (g *Generator) Write(w io.Writer, key *rsa.PrivateKey) ([]byte, error) {
	if len(g.manifest.Partitions) == 0 {
		return nil, ErrNoPartitions
	}

	g.assignDataOffsets()

	var sigSize int
	if key != nil {
		var err error
		sigSize, err = signature.SignaturesSize(key)
		if err != nil {
			return nil, err
		}
	}
	g.manifest.SignaturesOffset = proto.Uint64(uint64(len(g.blobs)))
	g.manifest.SignaturesSize = proto.Uint64(uint64(sigSize))

	manifestBuf, err := proto.Marshal(&g.manifest)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	hasher := signature.NewSignatureHash()
	mw := io.MultiWriter(&buf, hasher)

	header := metadata.DeltaArchiveHeader{
		Version:      payloadVersion,
		ManifestSize: uint64(len(manifestBuf)),
	}
	copy(header.Magic[:], []byte(metadata.Magic))
	if err := binary.Write(mw, binary.BigEndian, &header.Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(mw, binary.BigEndian, header.Version); err != nil {
		return nil, err
	}
	if err := binary.Write(mw, binary.BigEndian, header.ManifestSize); err != nil {
		return nil, err
	}
	if err := binary.Write(mw, binary.BigEndian, uint32(0)); err != nil { // metadata_signature_size: unused by these fixtures
		return nil, err
	}

	if _, err := mw.Write(manifestBuf); err != nil {
		return nil, err
	}
	if _, err := mw.Write(g.blobs); err != nil {
		return nil, err
	}

	if key != nil {
		sigs, err := signature.Sign(hasher.Sum(nil), key)
		if err != nil {
			return nil, err
		}
		sigBuf, err := proto.Marshal(sigs)
		if err != nil {
			return nil, err
		}
		if len(sigBuf) != sigSize {
			plog.Warningf("signature size drifted: reserved %d, produced %d", sigSize, len(sigBuf))
		}
		if _, err := mw.Write(sigBuf); err != nil {
			return nil, err
		}
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// assignDataOffsets lays every operation's data_offset out in manifest
// order, matching the order their bytes were appended to g.blobs.
func (g *Generator) assignDataOffsets() {
	var offset uint64
	for _, part := range g.manifest.Partitions {
		for _, op := range part.Operations {
			if op.DataLength == nil || *op.DataLength == 0 {
				continue
			}
			op.DataOffset = proto.Uint64(offset)
			offset += *op.DataLength
		}
	}
}
