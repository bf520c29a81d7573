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

// Package metadata holds the wire-format structures decoded from the
// manifest portion of an update payload. The shapes mirror
// chromeos_update_engine's DeltaArchiveManifest, hand-maintained here
// rather than protoc-generated since no protoc invocation is part of
// this tree; see DESIGN.md for why.
package metadata

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// Magic is the first four bytes of any update payload.
const Magic = "CrAU"

// SupportedMajorVersions enumerates the payload major versions this
// package knows how to parse.
var SupportedMajorVersions = map[uint64]bool{
	1: true,
	2: true,
}

// SupportedMinorVersions enumerates the delta minor versions this
// package knows how to apply. 0 means a full (non-delta) payload.
var SupportedMinorVersions = map[uint32]bool{
	0: true,
	2: true,
	3: true,
	4: true,
	5: true,
	6: true,
}

// DeltaArchiveHeader begins the payload file. It is read with
// encoding/binary, not protobuf, since it is fixed-width framing that
// precedes the manifest.
type DeltaArchiveHeader struct {
	Magic                 [4]byte
	Version               uint64
	ManifestSize          uint64
	MetadataSignatureSize uint32
}

// InstallOperation_Type enumerates the kinds of block transforms a
// single InstallOperation can describe.
type InstallOperation_Type int32

const (
	InstallOperation_REPLACE InstallOperation_Type = iota
	InstallOperation_REPLACE_BZ
	InstallOperation_REPLACE_XZ
	InstallOperation_ZERO
	InstallOperation_DISCARD
	InstallOperation_SOURCE_COPY
	InstallOperation_BROTLI_BSDIFF
	InstallOperation_PUFFDIFF
	InstallOperation_ZUCCHINI
	InstallOperation_LZ4DIFF
	// MOVE and BSDIFF are legacy major-version-1 operation types,
	// superseded by SOURCE_COPY/BROTLI_BSDIFF but still decodable.
	InstallOperation_MOVE
	InstallOperation_BSDIFF
)

var installOperationTypeNames = map[InstallOperation_Type]string{
	InstallOperation_REPLACE:       "REPLACE",
	InstallOperation_REPLACE_BZ:    "REPLACE_BZ",
	InstallOperation_REPLACE_XZ:    "REPLACE_XZ",
	InstallOperation_ZERO:          "ZERO",
	InstallOperation_DISCARD:       "DISCARD",
	InstallOperation_SOURCE_COPY:   "SOURCE_COPY",
	InstallOperation_BROTLI_BSDIFF: "BROTLI_BSDIFF",
	InstallOperation_PUFFDIFF:      "PUFFDIFF",
	InstallOperation_ZUCCHINI:      "ZUCCHINI",
	InstallOperation_LZ4DIFF:       "LZ4DIFF",
	InstallOperation_MOVE:          "MOVE",
	InstallOperation_BSDIFF:        "BSDIFF",
}

func (t InstallOperation_Type) String() string {
	if s, ok := installOperationTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("InstallOperation_Type(%d)", int32(t))
}

func (t InstallOperation_Type) Enum() *InstallOperation_Type {
	return &t
}

// Extent is a half-open block range [StartBlock, StartBlock+NumBlocks).
type Extent struct {
	StartBlock *uint64 `protobuf:"varint,1,opt,name=start_block" json:"start_block,omitempty"`
	NumBlocks  *uint64 `protobuf:"varint,2,opt,name=num_blocks" json:"num_blocks,omitempty"`
}

func (e *Extent) GetStartBlock() uint64 {
	if e != nil && e.StartBlock != nil {
		return *e.StartBlock
	}
	return 0
}

func (e *Extent) GetNumBlocks() uint64 {
	if e != nil && e.NumBlocks != nil {
		return *e.NumBlocks
	}
	return 0
}

func (e *Extent) Reset()         { *e = Extent{} }
func (e *Extent) String() string { return proto.CompactTextString(e) }
func (*Extent) ProtoMessage()    {}

// InstallInfo carries the size and SHA-256 of a (partition) blob.
type InstallInfo struct {
	Size *uint64 `protobuf:"varint,1,opt,name=size" json:"size,omitempty"`
	Hash []byte  `protobuf:"bytes,2,opt,name=hash" json:"hash,omitempty"`
}

func (i *InstallInfo) GetSize() uint64 {
	if i != nil && i.Size != nil {
		return *i.Size
	}
	return 0
}

func (i *InstallInfo) GetHash() []byte {
	if i != nil {
		return i.Hash
	}
	return nil
}

func (i *InstallInfo) Reset()         { *i = InstallInfo{} }
func (i *InstallInfo) String() string { return proto.CompactTextString(i) }
func (*InstallInfo) ProtoMessage()    {}

// InstallOperation is one unit of transformation from source blocks (or
// an opaque blob) to destination blocks.
type InstallOperation struct {
	Type             *InstallOperation_Type `protobuf:"varint,1,req,name=type,enum=metadata.InstallOperation_Type" json:"type,omitempty"`
	DataOffset       *uint64                `protobuf:"varint,2,opt,name=data_offset" json:"data_offset,omitempty"`
	DataLength       *uint64                `protobuf:"varint,3,opt,name=data_length" json:"data_length,omitempty"`
	SrcExtents       []*Extent              `protobuf:"bytes,4,rep,name=src_extents" json:"src_extents,omitempty"`
	SrcLength        *uint64                `protobuf:"varint,5,opt,name=src_length" json:"src_length,omitempty"`
	DstExtents       []*Extent              `protobuf:"bytes,6,rep,name=dst_extents" json:"dst_extents,omitempty"`
	DstLength        *uint64                `protobuf:"varint,7,opt,name=dst_length" json:"dst_length,omitempty"`
	DataSha256Hash   []byte                 `protobuf:"bytes,8,opt,name=data_sha256_hash" json:"data_sha256_hash,omitempty"`
	SrcSha256Hash    []byte                 `protobuf:"bytes,9,opt,name=src_sha256_hash" json:"src_sha256_hash,omitempty"`
}

func (o *InstallOperation) GetType() InstallOperation_Type {
	if o != nil && o.Type != nil {
		return *o.Type
	}
	return InstallOperation_REPLACE
}

func (o *InstallOperation) GetDataOffset() uint64 {
	if o != nil && o.DataOffset != nil {
		return *o.DataOffset
	}
	return 0
}

func (o *InstallOperation) GetDataLength() uint64 {
	if o != nil && o.DataLength != nil {
		return *o.DataLength
	}
	return 0
}

func (o *InstallOperation) GetSrcLength() uint64 {
	if o != nil && o.SrcLength != nil {
		return *o.SrcLength
	}
	return 0
}

func (o *InstallOperation) GetDstLength() uint64 {
	if o != nil && o.DstLength != nil {
		return *o.DstLength
	}
	return 0
}

func (o *InstallOperation) Reset()         { *o = InstallOperation{} }
func (o *InstallOperation) String() string { return proto.CompactTextString(o) }
func (*InstallOperation) ProtoMessage()    {}

// CowMergeOperation describes one step of collapsing a snapshot back
// into its base partition, in required merge order.
type CowMergeOperation struct {
	SrcExtent *Extent `protobuf:"bytes,1,opt,name=src_extent" json:"src_extent,omitempty"`
	DstExtent *Extent `protobuf:"bytes,2,opt,name=dst_extent" json:"dst_extent,omitempty"`
}

func (c *CowMergeOperation) Reset()         { *c = CowMergeOperation{} }
func (c *CowMergeOperation) String() string { return proto.CompactTextString(c) }
func (*CowMergeOperation) ProtoMessage()    {}

// HashTreeAlgorithm names the digest used for a partition's verity tree.
type HashTreeAlgorithm int32

const (
	HashTreeAlgorithm_UNSPECIFIED HashTreeAlgorithm = iota
	HashTreeAlgorithm_SHA256
)

func (h HashTreeAlgorithm) String() string {
	if h == HashTreeAlgorithm_SHA256 {
		return "SHA256"
	}
	return "UNSPECIFIED"
}

// PartitionUpdate is one target partition's worth of metadata: its old
// and new full-partition hashes, its install operations in apply order,
// its merge sequence (if COW-snapshotted), and its verity parameters.
type PartitionUpdate struct {
	PartitionName      *string              `protobuf:"bytes,1,req,name=partition_name" json:"partition_name,omitempty"`
	OldPartitionInfo   *InstallInfo         `protobuf:"bytes,2,opt,name=old_partition_info" json:"old_partition_info,omitempty"`
	NewPartitionInfo   *InstallInfo         `protobuf:"bytes,3,opt,name=new_partition_info" json:"new_partition_info,omitempty"`
	Operations         []*InstallOperation  `protobuf:"bytes,4,rep,name=operations" json:"operations,omitempty"`
	MergeOperations    []*CowMergeOperation `protobuf:"bytes,5,rep,name=merge_operations" json:"merge_operations,omitempty"`
	HashTreeAlgorithm  *HashTreeAlgorithm   `protobuf:"varint,6,opt,name=hash_tree_algorithm" json:"hash_tree_algorithm,omitempty"`
	HashTreeDataExtent *Extent              `protobuf:"bytes,7,opt,name=hash_tree_data_extent" json:"hash_tree_data_extent,omitempty"`
	HashTreeExtent     *Extent              `protobuf:"bytes,8,opt,name=hash_tree_extent" json:"hash_tree_extent,omitempty"`
	HashTreeSalt       []byte               `protobuf:"bytes,9,opt,name=hash_tree_salt" json:"hash_tree_salt,omitempty"`
	FecDataExtent      *Extent              `protobuf:"bytes,10,opt,name=fec_data_extent" json:"fec_data_extent,omitempty"`
	FecExtent          *Extent              `protobuf:"bytes,11,opt,name=fec_extent" json:"fec_extent,omitempty"`
	FecRoots           *uint32              `protobuf:"varint,12,opt,name=fec_roots" json:"fec_roots,omitempty"`
}

func (p *PartitionUpdate) GetPartitionName() string {
	if p != nil && p.PartitionName != nil {
		return *p.PartitionName
	}
	return ""
}

func (p *PartitionUpdate) GetOldPartitionInfo() *InstallInfo { return p.OldPartitionInfo }
func (p *PartitionUpdate) GetNewPartitionInfo() *InstallInfo { return p.NewPartitionInfo }

func (p *PartitionUpdate) GetHashTreeAlgorithm() HashTreeAlgorithm {
	if p != nil && p.HashTreeAlgorithm != nil {
		return *p.HashTreeAlgorithm
	}
	return HashTreeAlgorithm_UNSPECIFIED
}

func (p *PartitionUpdate) GetFecRoots() uint32 {
	if p != nil && p.FecRoots != nil {
		return *p.FecRoots
	}
	return 0
}

func (p *PartitionUpdate) HasVerity() bool {
	return p != nil && p.HashTreeExtent != nil
}

func (p *PartitionUpdate) HasFec() bool {
	return p != nil && p.FecExtent != nil
}

func (p *PartitionUpdate) Reset()         { *p = PartitionUpdate{} }
func (p *PartitionUpdate) String() string { return proto.CompactTextString(p) }
func (*PartitionUpdate) ProtoMessage()    {}

// DynamicPartitionGroup bounds the partitions sharing one slice of the
// super-partition.
type DynamicPartitionGroup struct {
	Name           *string  `protobuf:"bytes,1,req,name=name" json:"name,omitempty"`
	Size           *uint64  `protobuf:"varint,2,opt,name=size" json:"size,omitempty"`
	PartitionNames []string `protobuf:"bytes,3,rep,name=partition_names" json:"partition_names,omitempty"`
}

func (g *DynamicPartitionGroup) GetSize() uint64 {
	if g != nil && g.Size != nil {
		return *g.Size
	}
	return 0
}

func (g *DynamicPartitionGroup) Reset()         { *g = DynamicPartitionGroup{} }
func (g *DynamicPartitionGroup) String() string { return proto.CompactTextString(g) }
func (*DynamicPartitionGroup) ProtoMessage()    {}

// DynamicPartitionMetadata describes the super-partition layout.
type DynamicPartitionMetadata struct {
	Groups          []*DynamicPartitionGroup `protobuf:"bytes,1,rep,name=groups" json:"groups,omitempty"`
	SnapshotEnabled *bool                    `protobuf:"varint,2,opt,name=snapshot_enabled" json:"snapshot_enabled,omitempty"`
}

func (d *DynamicPartitionMetadata) GetSnapshotEnabled() bool {
	return d != nil && d.SnapshotEnabled != nil && *d.SnapshotEnabled
}

func (d *DynamicPartitionMetadata) Reset()         { *d = DynamicPartitionMetadata{} }
func (d *DynamicPartitionMetadata) String() string { return proto.CompactTextString(d) }
func (*DynamicPartitionMetadata) ProtoMessage()    {}

// DeltaArchiveManifest is the fully decoded manifest blob.
type DeltaArchiveManifest struct {
	BlockSize                *uint32                   `protobuf:"varint,1,opt,name=block_size,def=4096" json:"block_size,omitempty"`
	MinorVersion             *uint32                   `protobuf:"varint,2,opt,name=minor_version,def=0" json:"minor_version,omitempty"`
	MaxTimestamp             *int64                    `protobuf:"varint,3,opt,name=max_timestamp" json:"max_timestamp,omitempty"`
	Partitions               []*PartitionUpdate        `protobuf:"bytes,4,rep,name=partitions" json:"partitions,omitempty"`
	SignaturesOffset         *uint64                   `protobuf:"varint,5,opt,name=signatures_offset" json:"signatures_offset,omitempty"`
	SignaturesSize           *uint64                   `protobuf:"varint,6,opt,name=signatures_size" json:"signatures_size,omitempty"`
	DynamicPartitionMetadata *DynamicPartitionMetadata `protobuf:"bytes,7,opt,name=dynamic_partition_metadata" json:"dynamic_partition_metadata,omitempty"`
}

const defaultBlockSize = 4096

func (m *DeltaArchiveManifest) GetBlockSize() uint32 {
	if m != nil && m.BlockSize != nil {
		return *m.BlockSize
	}
	return defaultBlockSize
}

func (m *DeltaArchiveManifest) GetMinorVersion() uint32 {
	if m != nil && m.MinorVersion != nil {
		return *m.MinorVersion
	}
	return 0
}

func (m *DeltaArchiveManifest) GetMaxTimestamp() int64 {
	if m != nil && m.MaxTimestamp != nil {
		return *m.MaxTimestamp
	}
	return 0
}

func (m *DeltaArchiveManifest) GetSignaturesOffset() uint64 {
	if m != nil && m.SignaturesOffset != nil {
		return *m.SignaturesOffset
	}
	return 0
}

func (m *DeltaArchiveManifest) GetSignaturesSize() uint64 {
	if m != nil && m.SignaturesSize != nil {
		return *m.SignaturesSize
	}
	return 0
}

func (m *DeltaArchiveManifest) GetDynamicPartitionMetadata() *DynamicPartitionMetadata {
	if m != nil {
		return m.DynamicPartitionMetadata
	}
	return nil
}

func (m *DeltaArchiveManifest) Reset()         { *m = DeltaArchiveManifest{} }
func (m *DeltaArchiveManifest) String() string { return proto.CompactTextString(m) }
func (*DeltaArchiveManifest) ProtoMessage()    {}

// Signatures_Signature is one signature blob, versioned so multiple
// signing keys/algorithms can coexist across a rollout.
type Signatures_Signature struct {
	Version *uint32 `protobuf:"varint,1,opt,name=version" json:"version,omitempty"`
	Data    []byte  `protobuf:"bytes,2,opt,name=data" json:"data,omitempty"`
}

func (s *Signatures_Signature) GetVersion() uint32 {
	if s != nil && s.Version != nil {
		return *s.Version
	}
	return 0
}

func (s *Signatures_Signature) Reset()         { *s = Signatures_Signature{} }
func (s *Signatures_Signature) String() string { return proto.CompactTextString(s) }
func (*Signatures_Signature) ProtoMessage()    {}

// Signatures wraps one or more signatures over a payload prefix.
type Signatures struct {
	Signatures []*Signatures_Signature `protobuf:"bytes,1,rep,name=signatures" json:"signatures,omitempty"`
}

func (s *Signatures) Reset()         { *s = Signatures{} }
func (s *Signatures) String() string { return proto.CompactTextString(s) }
func (*Signatures) ProtoMessage()    {}
