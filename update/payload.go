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

// Package update implements the payload-consumption pipeline: parsing
// and authenticating a CrAU update payload (Payload), applying its
// install operations to target partitions (Operation), and driving the
// whole process end to end with checkpointed resumption (Performer).
package update

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/ioutil"

	"github.com/coreos/pkg/capnslog"
	"github.com/golang/protobuf/proto"

	"github.com/Project-Flare-Staging/system-update-engine/update/metadata"
	"github.com/Project-Flare-Staging/system-update-engine/update/signature"
)

var plog = capnslog.NewPackageLogger("github.com/Project-Flare-Staging/system-update-engine", "update")

// Error taxonomy, see spec.md §4.2/§7. Each is a sentinel so callers can
// distinguish categories with errors.Is.
var (
	ErrInvalidMetadataMagicString  = errors.New("download: invalid metadata magic string")
	ErrManifestParse               = errors.New("download: manifest parse error")
	ErrUnsupportedMajorVersion     = errors.New("unsupported major payload version")
	ErrUnsupportedMinorVersion     = errors.New("unsupported minor payload version")
	ErrMetadataSignature           = errors.New("download: metadata signature error")
	ErrMetadataSignatureMissing    = errors.New("download: metadata signature missing")
	ErrMetadataSignatureMismatch   = errors.New("download: metadata signature mismatch")
	ErrPayloadVerification         = errors.New("download: payload verification error")
	ErrPayloadTimestamp            = errors.New("payload timestamp error: refusing downgrade")
	ErrInvalidBlockSize            = errors.New("manifest block size is not a power of two")
)

// Hardware is the capability object injected into the parser and the
// Performer so neither depends on process-wide mutable state, per
// spec.md §9.
type Hardware interface {
	// BuildTimestamp returns the Unix timestamp the running system was
	// built at, compared against manifest.max_timestamp to refuse
	// downgrades.
	BuildTimestamp() int64
}

// Descriptor is the update descriptor supplied by the external
// downloader (spec.md §6). The Performer never fetches this itself.
type Descriptor struct {
	PayloadSize          int64
	PayloadSHA256        []byte
	MetadataSize         uint64
	MetadataSignature    []byte
	PublicKeys           []*rsa.PublicKey
}

// Payload parses and authenticates one CrAU update payload read from r.
// Read/Sum implement a running SHA-256 over every byte consumed, used
// both to verify the metadata signature (over the prefix ending at
// metadata_size) and the payload signature (over everything up to the
// signatures blob).
type Payload struct {
	h hash.Hash
	r io.Reader

	hw  Hardware
	des Descriptor

	// Offset is the number of bytes read from the payload so far,
	// including the header and manifest (unlike the teacher's
	// original, which resets to 0 after the manifest — this
	// implementation keeps one running counter and compares against
	// metadata_size + signatures_offset for clarity).
	Offset int64

	Header             metadata.DeltaArchiveHeader
	Manifest           metadata.DeltaArchiveManifest
	MetadataSignatures metadata.Signatures
	PayloadSignatures  metadata.Signatures

	metadataSize int64
	// metadataPrefixSum snapshots Sum() the instant the manifest
	// finishes parsing, before the metadata signature bytes (which are
	// not themselves part of the signed prefix) are read.
	metadataPrefixSum []byte
}

// NewPayloadFrom parses the header, manifest, and metadata signature
// from r, validating everything spec.md §4.2 requires before returning
// (rules 1-5). The returned Payload is positioned at the start of the
// data-blob region, ready for Operations()/Apply.
func NewPayloadFrom(r io.Reader, hw Hardware, des Descriptor) (*Payload, error) {
	p := &Payload{h: signature.NewSignatureHash(), r: r, hw: hw, des: des}

	if err := p.readHeader(); err != nil {
		return nil, err
	}
	if err := p.readManifest(); err != nil {
		return nil, err
	}
	if err := p.readMetadataSignature(); err != nil {
		return nil, err
	}
	if err := p.validateMetadata(); err != nil {
		return nil, err
	}

	return p, nil
}

// Read reads from the raw payload stream, updating the running hash and
// Offset. Behaves like io.TeeReader into the signature hash.
func (p *Payload) Read(b []byte) (n int, err error) {
	n, err = p.r.Read(b)
	if n > 0 {
		p.Offset += int64(n)
		if _, herr := p.h.Write(b[:n]); herr != nil {
			return n, herr
		}
	}
	return
}

// Sum returns the signature hash of the payload bytes read so far.
func (p *Payload) Sum() []byte {
	return p.h.Sum(nil)
}

func (p *Payload) readHeader() error {
	var magic [4]byte
	if _, err := io.ReadFull(p, magic[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadataMagicString, err)
	}
	if string(magic[:]) != metadata.Magic {
		return ErrInvalidMetadataMagicString
	}
	p.Header.Magic = magic

	if err := binary.Read(p, binary.BigEndian, &p.Header.Version); err != nil {
		return fmt.Errorf("%w: reading version: %v", ErrManifestParse, err)
	}
	if !metadata.SupportedMajorVersions[p.Header.Version] {
		return fmt.Errorf("%w: version %d", ErrUnsupportedMajorVersion, p.Header.Version)
	}

	if err := binary.Read(p, binary.BigEndian, &p.Header.ManifestSize); err != nil {
		return fmt.Errorf("%w: reading manifest size: %v", ErrManifestParse, err)
	}

	// Major version 1 payloads have no metadata signature size field;
	// only version 2+ carries it.
	if p.Header.Version >= 2 {
		if err := binary.Read(p, binary.BigEndian, &p.Header.MetadataSignatureSize); err != nil {
			return fmt.Errorf("%w: reading metadata signature size: %v", ErrManifestParse, err)
		}
	}

	return nil
}

// MaxManifestSize bounds how much memory a hostile manifest length can
// force us to allocate.
const MaxManifestSize = 256 << 20

func (p *Payload) readManifest() error {
	if p.Header.ManifestSize == 0 || p.Header.ManifestSize > MaxManifestSize {
		return fmt.Errorf("%w: manifest size %d out of range", ErrManifestParse, p.Header.ManifestSize)
	}

	buf := make([]byte, p.Header.ManifestSize)
	if _, err := io.ReadFull(p, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrManifestParse, err)
	}

	if err := proto.Unmarshal(buf, &p.Manifest); err != nil {
		return fmt.Errorf("%w: %v", ErrManifestParse, err)
	}

	bs := p.Manifest.GetBlockSize()
	if bs == 0 || bs&(bs-1) != 0 {
		return ErrInvalidBlockSize
	}

	p.metadataSize = int64(4 + 8 + 8) // magic + version + manifest_len
	if p.Header.Version >= 2 {
		p.metadataSize += 4
	}
	p.metadataSize += int64(p.Header.ManifestSize)
	p.metadataPrefixSum = p.Sum()

	return nil
}

const maxMetadataSignatureSize = 64 << 10

func (p *Payload) readMetadataSignature() error {
	if p.Header.Version < 2 || p.Header.MetadataSignatureSize == 0 {
		// Legacy payloads may omit the metadata signature entirely.
		return nil
	}
	if p.Header.MetadataSignatureSize > maxMetadataSignatureSize {
		return fmt.Errorf("%w: metadata signature size %d out of range", ErrMetadataSignature, p.Header.MetadataSignatureSize)
	}

	buf := make([]byte, p.Header.MetadataSignatureSize)
	if _, err := io.ReadFull(p, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataSignature, err)
	}
	if err := proto.Unmarshal(buf, &p.MetadataSignatures); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataSignature, err)
	}
	return nil
}

func (p *Payload) validateMetadata() error {
	if len(p.des.PublicKeys) > 0 {
		if len(p.MetadataSignatures.Signatures) == 0 {
			return ErrMetadataSignatureMissing
		}
		// The metadata signature is computed over exactly the bytes
		// preceding it: magic+version+lengths+manifest.
		if err := signature.Verify(p.metadataPrefixSum, &p.MetadataSignatures, p.des.PublicKeys); err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataSignatureMismatch, err)
		}
	}

	minor := p.Manifest.GetMinorVersion()
	if !metadata.SupportedMinorVersions[minor] {
		return fmt.Errorf("%w: minor version %d", ErrUnsupportedMinorVersion, minor)
	}

	dataRegionSize := p.des.PayloadSize - p.metadataSize - int64(p.Header.MetadataSignatureSize)
	sigOff := int64(p.Manifest.GetSignaturesOffset())
	sigSize := int64(p.Manifest.GetSignaturesSize())
	if sigOff < 0 || sigSize < 0 || sigOff+sigSize > dataRegionSize {
		return fmt.Errorf("%w: signatures region [%d,%d) outside data region of size %d",
			ErrManifestParse, sigOff, sigOff+sigSize, dataRegionSize)
	}

	if max := p.Manifest.GetMaxTimestamp(); max != 0 && p.hw != nil {
		if build := p.hw.BuildTimestamp(); build > max {
			return fmt.Errorf("%w: manifest max_timestamp %d < build timestamp %d", ErrPayloadTimestamp, max, build)
		}
	}

	return nil
}

// DataRegionOffset returns the number of bytes consumed since the first
// data-blob byte, the origin operations' data_offset fields are
// measured from.
func (p *Payload) DataRegionOffset() int64 {
	return p.Offset - p.dataRegionStart()
}

// Procedures returns every partition update in manifest order.
func (p *Payload) Procedures() []*metadata.PartitionUpdate {
	return p.Manifest.Partitions
}

// Operations returns the operations for one partition, still referring
// back to p for reading their data blobs.
func (p *Payload) Operations(part *metadata.PartitionUpdate) []*Operation {
	ops := make([]*Operation, len(part.Operations))
	for i, op := range part.Operations {
		ops[i] = NewOperation(p, part, op)
	}
	return ops
}

// VerifyPayloadSignature reads and checks the trailing payload
// signature, and that the expected payload hash (from the external
// descriptor) matches what was actually streamed.
func (p *Payload) VerifyPayloadSignature() error {
	expectOff := p.dataRegionStart() + int64(p.Manifest.GetSignaturesOffset())
	if expectOff != p.Offset {
		return fmt.Errorf("%w: expected signature offset %d, read up to %d",
			ErrPayloadVerification, expectOff, p.Offset)
	}

	signedSum := p.Sum() // everything before the signatures blob
	buf := make([]byte, p.Manifest.GetSignaturesSize())
	if _, err := io.ReadFull(p, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadVerification, err)
	}
	if err := proto.Unmarshal(buf, &p.PayloadSignatures); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadVerification, err)
	}

	if len(p.des.PublicKeys) > 0 {
		if err := signature.Verify(signedSum, &p.PayloadSignatures, p.des.PublicKeys); err != nil {
			return fmt.Errorf("%w: %v", ErrPayloadVerification, err)
		}
	}

	sum := p.Sum()
	if len(p.des.PayloadSHA256) > 0 && !bytes.Equal(sum, p.des.PayloadSHA256) {
		return fmt.Errorf("%w: expected payload hash %x got %x", ErrPayloadVerification, p.des.PayloadSHA256, sum)
	}

	// No trailing bytes should follow the signatures.
	if n, err := io.Copy(ioutil.Discard, p); err != nil {
		return fmt.Errorf("%w: trailing read failure: %v", ErrPayloadVerification, err)
	} else if n != 0 {
		return fmt.Errorf("%w: found %d trailing bytes", ErrPayloadVerification, n)
	}

	return nil
}

func (p *Payload) dataRegionStart() int64 {
	return p.metadataSize + int64(p.Header.MetadataSignatureSize)
}
