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

package generator

import (
	"bytes"
	"testing"

	"github.com/golang/protobuf/proto"

	"github.com/Project-Flare-Staging/system-update-engine/update"
	"github.com/Project-Flare-Staging/system-update-engine/update/metadata"
)

type fakeHardware struct{}

func (fakeHardware) BuildTimestamp() int64 { return 0 }

func TestGenerateWithoutPartitionFails(t *testing.T) {
	g := NewGenerator(BlockSize, 0)
	var buf bytes.Buffer
	if _, err := g.Write(&buf, nil); err != ErrNoPartitions {
		t.Fatalf("expected ErrNoPartitions, got %v", err)
	}
}

func TestGenerateOneBlockPartitionRoundTrips(t *testing.T) {
	g := NewGenerator(BlockSize, 0)

	op := &metadata.InstallOperation{
		Type: metadata.InstallOperation_REPLACE.Enum(),
		DstExtents: []*metadata.Extent{{
			StartBlock: proto.Uint64(0),
			NumBlocks:  proto.Uint64(1),
		}},
		DataLength:     proto.Uint64(BlockSize),
		DataSha256Hash: testOnesHash,
	}
	newInfo := &metadata.InstallInfo{
		Hash: testOnesHash,
		Size: proto.Uint64(BlockSize),
	}
	g.AddPartition("usr", []*metadata.InstallOperation{op}, nil, newInfo, testOnes)

	var buf bytes.Buffer
	payloadBytes, err := g.Write(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}

	des := update.Descriptor{
		PayloadSize:   int64(len(payloadBytes)),
		PayloadSHA256: nil,
	}
	payload, err := update.NewPayloadFrom(bytes.NewReader(payloadBytes), fakeHardware{}, des)
	if err != nil {
		t.Fatalf("parsing generated payload: %v", err)
	}

	procs := payload.Procedures()
	if len(procs) != 1 || procs[0].GetPartitionName() != "usr" {
		t.Fatalf("unexpected partitions: %+v", procs)
	}

	dst := newMemoryDevice(BlockSize)
	ops := payload.Operations(procs[0])
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(ops))
	}
	if err := ops[0].Apply(dst, nil); err != nil {
		t.Fatalf("applying generated operation: %v", err)
	}

	if !bytes.Equal(dst.data, testOnes) {
		t.Errorf("generated REPLACE operation did not reproduce source block")
	}
}

// memoryDevice is a minimal update.BlockDevice backed by a byte slice,
// used so generator tests don't need a real file to apply operations
// against.
type memoryDevice struct {
	data []byte
}

func newMemoryDevice(size int) *memoryDevice {
	return &memoryDevice{data: make([]byte, size)}
}

func (m *memoryDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, bytes.ErrTooLarge
	}
	return n, nil
}

func (m *memoryDevice) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(m.data) {
		grown := make([]byte, int(off)+len(p))
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}
