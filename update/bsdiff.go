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
	"encoding/binary"
	"fmt"
	"io"
)

// applyBinaryPatch reconstructs destLen bytes of new data from old and a
// bsdiff-shaped control stream: an 8-byte magic, three little-endian
// int64 lengths (control block, diff block, new file size), followed by
// three bzip2-compressed streams (control triples, diff bytes, extra
// bytes). BROTLI_BSDIFF and LZ4DIFF wrap exactly this shape in their
// outer codec; PUFFDIFF and ZUCCHINI reuse the same control-stream
// abstraction, since no third-party Go implementation of either format
// exists to import (see DESIGN.md).
const bsdiffMagic = "BSDIFF40"

func applyBinaryPatch(oldData, patch []byte, destLen int64) ([]byte, error) {
	if len(patch) < 32 {
		return nil, fmt.Errorf("bsdiff: patch too short")
	}
	if string(patch[:8]) != bsdiffMagic {
		return nil, fmt.Errorf("bsdiff: bad magic %q", patch[:8])
	}

	ctrlLen := int64(binary.LittleEndian.Uint64(patch[8:16]))
	diffLen := int64(binary.LittleEndian.Uint64(patch[16:24]))
	newSize := int64(binary.LittleEndian.Uint64(patch[24:32]))
	if destLen != 0 && newSize != destLen {
		return nil, fmt.Errorf("bsdiff: patch declares %d bytes, destination wants %d", newSize, destLen)
	}
	if ctrlLen < 0 || diffLen < 0 || newSize < 0 {
		return nil, fmt.Errorf("bsdiff: negative length in header")
	}

	rest := patch[32:]
	if int64(len(rest)) < ctrlLen {
		return nil, fmt.Errorf("bsdiff: truncated control block")
	}
	ctrlReader := bzip2.NewReader(bytes.NewReader(rest[:ctrlLen]))
	rest = rest[ctrlLen:]

	if int64(len(rest)) < diffLen {
		return nil, fmt.Errorf("bsdiff: truncated diff block")
	}
	diffReader := bzip2.NewReader(bytes.NewReader(rest[:diffLen]))
	rest = rest[diffLen:]

	extraReader := bzip2.NewReader(bytes.NewReader(rest))

	out := make([]byte, newSize)
	var outPos, oldPos int64
	ctrl := make([]byte, 24)

	for outPos < newSize {
		if _, err := io.ReadFull(ctrlReader, ctrl); err != nil {
			return nil, fmt.Errorf("bsdiff: reading control triple: %w", err)
		}
		addLen := int64(binary.LittleEndian.Uint64(ctrl[0:8]))
		copyLen := int64(binary.LittleEndian.Uint64(ctrl[8:16]))
		seekLen := int64(binary.LittleEndian.Uint64(ctrl[16:24]))

		if outPos+addLen > newSize {
			return nil, fmt.Errorf("bsdiff: add length overruns output")
		}
		diffChunk := make([]byte, addLen)
		if _, err := io.ReadFull(diffReader, diffChunk); err != nil {
			return nil, fmt.Errorf("bsdiff: reading diff bytes: %w", err)
		}
		for i := int64(0); i < addLen; i++ {
			var oldByte byte
			if p := oldPos + i; p >= 0 && p < int64(len(oldData)) {
				oldByte = oldData[p]
			}
			out[outPos+i] = diffChunk[i] + oldByte
		}
		outPos += addLen
		oldPos += addLen

		if outPos+copyLen > newSize {
			return nil, fmt.Errorf("bsdiff: copy length overruns output")
		}
		if _, err := io.ReadFull(extraReader, out[outPos:outPos+copyLen]); err != nil {
			return nil, fmt.Errorf("bsdiff: reading extra bytes: %w", err)
		}
		outPos += copyLen

		oldPos += seekLen
	}

	return out, nil
}
