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

package snapshot

import (
	"fmt"
	"os"

	"github.com/frostschutz/go-fibmap"
)

// BackingExtents reports the physical extents backing a loop-mounted
// test fixture file via the FIEMAP ioctl. Loop devices over sparse
// files are commonly non-contiguous, unlike a real physical partition.
// No code in this module calls it.
func BackingExtents(f *os.File) ([]fibmap.Extent, error) {
	fm := fibmap.NewFibmapFile(f)
	extents, errno := fm.Fiemap(0)
	if errno != 0 {
		return nil, fmt.Errorf("snapshot: fiemap: errno %d", errno)
	}
	return extents, nil
}
