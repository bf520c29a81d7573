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
	"context"
	"os/exec"

	"github.com/Project-Flare-Staging/system-update-engine/subprocess"
)

// Bzip2 compresses data by shelling out to lbzip2 (preferred for its
// parallelism) or plain bzip2, producing the blob a REPLACE_BZ fixture
// operation carries. The stdlib's compress/bzip2 package only offers a
// reader, never a writer.
func Bzip2(data []byte) ([]byte, error) {
	return bzip2Via(subprocess.New(), data)
}

func bzip2Via(proc *subprocess.Manager, data []byte) ([]byte, error) {
	zipper := "bzip2"
	if _, err := exec.LookPath("lbzip2"); err == nil {
		zipper = "lbzip2"
	}

	res, err := proc.RunStdin(context.Background(), bytes.NewReader(data), zipper, "-c")
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}
