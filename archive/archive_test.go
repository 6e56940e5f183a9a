/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobDir(t *testing.T) {
	day := time.Date(2026, 3, 7, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, filepath.Join("/a", "2026", "03", "07", "dwd", "1f"), JobDir("/a", day, "dwd", 0x1f))
}

func TestCommitIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/staging/a", []byte("first"), 0640))

	arch := &Archiver{Fs: fs, Dir: "/archive/2026/03/07/dwd/1f", MsgID: "1f_65_abc"}
	target, err := arch.Commit("/staging/a", "a")
	require.NoError(t, err)
	assert.Equal(t, "/archive/2026/03/07/dwd/1f/1f_65_abc-a", target)

	// The same file delivered again must not replace the archived copy.
	require.NoError(t, afero.WriteFile(fs, "/staging/a", []byte("second"), 0640))
	again, err := arch.Commit("/staging/a", "a")
	require.NoError(t, err)
	assert.Equal(t, target, again)

	content, err := afero.ReadFile(fs, target)
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))
	_, err = fs.Stat("/staging/a")
	assert.True(t, os.IsNotExist(err))
}

type renameFailFs struct {
	afero.Fs
}

func (renameFailFs) Rename(oldname, newname string) error {
	return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: os.ErrPermission}
}

func TestCommitFailureRemovesLocal(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/staging/a", []byte("x"), 0640))

	arch := &Archiver{Fs: renameFailFs{fs}, Dir: "/archive/x", MsgID: "m"}
	_, err := arch.Commit("/staging/a", "a")
	require.Error(t, err)

	_, err = fs.Stat("/staging/a")
	assert.True(t, os.IsNotExist(err))
	exists, _ := afero.Exists(fs, "/archive/x/m-a")
	assert.False(t, exists)
}

func TestOriginalName(t *testing.T) {
	name, ok := OriginalName("m1", ArchivedName("m1", "x-y.bin"))
	assert.True(t, ok)
	assert.Equal(t, "x-y.bin", name)
	_, ok = OriginalName("m1", "m2-x")
	assert.False(t, ok)
}

func TestPrune(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, dir := range []string{"2026/03/06/dwd/1", "2026/03/07/dwd/1", "2026/02/28/knmi/2", "2025/12/31/a/3"} {
		require.NoError(t, fs.MkdirAll(filepath.Join("/archive", dir), 0750))
	}
	n, err := Prune(fs, "/archive", time.Date(2026, 3, 7, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	exists, _ := afero.DirExists(fs, "/archive/2026/03/07/dwd/1")
	assert.True(t, exists)
	exists, _ = afero.DirExists(fs, "/archive/2025")
	assert.False(t, exists)
	exists, _ = afero.DirExists(fs, "/archive/2026/02")
	assert.False(t, exists)
}
