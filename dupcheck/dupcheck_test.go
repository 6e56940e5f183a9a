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

package dupcheck

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeen(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "dwd", time.Hour)

	seen, err := c.Seen("a.txt")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = c.Seen("a.txt")
	require.NoError(t, err)
	assert.True(t, seen)

	// A different host keeps its own markers.
	other := New(dir, "zamg", time.Hour)
	seen, err = other.Seen("a.txt")
	require.NoError(t, err)
	assert.False(t, seen)

	// A second checker finds the marker on disk.
	again := New(dir, "dwd", time.Hour)
	seen, err = again.Seen("a.txt")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSeenExpired(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "dwd", time.Minute)
	_, err := c.Seen("b")
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Minute)
	marker := c.markerPath(c.Sum("b"))
	require.NoError(t, os.Chtimes(marker, old, old))

	fresh := New(dir, "dwd", time.Minute)
	seen, err := fresh.Seen("b")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestForget(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "dwd", time.Hour)
	_, err := c.Seen("c")
	require.NoError(t, err)
	c.Forget("c")
	_, err = os.Stat(c.markerPath(c.Sum("c")))
	assert.True(t, os.IsNotExist(err))

	seen, err := c.Seen("c")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "dwd", time.Hour)
	for _, name := range []string{"x", "y"} {
		_, err := c.Seen(name)
		require.NoError(t, err)
	}
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(c.markerPath(c.Sum("x")), old, old))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), nil, 0600))

	n, err := Prune(dir, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(c.markerPath(c.Sum("y")))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "README"))
	assert.NoError(t, err)

	n, err = Prune(filepath.Join(dir, "missing"), time.Hour, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
