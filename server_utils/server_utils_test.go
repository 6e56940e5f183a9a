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

package server_utils

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchWatcherMaintenance(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events, ticks atomic.Int32
	LaunchWatcherMaintenance(ctx, []string{dir}, "config watch", 50*time.Millisecond, func(notify bool) error {
		if notify {
			events.Add(1)
		} else {
			ticks.Add(1)
		}
		return nil
	})

	require.Eventually(t, func() bool { return ticks.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "HOST_CONFIG"), []byte("a:b\n"), 0600))
	assert.Eventually(t, func() bool { return events.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherMissingDirectoryStillPolls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ticks atomic.Int32
	LaunchWatcherMaintenance(ctx, []string{filepath.Join(t.TempDir(), "gone")}, "poll", 20*time.Millisecond, func(bool) error {
		ticks.Add(1)
		return nil
	})
	assert.Eventually(t, func() bool { return ticks.Load() > 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSQLiteMigrations(t *testing.T) {
	migrations := fstest.MapFS{
		"migrations/20250101000000_create_things.sql": &fstest.MapFile{Data: []byte(`-- +goose Up
CREATE TABLE things (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
-- +goose Down
DROP TABLE things;
`)},
	}

	_, err := InitSQLiteDB("")
	assert.Error(t, err)

	db, err := InitSQLiteDB(filepath.Join(t.TempDir(), "sub", "store"))
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, MigrateDB(sqldb, migrations, "migrations"))

	require.NoError(t, db.Exec("INSERT INTO things (name) VALUES (?)", "alpha").Error)
	var count int64
	require.NoError(t, db.Table("things").Count(&count).Error)
	assert.EqualValues(t, 1, count)
	assert.NoError(t, ShutdownDB(db))
}
