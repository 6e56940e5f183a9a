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

package test_utils

import (
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/afd/job"
)

func TestSetupTestLogging(t *testing.T) {
	hook, cleanup := SetupTestLogging(t)
	defer cleanup()

	log.Info("captured")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "captured", hook.LastEntry().Message)
}

func TestWorkDirHelpers(t *testing.T) {
	wd := NewWorkDir(t)
	hsa := CreateHostArea(t, wd, "ha:/tmp/out::1:file:2")
	require.Equal(t, 1, hsa.Count())
	h, ok := hsa.FindHost("ha")
	require.True(t, ok)
	assert.Equal(t, 2, h.AllowedTransfers())

	id := StageMessage(t, wd, &job.Message{JobID: 7, Host: "ha", Recipient: "file:///tmp/out"},
		map[string]string{"a": "0123456789"})
	fi, err := os.Stat(wd.StagingDir(id) + "/a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), fi.Size())
	_, err = os.Stat(wd.MessageFile(id))
	assert.NoError(t, err)
}
