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

package job

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/pelicanplatform/afd/config"
)

// Message holds the job options of one message file.  Durations are whole
// seconds.
type Message struct {
	JobID               uint32   `yaml:"job_id"`
	Host                string   `yaml:"host"`
	Recipient           string   `yaml:"recipient"`
	ArchiveTime         uint32   `yaml:"archive_time,omitempty"`
	Lock                string   `yaml:"lock,omitempty"`
	LockPrefix          string   `yaml:"lock_prefix,omitempty"`
	LockSuffix          string   `yaml:"lock_suffix,omitempty"`
	Chmod               string   `yaml:"chmod,omitempty"`
	Chown               string   `yaml:"chown,omitempty"`
	CreateTargetDir     bool     `yaml:"create_target_dir,omitempty"`
	DirMode             string   `yaml:"dir_mode,omitempty"`
	TransRename         []string `yaml:"trans_rename,omitempty"`
	FileNameIsHeader    bool     `yaml:"file_name_is_header,omitempty"`
	WmoCounterFile      string   `yaml:"wmo_counter_file,omitempty"`
	TransExec           string   `yaml:"trans_exec,omitempty"`
	AgeLimit            uint32   `yaml:"age_limit,omitempty"`
	DupcheckTimeout     uint32   `yaml:"dupcheck_timeout,omitempty"`
	SilentNotLockedFile bool     `yaml:"silent_not_locked_file,omitempty"`
	TransferMode        string   `yaml:"transfer_mode,omitempty"`
	WithLengthIndicator *bool    `yaml:"with_length_indicator,omitempty"`
}

// LoadMessage reads and validates a message file.
func LoadMessage(path string) (*Message, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read message %s", path)
	}
	msg := &Message{}
	if err := yaml.Unmarshal(content, msg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse message %s", path)
	}
	if msg.Recipient == "" {
		return nil, errors.Errorf("message %s has no recipient", path)
	}
	return msg, nil
}

// NewMessageID builds a message id from the job id, the creation time and a
// random tag.  The id doubles as the staging directory name.
func NewMessageID(jobID uint32, now time.Time) string {
	return fmt.Sprintf("%x_%x_%s", jobID, now.Unix(), uuid.NewString()[:8])
}

// ParseMessageID extracts the job id and creation time of an id built by
// NewMessageID.
func ParseMessageID(id string) (jobID uint32, created time.Time, err error) {
	parts := strings.SplitN(id, "_", 3)
	if len(parts) != 3 {
		return 0, time.Time{}, errors.Errorf("malformed message id %q", id)
	}
	j, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "malformed job id in %q", id)
	}
	sec, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "malformed creation time in %q", id)
	}
	return uint32(j), time.Unix(sec, 0), nil
}

// WriteMessage stores msg under a new id.  stage fills the staging
// directory; the message file is published only after it succeeded, so a
// dispatcher never sees a half-staged message.
func WriteMessage(wd config.WorkDir, msg *Message, stage func(dir string) error) (string, error) {
	id := NewMessageID(msg.JobID, time.Now())
	dir := wd.StagingDir(id)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", errors.Wrap(err, "failed to create staging directory")
	}
	if stage != nil {
		if err := stage(dir); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}
	content, err := yaml.Marshal(msg)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode message")
	}
	tmp := filepath.Join(wd.MessageDir(), "."+id)
	if err := os.WriteFile(tmp, content, 0640); err != nil {
		return "", errors.Wrap(err, "failed to write message")
	}
	if err := os.Rename(tmp, wd.MessageFile(id)); err != nil {
		return "", errors.Wrap(err, "failed to publish message")
	}
	return id, nil
}
