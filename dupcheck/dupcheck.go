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

// Package dupcheck remembers which files were delivered to a host so that
// the same name is not sent twice within a time window.
//
// Every delivery leaves a marker CRC_DIR/<hex crc32> whose modification time
// is the delivery time.  The checksum covers the host alias and the file
// name.
package dupcheck

import (
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Checker tests and records markers of one host.
type Checker struct {
	Dir     string
	Alias   string
	Timeout time.Duration

	now   func() time.Time
	cache *ttlcache.Cache[uint32, time.Time]
}

// New returns a checker keeping markers in dir for timeout.
func New(dir, alias string, timeout time.Duration) *Checker {
	c := &Checker{Dir: dir, Alias: alias, Timeout: timeout, now: time.Now}
	loader := ttlcache.LoaderFunc[uint32, time.Time](
		func(cache *ttlcache.Cache[uint32, time.Time], key uint32) *ttlcache.Item[uint32, time.Time] {
			fi, err := os.Stat(c.markerPath(key))
			if err != nil {
				return nil
			}
			left := fi.ModTime().Add(c.Timeout).Sub(c.now())
			if left <= 0 {
				return nil
			}
			return cache.Set(key, fi.ModTime(), left)
		},
	)
	c.cache = ttlcache.New(
		ttlcache.WithTTL[uint32, time.Time](timeout),
		ttlcache.WithLoader[uint32, time.Time](loader),
		ttlcache.WithDisableTouchOnHit[uint32, time.Time](),
	)
	return c
}

// Sum is the marker checksum of name.
func (c *Checker) Sum(name string) uint32 {
	return crc32.ChecksumIEEE([]byte(c.Alias + "/" + name))
}

func (c *Checker) markerPath(sum uint32) string {
	return filepath.Join(c.Dir, strconv.FormatUint(uint64(sum), 16))
}

// Seen reports whether name was delivered within the timeout.  When it was
// not, a fresh marker is written and false returned.
func (c *Checker) Seen(name string) (bool, error) {
	sum := c.Sum(name)
	if item := c.cache.Get(sum); item != nil {
		return true, nil
	}
	if err := c.record(sum); err != nil {
		return false, err
	}
	return false, nil
}

func (c *Checker) record(sum uint32) error {
	path := c.markerPath(sum)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to create duplicate marker %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close duplicate marker %s", path)
	}
	now := c.now()
	if err := os.Chtimes(path, now, now); err != nil {
		return errors.Wrapf(err, "failed to stamp duplicate marker %s", path)
	}
	c.cache.Set(sum, now, c.Timeout)
	return nil
}

// Forget drops the marker of name, used when a delivery failed after the
// check.
func (c *Checker) Forget(name string) {
	sum := c.Sum(name)
	c.cache.Delete(sum)
	if err := os.Remove(c.markerPath(sum)); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove duplicate marker for %s: %v", name, err)
	}
}

// Prune deletes markers in dir older than maxAge and returns how many went.
func Prune(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "failed to read %s", dir)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := strconv.ParseUint(e.Name(), 16, 32); err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) <= maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			log.Warnf("Failed to prune duplicate marker %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}
